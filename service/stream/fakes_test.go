package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/brojonat/txtracker/service/db"
	"github.com/brojonat/txtracker/service/solana"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSubscription delivers whatever the test pushes into events.
type fakeSubscription struct {
	events  chan readResult
	pingErr error
	pings   atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		events: make(chan readResult, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeSubscription) send(ev Event) {
	f.events <- readResult{event: ev}
}

func (f *fakeSubscription) end(err error) {
	f.events <- readResult{err: err}
}

func (f *fakeSubscription) Next(ctx context.Context) (Event, error) {
	select {
	case r := <-f.events:
		return r.event, r.err
	case <-f.closed:
		return Event{}, io.EOF
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (f *fakeSubscription) Ping(ctx context.Context) error {
	f.pings.Add(1)
	return f.pingErr
}

func (f *fakeSubscription) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSubscription) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeFetcher serves raw transactions from a map.
type fakeFetcher struct {
	mu    sync.Mutex
	txns  map[string]*solana.RawTransaction
	errs  map[string]error
	calls []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		txns: make(map[string]*solana.RawTransaction),
		errs: make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, signature string) (*solana.RawTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, signature)
	if err := f.errs[signature]; err != nil {
		return nil, err
	}
	raw, ok := f.txns[signature]
	if !ok {
		return nil, solana.ErrRPC
	}
	return raw, nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeStore mimics the gateway's idempotent insert.
type fakeStore struct {
	mu     sync.Mutex
	stored map[string]*solana.Transaction
	order  []string
	errs   map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stored: make(map[string]*solana.Transaction),
		errs:   make(map[string]error),
	}
}

func (s *fakeStore) InsertComplete(ctx context.Context, txn *solana.Transaction) (db.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[txn.Signature]; err != nil {
		return db.InsertResult{}, err
	}
	if _, exists := s.stored[txn.Signature]; exists {
		return db.InsertResult{}, nil
	}
	s.stored[txn.Signature] = txn
	s.order = append(s.order, txn.Signature)
	return db.InsertResult{
		TransactionID:         int64(len(s.order)),
		Inserted:              true,
		BalanceChangesWritten: len(txn.BalanceChanges),
	}, nil
}

func (s *fakeStore) signatures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// recordingPublisher remembers published signatures.
type recordingPublisher struct {
	mu   sync.Mutex
	sigs []string
	err  error
}

func (p *recordingPublisher) PublishTransaction(ctx context.Context, txn *solana.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sigs = append(p.sigs, txn.Signature)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sigs...)
}

// rawTransfer builds a json-encoded getTransaction result where A pays B 10 lamports.
func rawTransfer(signature string, failed bool) *solana.RawTransaction {
	meta := &solana.RawMeta{
		Fee:          10,
		PreBalances:  []uint64{100, 100},
		PostBalances: []uint64{90, 110},
	}
	if failed {
		meta.Err = map[string]any{"InstructionError": []any{0, "Custom"}}
	}
	return &solana.RawTransaction{
		Slot: 1000,
		Meta: meta,
		Transaction: solana.RawEnvelope{
			Signatures: []string{signature},
			Message:    solana.RawMessage{AccountKeys: []solana.AccountKey{"A", "B"}},
		},
	}
}

var errBoom = errors.New("boom")

// metricValue reads a counter or gauge series from the registry.
// Returns 0 when the series has not been created yet.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	series:
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if v, ok := want[l.GetName()]; ok && v != l.GetValue() {
					continue series
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}
