package db

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/brojonat/txtracker/service/metrics"
	"github.com/brojonat/txtracker/service/solana"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB is an in-memory DBTX that mimics the ON CONFLICT behavior of the schema.
type fakeDB struct {
	mu             sync.Mutex
	nextID         int64
	bySignature    map[string]int64
	balanceRows    []fakeBalanceRow
	balanceExecs   int
	failBalanceAt  map[int]bool // 1-based balance insert attempts that fail
	insertTxnError error
}

type fakeBalanceRow struct {
	transactionID int64
	account       string
	mint          *string
	pre, post     int64
	delta         int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		bySignature:   make(map[string]int64),
		failBalanceAt: make(map[int]bool),
	}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.balanceExecs++
	if f.failBalanceAt[f.balanceExecs] {
		return pgconn.CommandTag{}, errors.New("value too long for type character varying")
	}
	f.balanceRows = append(f.balanceRows, fakeBalanceRow{
		transactionID: args[0].(int64),
		account:       args[1].(string),
		mint:          args[2].(*string),
		pre:           args[3].(int64),
		post:          args[4].(int64),
		delta:         args[5].(int64),
	})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertTxnError != nil {
		return fakeRow{err: f.insertTxnError}
	}
	sig := args[0].(string)
	if _, exists := f.bySignature[sig]; exists {
		return fakeRow{err: pgx.ErrNoRows}
	}
	f.nextID++
	f.bySignature[sig] = f.nextID
	return fakeRow{id: f.nextID}
}

func (f *fakeDB) rowsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.balanceRows {
		if r.transactionID == id {
			n++
		}
	}
	return n
}

type fakeRow struct {
	id  int64
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.id
	return nil
}

func sig1Transaction() *solana.Transaction {
	return &solana.Transaction{
		Signature: "SIG1",
		Slot:      123456,
		Fee:       10,
		FeePayer:  "A",
		Success:   true,
		BalanceChanges: []solana.BalanceChange{
			{AccountAddress: "A", PreBalance: 100, PostBalance: 90},
			{AccountAddress: "B", PreBalance: 100, PostBalance: 110},
		},
	}
}

func TestInsertTransaction_Idempotent(t *testing.T) {
	fake := newFakeDB()
	g := NewGateway(fake, nil, discardLogger())
	ctx := context.Background()

	id, inserted, err := g.InsertTransaction(ctx, sig1Transaction())
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(1), id)

	id, inserted, err = g.InsertTransaction(ctx, sig1Transaction())
	require.NoError(t, err, "duplicates are not errors")
	assert.False(t, inserted)
	assert.Zero(t, id)
}

func TestInsertTransaction_Failure(t *testing.T) {
	t.Run("generic error propagates as storage error", func(t *testing.T) {
		fake := newFakeDB()
		fake.insertTxnError = errors.New("connection reset by peer")
		g := NewGateway(fake, nil, discardLogger())

		_, inserted, err := g.InsertTransaction(context.Background(), sig1Transaction())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStorage)
		assert.False(t, inserted)
	})

	t.Run("unique violation is a duplicate", func(t *testing.T) {
		fake := newFakeDB()
		fake.insertTxnError = &pgconn.PgError{Code: "23505"}
		g := NewGateway(fake, nil, discardLogger())

		_, inserted, err := g.InsertTransaction(context.Background(), sig1Transaction())
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("driver error stays inspectable", func(t *testing.T) {
		fake := newFakeDB()
		fake.insertTxnError = &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"}
		g := NewGateway(fake, nil, discardLogger())

		_, _, err := g.InsertTransaction(context.Background(), sig1Transaction())
		require.ErrorIs(t, err, ErrStorage)

		var pgErr *pgconn.PgError
		require.ErrorAs(t, err, &pgErr)
		assert.Equal(t, "57014", pgErr.Code)
	})
}

func TestInsertComplete_Redelivery(t *testing.T) {
	fake := newFakeDB()
	g := NewGateway(fake, nil, discardLogger())
	ctx := context.Background()

	first, err := g.InsertComplete(ctx, sig1Transaction())
	require.NoError(t, err)
	assert.True(t, first.Inserted)
	assert.Equal(t, 2, first.BalanceChangesWritten)
	assert.Zero(t, first.BalanceChangesFailed)

	second, err := g.InsertComplete(ctx, sig1Transaction())
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Zero(t, second.BalanceChangesWritten)

	assert.Len(t, fake.bySignature, 1)
	assert.Equal(t, 2, fake.rowsFor(first.TransactionID), "redelivery adds no balance rows")
}

func TestInsertComplete_StoresDerivedDelta(t *testing.T) {
	fake := newFakeDB()
	g := NewGateway(fake, nil, discardLogger())

	_, err := g.InsertComplete(context.Background(), sig1Transaction())
	require.NoError(t, err)

	require.Len(t, fake.balanceRows, 2)
	assert.Equal(t, int64(-10), fake.balanceRows[0].delta)
	assert.Equal(t, int64(10), fake.balanceRows[1].delta)
	assert.Nil(t, fake.balanceRows[0].mint)
}

func TestInsertComplete_BalanceRowPartialFailure(t *testing.T) {
	fake := newFakeDB()
	fake.failBalanceAt[2] = true

	txn := sig1Transaction()
	txn.BalanceChanges = append(txn.BalanceChanges, solana.BalanceChange{
		AccountAddress: "C",
		MintAddress:    ptr("MintX"),
		PreBalance:     0,
		PostBalance:    5,
	})

	reg := prometheus.NewRegistry()
	g := NewGateway(fake, metrics.NewMetrics(reg), discardLogger())

	result, err := g.InsertComplete(context.Background(), txn)
	require.NoError(t, err, "balance row failures are not fatal")
	assert.True(t, result.Inserted)
	assert.Equal(t, 2, result.BalanceChangesWritten)
	assert.Equal(t, 1, result.BalanceChangesFailed)
	assert.Contains(t, fake.bySignature, "SIG1", "transaction row stays inserted")

	accounts := []string{}
	for _, r := range fake.balanceRows {
		accounts = append(accounts, r.account)
	}
	assert.Equal(t, []string{"A", "C"}, accounts)

	assert.Equal(t, float64(1), counterValue(t, reg, "solana_tracker_database_operations_total",
		map[string]string{"operation": "insert_balance_change", "status": "error"}))
}

func TestInsertComplete_TransactionFailureSkipsBalances(t *testing.T) {
	fake := newFakeDB()
	fake.insertTxnError = errors.New("disk full")
	g := NewGateway(fake, nil, discardLogger())

	_, err := g.InsertComplete(context.Background(), sig1Transaction())
	assert.ErrorIs(t, err, ErrStorage)
	assert.Zero(t, fake.balanceExecs)
}

func TestGateway_ConcurrentDuplicates(t *testing.T) {
	fake := newFakeDB()
	g := NewGateway(fake, nil, discardLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	insertedCount := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.InsertComplete(context.Background(), sig1Transaction())
			if err == nil && res.Inserted {
				mu.Lock()
				insertedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, insertedCount)
	assert.Len(t, fake.balanceRows, 2)
}

// counterValue reads one labelled counter series from the registry.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
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
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("series %s %v not found", name, want)
	return 0
}
