package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/txtracker/service/db"
	"github.com/brojonat/txtracker/service/metrics"
	"github.com/brojonat/txtracker/service/solana"
)

// Fetcher retrieves the raw transaction for a signature.
type Fetcher interface {
	Fetch(ctx context.Context, signature string) (*solana.RawTransaction, error)
}

// Parser turns a raw transaction into the domain model.
type Parser interface {
	Parse(raw *solana.RawTransaction) (*solana.Transaction, error)
}

// Store persists parsed transactions idempotently.
type Store interface {
	InsertComplete(ctx context.Context, txn *solana.Transaction) (db.InsertResult, error)
}

// Publisher announces newly stored transactions. It is optional.
type Publisher interface {
	PublishTransaction(ctx context.Context, txn *solana.Transaction) error
}

const (
	// DefaultKeepaliveInterval is how often the session pings the upstream.
	DefaultKeepaliveInterval = 30 * time.Second

	// DefaultProgressEvery is how many processed transactions pass between progress logs.
	DefaultProgressEvery = 10
)

// SessionConfig controls per-event behavior.
type SessionConfig struct {
	IncludeFailed     bool
	KeepaliveInterval time.Duration
	ProgressEvery     int
}

// Session consumes one subscription at a time. Transaction events are
// processed one by one in arrival order: fetch, parse, persist, publish.
// A failure on one transaction is logged and counted, never fatal.
type Session struct {
	fetcher   Fetcher
	parser    Parser
	store     Store
	publisher Publisher
	cfg       SessionConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	processed int
}

// NewSession creates a Session. publisher and metrics may be nil.
func NewSession(
	fetcher Fetcher,
	parser Parser,
	store Store,
	publisher Publisher,
	cfg SessionConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Session {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	return &Session{
		fetcher:   fetcher,
		parser:    parser,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

type readResult struct {
	event Event
	err   error
}

// Run consumes sub until it ends. It returns nil when the upstream closed the
// stream cleanly, an error wrapping ErrStream when reading or the keepalive
// failed, and ctx.Err() on cancellation. The caller owns sub and closes it.
func (s *Session) Run(ctx context.Context, sub Subscription) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan readResult)
	go func() {
		for {
			ev, err := sub.Next(ctx)
			select {
			case events <- readResult{event: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-keepalive.C:
			if err := sub.Ping(ctx); err != nil {
				return fmt.Errorf("%w: keepalive: %w", ErrStream, err)
			}
			s.logger.DebugContext(ctx, "sent keepalive ping")

		case r := <-events:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					s.logger.InfoContext(ctx, "stream ended by upstream")
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %w", ErrStream, r.err)
			}
			s.handleEvent(ctx, r.event)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev Event) {
	s.metrics.RecordStreamEvent(ev.Kind.String())

	if ev.Kind != EventTransaction {
		s.logger.DebugContext(ctx, "ignoring stream event",
			"kind", ev.Kind.String(),
			"slot", ev.Slot,
		)
		return
	}

	if ev.Signature == "" {
		s.logger.WarnContext(ctx, "transaction event without signature, skipping",
			"slot", ev.Slot,
		)
		s.metrics.RecordTransactionSkipped("missing_signature")
		return
	}

	if ev.Failed && !s.cfg.IncludeFailed {
		s.logger.DebugContext(ctx, "skipping failed transaction",
			"signature", ev.Signature,
			"slot", ev.Slot,
		)
		s.metrics.RecordTransactionSkipped("failed_on_chain")
		return
	}

	s.processTransaction(ctx, ev)
}

func (s *Session) processTransaction(ctx context.Context, ev Event) {
	start := s.now()

	txn, result, stage, err := s.ingest(ctx, ev.Signature)
	duration := s.now().Sub(start)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to process transaction",
			"signature", ev.Signature,
			"slot", ev.Slot,
			"stage", stage,
			"error", err,
		)
		s.metrics.RecordTransactionFailed(stage, duration)
		return
	}
	if txn == nil {
		return
	}

	s.metrics.RecordTransactionProcessed(duration, result.BalanceChangesWritten, s.now())
	s.processed++

	if result.Inserted {
		s.logger.DebugContext(ctx, "stored transaction",
			"signature", txn.Signature,
			"slot", txn.Slot,
			"success", txn.Success,
			"balance_changes", result.BalanceChangesWritten,
			"balance_changes_failed", result.BalanceChangesFailed,
		)
		s.publish(ctx, txn)
	} else {
		s.logger.DebugContext(ctx, "transaction already stored",
			"signature", txn.Signature,
		)
	}

	if s.processed%s.cfg.ProgressEvery == 0 {
		s.logger.InfoContext(ctx, "processing progress",
			"processed", s.processed,
			"last_signature", txn.Signature,
			"last_slot", txn.Slot,
		)
	}
}

// ingest runs fetch, parse and persist. stage names the step that failed.
// It returns a nil transaction when the fetched transaction was filtered out.
func (s *Session) ingest(ctx context.Context, signature string) (*solana.Transaction, db.InsertResult, string, error) {
	raw, err := s.fetcher.Fetch(ctx, signature)
	if err != nil {
		return nil, db.InsertResult{}, "fetch", err
	}

	txn, err := s.parser.Parse(raw)
	if err != nil {
		return nil, db.InsertResult{}, "parse", err
	}

	if !txn.Success && !s.cfg.IncludeFailed {
		s.logger.DebugContext(ctx, "skipping failed transaction",
			"signature", signature,
			"slot", txn.Slot,
		)
		s.metrics.RecordTransactionSkipped("failed_on_chain")
		return nil, db.InsertResult{}, "", nil
	}

	result, err := s.store.InsertComplete(ctx, txn)
	if err != nil {
		return nil, db.InsertResult{}, "persist", err
	}
	return txn, result, "", nil
}

func (s *Session) publish(ctx context.Context, txn *solana.Transaction) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishTransaction(ctx, txn); err != nil {
		s.logger.WarnContext(ctx, "failed to publish transaction",
			"signature", txn.Signature,
			"error", err,
		)
	}
}
