package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/txtracker/service/metrics"
	"github.com/brojonat/txtracker/service/solana"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrStorage wraps any failed write.
var ErrStorage = errors.New("storage error")

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertTransactionSQL = `
	INSERT INTO transactions (signature, slot, block_time, fee, fee_payer, success, compute_units_consumed)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (signature) DO NOTHING
	RETURNING id`

const insertBalanceChangeSQL = `
	INSERT INTO account_balance_changes (transaction_id, account_address, mint_address, pre_balance, post_balance, balance_delta)
	VALUES ($1, $2, $3, $4, $5, $6)`

// Gateway persists parsed transactions. Writes are append-only and keyed by
// signature, so redelivered transactions never produce duplicate rows.
type Gateway struct {
	mu      sync.Mutex // serializes use of db
	db      DBTX
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGateway creates a Gateway over an already established database handle.
// If metrics is nil, no metrics will be recorded.
func NewGateway(db DBTX, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	return &Gateway{
		db:      db,
		metrics: m,
		logger:  logger,
	}
}

// InsertResult describes what InsertComplete wrote.
type InsertResult struct {
	TransactionID         int64
	Inserted              bool // false when the signature was already stored
	BalanceChangesWritten int
	BalanceChangesFailed  int
}

// InsertTransaction writes the transaction row. It returns inserted=false and
// no error when the signature already exists.
func (g *Gateway) InsertTransaction(ctx context.Context, txn *solana.Transaction) (int64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertTransaction(ctx, txn)
}

func (g *Gateway) insertTransaction(ctx context.Context, txn *solana.Transaction) (int64, bool, error) {
	start := time.Now()
	var id int64
	err := g.db.QueryRow(ctx, insertTransactionSQL,
		txn.Signature,
		int64(txn.Slot),
		txn.BlockTime,
		int64(txn.Fee),
		txn.FeePayer,
		txn.Success,
		toNullInt64(txn.ComputeUnitsConsumed),
	).Scan(&id)

	switch {
	case errors.Is(err, pgx.ErrNoRows), isDuplicateKeyError(err):
		g.metrics.RecordDBQuery("insert_transaction", time.Since(start).Seconds(), nil)
		g.logger.DebugContext(ctx, "transaction already stored",
			"signature", txn.Signature,
		)
		return 0, false, nil
	case err != nil:
		g.metrics.RecordDBQuery("insert_transaction", time.Since(start).Seconds(), err)
		return 0, false, fmt.Errorf("%w: insert transaction %s: %w", ErrStorage, txn.Signature, err)
	}

	g.metrics.RecordDBQuery("insert_transaction", time.Since(start).Seconds(), nil)
	return id, true, nil
}

// InsertBalanceChanges writes one row per change linked to transactionID.
// A row that fails is logged and skipped; the rest are still attempted.
// It returns how many rows were written.
func (g *Gateway) InsertBalanceChanges(ctx context.Context, transactionID int64, changes []solana.BalanceChange) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertBalanceChanges(ctx, transactionID, changes)
}

func (g *Gateway) insertBalanceChanges(ctx context.Context, transactionID int64, changes []solana.BalanceChange) int {
	written := 0
	for i, change := range changes {
		start := time.Now()
		_, err := g.db.Exec(ctx, insertBalanceChangeSQL,
			transactionID,
			change.AccountAddress,
			change.MintAddress,
			change.PreBalance,
			change.PostBalance,
			change.Delta(),
		)
		g.metrics.RecordDBQuery("insert_balance_change", time.Since(start).Seconds(), err)
		if err != nil {
			g.logger.WarnContext(ctx, "failed to insert balance change",
				"transaction_id", transactionID,
				"index", i,
				"account", change.AccountAddress,
				"error", err,
			)
			continue
		}
		written++
	}
	return written
}

// InsertComplete writes the transaction and, only if it was newly inserted,
// its balance changes. Balance row failures are not returned as errors.
func (g *Gateway) InsertComplete(ctx context.Context, txn *solana.Transaction) (InsertResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, inserted, err := g.insertTransaction(ctx, txn)
	if err != nil {
		return InsertResult{}, err
	}
	if !inserted {
		return InsertResult{}, nil
	}

	written := g.insertBalanceChanges(ctx, id, txn.BalanceChanges)
	return InsertResult{
		TransactionID:         id,
		Inserted:              true,
		BalanceChangesWritten: written,
		BalanceChangesFailed:  len(txn.BalanceChanges) - written,
	}, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func toNullInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}
