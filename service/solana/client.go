package solana

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txtracker/service/metrics"
	"github.com/gagliardetto/solana-go"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	// GetTransaction returns the json-encoded transaction at confirmed commitment,
	// or nil when the node does not know the signature.
	GetTransaction(ctx context.Context, signature solana.Signature) (*RawTransaction, error)
}

// Fetcher retrieves full transaction details for signatures seen on the stream.
// It performs exactly one RPC call per Fetch; retry policy belongs to the caller.
type Fetcher struct {
	rpc     RPCClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFetcher creates a new Fetcher.
// If metrics is nil, no metrics will be recorded.
func NewFetcher(rpcClient RPCClient, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		rpc:     rpcClient,
		logger:  logger,
		metrics: m,
	}
}

// Fetch returns the raw transaction for a base58 signature.
// A malformed signature fails with ErrParse; any RPC failure, including an
// unknown signature, fails with ErrRPC.
func (f *Fetcher) Fetch(ctx context.Context, signature string) (*RawTransaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature %q: %v", ErrParse, signature, err)
	}

	start := time.Now()
	raw, err := f.rpc.GetTransaction(ctx, sig)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case raw == nil:
		status = "not_found"
	}
	f.metrics.RecordRPCCall("getTransaction", status, duration)

	if err != nil {
		f.logger.WarnContext(ctx, "getTransaction failed",
			"signature", signature,
			"error", err,
		)
		return nil, fmt.Errorf("%w: getTransaction %s: %v", ErrRPC, signature, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: transaction %s not found", ErrRPC, signature)
	}

	f.logger.DebugContext(ctx, "fetched transaction",
		"signature", signature,
		"slot", raw.Slot,
		"duration_seconds", duration,
	)
	return raw, nil
}
