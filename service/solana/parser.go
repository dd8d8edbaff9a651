package solana

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/brojonat/txtracker/service/metrics"
)

// Parser converts raw getTransaction results into domain Transactions.
type Parser struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewParser creates a new Parser.
// If metrics is nil, no metrics will be recorded.
func NewParser(m *metrics.Metrics, logger *slog.Logger) *Parser {
	return &Parser{
		logger:  logger,
		metrics: m,
	}
}

// Parse builds a Transaction from a raw RPC result.
// It fails with ErrParse when metadata, the signature or the fee payer is
// missing, or when the node answered with a binary encoding.
func (p *Parser) Parse(raw *RawTransaction) (*Transaction, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty transaction result", ErrParse)
	}
	if enc := raw.Transaction.Encoding(); enc != "" {
		return nil, fmt.Errorf("%w: unsupported transaction encoding %q", ErrParse, enc)
	}
	if raw.Meta == nil {
		return nil, fmt.Errorf("%w: transaction metadata missing", ErrParse)
	}
	if len(raw.Transaction.Signatures) == 0 || raw.Transaction.Signatures[0] == "" {
		return nil, fmt.Errorf("%w: transaction has no signature", ErrParse)
	}
	signature := raw.Transaction.Signatures[0]

	keys := raw.Transaction.Message.AccountKeys
	if len(keys) == 0 || keys[0] == "" {
		return nil, fmt.Errorf("%w: transaction %s has no fee payer", ErrParse, signature)
	}

	txn := &Transaction{
		Signature:            signature,
		Slot:                 raw.Slot,
		Fee:                  raw.Meta.Fee,
		FeePayer:             string(keys[0]),
		Success:              raw.Meta.Err == nil,
		ComputeUnitsConsumed: raw.Meta.ComputeUnitsConsumed,
	}
	if raw.BlockTime != nil {
		bt := time.Unix(*raw.BlockTime, 0).UTC()
		txn.BlockTime = &bt
	}

	changes := nativeBalanceChanges(keys, raw.Meta.PreBalances, raw.Meta.PostBalances)
	changes = append(changes, p.tokenBalanceChanges(signature, keys, raw.Meta.PreTokenBalances, raw.Meta.PostTokenBalances)...)
	txn.BalanceChanges = changes

	return txn, nil
}

// nativeBalanceChanges emits one change per index whose lamport balance moved.
// An index past the end of the key list gets a placeholder address.
func nativeBalanceChanges(keys []AccountKey, pre, post []uint64) []BalanceChange {
	n := min(len(pre), len(post))
	changes := make([]BalanceChange, 0, n)
	for i := 0; i < n; i++ {
		if pre[i] == post[i] {
			continue
		}
		changes = append(changes, BalanceChange{
			AccountAddress: accountAt(keys, i),
			PreBalance:     int64(pre[i]),
			PostBalance:    int64(post[i]),
		})
	}
	return changes
}

// tokenBalanceChanges pairs pre and post entries by account index. The address
// recorded is the token account itself, resolved through the key list.
// Accounts opened or closed in this transaction only appear on one side and are ignored.
func (p *Parser) tokenBalanceChanges(signature string, keys []AccountKey, pre, post []RawTokenBalance) []BalanceChange {
	if len(pre) == 0 || len(post) == 0 {
		return nil
	}

	postByIndex := make(map[int]RawTokenBalance, len(post))
	for _, b := range post {
		if _, seen := postByIndex[b.AccountIndex]; !seen {
			postByIndex[b.AccountIndex] = b
		}
	}

	var changes []BalanceChange
	for _, before := range pre {
		after, ok := postByIndex[before.AccountIndex]
		if !ok {
			continue
		}
		preAmount := p.parseAmount(signature, before)
		postAmount := p.parseAmount(signature, after)
		if preAmount == postAmount {
			continue
		}

		mint := before.Mint
		changes = append(changes, BalanceChange{
			AccountAddress: accountAt(keys, before.AccountIndex),
			MintAddress:    &mint,
			PreBalance:     preAmount,
			PostBalance:    postAmount,
		})
	}
	return changes
}

// parseAmount reads a raw token amount. Amounts that do not parse count as zero
// so one odd entry cannot drop the whole transaction; each occurrence is logged.
func (p *Parser) parseAmount(signature string, b RawTokenBalance) int64 {
	amount, err := strconv.ParseInt(b.UITokenAmount.Amount, 10, 64)
	if err == nil {
		return amount
	}
	if p.logger != nil {
		p.logger.WarnContext(context.Background(), "unparsable token amount, treating as zero",
			"signature", signature,
			"account_index", b.AccountIndex,
			"mint", b.Mint,
			"amount", b.UITokenAmount.Amount,
			"error", err,
		)
	}
	p.metrics.RecordTokenAmountDefaulted()
	return 0
}

func accountAt(keys []AccountKey, i int) string {
	if i >= 0 && i < len(keys) && keys[i] != "" {
		return string(keys[i])
	}
	return fmt.Sprintf("unknown_%d", i)
}
