package nats

import (
	"time"

	"github.com/brojonat/txtracker/service/solana"
)

// TransactionEvent is published for every newly stored transaction.
// This is published to the subject "txns.{account_address}" in JetStream.
type TransactionEvent struct {
	// Transaction identifiers
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`

	// Monitored account the transaction was observed for
	AccountAddress string `json:"account_address"`

	// Transaction details
	Fee                  uint64               `json:"fee"`
	FeePayer             string               `json:"fee_payer"`
	Success              bool                 `json:"success"`
	ComputeUnitsConsumed *uint64              `json:"compute_units_consumed,omitempty"`
	BalanceChanges       []BalanceChangeEvent `json:"balance_changes"`

	// Timing information
	BlockTime *time.Time `json:"block_time,omitempty"`

	// Metadata
	PublishedAt time.Time `json:"published_at"`
}

// BalanceChangeEvent is the wire form of solana.BalanceChange.
type BalanceChangeEvent struct {
	AccountAddress string  `json:"account_address"`
	MintAddress    *string `json:"mint_address,omitempty"`
	PreBalance     int64   `json:"pre_balance"`
	PostBalance    int64   `json:"post_balance"`
	Delta          int64   `json:"delta"`
}

// NewTransactionEvent converts a parsed transaction to a TransactionEvent for publishing.
func NewTransactionEvent(account string, txn *solana.Transaction) *TransactionEvent {
	event := &TransactionEvent{
		Signature:            txn.Signature,
		Slot:                 txn.Slot,
		AccountAddress:       account,
		Fee:                  txn.Fee,
		FeePayer:             txn.FeePayer,
		Success:              txn.Success,
		ComputeUnitsConsumed: txn.ComputeUnitsConsumed,
		BlockTime:            txn.BlockTime,
		BalanceChanges:       make([]BalanceChangeEvent, 0, len(txn.BalanceChanges)),
		PublishedAt:          time.Now().UTC(),
	}

	for _, c := range txn.BalanceChanges {
		event.BalanceChanges = append(event.BalanceChanges, BalanceChangeEvent{
			AccountAddress: c.AccountAddress,
			MintAddress:    c.MintAddress,
			PreBalance:     c.PreBalance,
			PostBalance:    c.PostBalance,
			Delta:          c.Delta(),
		})
	}

	return event
}
