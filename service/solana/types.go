package solana

import (
	"time"
)

// Transaction represents a parsed Solana transaction touching the monitored account.
// This is our domain model, independent of the RPC response format.
// It is built once by the Parser and never mutated afterwards.
type Transaction struct {
	Signature            string
	Slot                 uint64
	BlockTime            *time.Time // nil when the node has not reported a block time yet
	Fee                  uint64
	FeePayer             string
	Success              bool
	ComputeUnitsConsumed *uint64
	BalanceChanges       []BalanceChange
}

// BalanceChange is a single account balance movement inside a transaction.
// MintAddress is nil for native SOL (lamports) and set for SPL token balances.
type BalanceChange struct {
	AccountAddress string
	MintAddress    *string
	PreBalance     int64
	PostBalance    int64
}

// Delta is always derived from the pre and post balances.
func (b BalanceChange) Delta() int64 {
	return b.PostBalance - b.PreBalance
}

// IsNative reports whether the change is denominated in lamports.
func (b BalanceChange) IsNative() bool {
	return b.MintAddress == nil
}
