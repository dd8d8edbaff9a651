package solana

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/txtracker/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sig1JSON is a getTransaction result: accounts A and B, fee 10, A pays B 10 lamports.
const sig1JSON = `{
	"slot": 123456,
	"blockTime": 1700000000,
	"meta": {
		"err": null,
		"fee": 10,
		"preBalances": [100, 100],
		"postBalances": [90, 110],
		"preTokenBalances": [],
		"postTokenBalances": [],
		"computeUnitsConsumed": 150
	},
	"transaction": {
		"signatures": ["SIG1"],
		"message": {"accountKeys": ["A", "B"]}
	}
}`

func decodeRaw(t *testing.T, data string) *RawTransaction {
	t.Helper()
	var raw RawTransaction
	require.NoError(t, json.Unmarshal([]byte(data), &raw))
	return &raw
}

func newTestParser() *Parser {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewParser(nil, logger)
}

func TestParse_NativeTransfer(t *testing.T) {
	txn, err := newTestParser().Parse(decodeRaw(t, sig1JSON))
	require.NoError(t, err)

	assert.Equal(t, "SIG1", txn.Signature)
	assert.Equal(t, uint64(123456), txn.Slot)
	assert.Equal(t, uint64(10), txn.Fee)
	assert.Equal(t, "A", txn.FeePayer)
	assert.True(t, txn.Success)
	require.NotNil(t, txn.ComputeUnitsConsumed)
	assert.Equal(t, uint64(150), *txn.ComputeUnitsConsumed)
	require.NotNil(t, txn.BlockTime)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *txn.BlockTime)
	assert.Equal(t, time.UTC, txn.BlockTime.Location())

	require.Len(t, txn.BalanceChanges, 2)
	assert.Equal(t, BalanceChange{AccountAddress: "A", PreBalance: 100, PostBalance: 90}, txn.BalanceChanges[0])
	assert.Equal(t, int64(-10), txn.BalanceChanges[0].Delta())
	assert.Equal(t, BalanceChange{AccountAddress: "B", PreBalance: 100, PostBalance: 110}, txn.BalanceChanges[1])
	assert.Equal(t, int64(10), txn.BalanceChanges[1].Delta())
}

func TestParse_OptionalFields(t *testing.T) {
	t.Run("missing block time stays unknown", func(t *testing.T) {
		raw := decodeRaw(t, sig1JSON)
		raw.BlockTime = nil

		txn, err := newTestParser().Parse(raw)
		require.NoError(t, err)
		assert.Nil(t, txn.BlockTime)
	})

	t.Run("missing compute units stays unknown", func(t *testing.T) {
		raw := decodeRaw(t, sig1JSON)
		raw.Meta.ComputeUnitsConsumed = nil

		txn, err := newTestParser().Parse(raw)
		require.NoError(t, err)
		assert.Nil(t, txn.ComputeUnitsConsumed)
	})

	t.Run("execution error marks failure", func(t *testing.T) {
		raw := decodeRaw(t, `{
			"slot": 1,
			"meta": {"err": {"InstructionError": [0, "Custom"]}, "fee": 5000, "preBalances": [10000], "postBalances": [5000]},
			"transaction": {"signatures": ["SIG2"], "message": {"accountKeys": ["A"]}}
		}`)

		txn, err := newTestParser().Parse(raw)
		require.NoError(t, err)
		assert.False(t, txn.Success)
		require.Len(t, txn.BalanceChanges, 1)
		assert.Equal(t, int64(-5000), txn.BalanceChanges[0].Delta())
	})
}

func TestParse_AccountKeyForms(t *testing.T) {
	raw := decodeRaw(t, `{
		"slot": 7,
		"meta": {"err": null, "fee": 5000, "preBalances": [20000, 0], "postBalances": [15000, 0]},
		"transaction": {
			"signatures": ["SIG3"],
			"message": {"accountKeys": [
				{"pubkey": "Payer", "signer": true, "writable": true},
				{"pubkey": "Other", "signer": false, "writable": false}
			]}
		}
	}`)

	txn, err := newTestParser().Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Payer", txn.FeePayer)
	require.Len(t, txn.BalanceChanges, 1, "zero-delta accounts are never emitted")
	assert.Equal(t, "Payer", txn.BalanceChanges[0].AccountAddress)
}

func TestParse_ShortKeyList(t *testing.T) {
	raw := decodeRaw(t, `{
		"slot": 8,
		"meta": {"err": null, "fee": 0, "preBalances": [5, 5, 1], "postBalances": [5, 6, 3]},
		"transaction": {"signatures": ["SIG4"], "message": {"accountKeys": ["A", "B"]}}
	}`)

	txn, err := newTestParser().Parse(raw)
	require.NoError(t, err)
	require.Len(t, txn.BalanceChanges, 2)
	assert.Equal(t, "B", txn.BalanceChanges[0].AccountAddress)
	assert.Equal(t, "unknown_2", txn.BalanceChanges[1].AccountAddress)
	assert.Equal(t, int64(2), txn.BalanceChanges[1].Delta())
}

func TestParse_TokenBalances(t *testing.T) {
	raw := decodeRaw(t, `{
		"slot": 9,
		"meta": {
			"err": null,
			"fee": 5000,
			"preBalances": [1000000, 2039280, 2039280, 1],
			"postBalances": [995000, 2039280, 2039280, 1],
			"preTokenBalances": [
				{"accountIndex": 1, "mint": "MintX", "owner": "A", "uiTokenAmount": {"amount": "500", "decimals": 6}},
				{"accountIndex": 2, "mint": "MintX", "owner": "B", "uiTokenAmount": {"amount": "0", "decimals": 6}},
				{"accountIndex": 3, "mint": "MintY", "owner": "C", "uiTokenAmount": {"amount": "42", "decimals": 0}}
			],
			"postTokenBalances": [
				{"accountIndex": 1, "mint": "MintX", "owner": "A", "uiTokenAmount": {"amount": "200", "decimals": 6}},
				{"accountIndex": 2, "mint": "MintX", "owner": "B", "uiTokenAmount": {"amount": "300", "decimals": 6}},
				{"accountIndex": 3, "mint": "MintY", "owner": "C", "uiTokenAmount": {"amount": "42", "decimals": 0}}
			]
		},
		"transaction": {"signatures": ["SIG5"], "message": {"accountKeys": ["A", "TokA", "TokB", "TokC"]}}
	}`)

	txn, err := newTestParser().Parse(raw)
	require.NoError(t, err)
	require.Len(t, txn.BalanceChanges, 3)

	native := txn.BalanceChanges[0]
	assert.True(t, native.IsNative())
	assert.Equal(t, "A", native.AccountAddress)
	assert.Equal(t, int64(-5000), native.Delta())

	tokA := txn.BalanceChanges[1]
	require.NotNil(t, tokA.MintAddress)
	assert.Equal(t, "MintX", *tokA.MintAddress)
	assert.Equal(t, "TokA", tokA.AccountAddress)
	assert.Equal(t, int64(-300), tokA.Delta())

	tokB := txn.BalanceChanges[2]
	require.NotNil(t, tokB.MintAddress)
	assert.Equal(t, "TokB", tokB.AccountAddress)
	assert.Equal(t, int64(300), tokB.Delta())

	for _, c := range txn.BalanceChanges {
		assert.Equal(t, c.PostBalance-c.PreBalance, c.Delta())
		assert.NotZero(t, c.Delta())
	}
}

func TestParse_TokenEntriesOnOneSideIgnored(t *testing.T) {
	raw := decodeRaw(t, `{
		"slot": 10,
		"meta": {
			"err": null,
			"fee": 0,
			"preBalances": [1, 1, 1],
			"postBalances": [1, 1, 1],
			"preTokenBalances": [
				{"accountIndex": 1, "mint": "MintX", "uiTokenAmount": {"amount": "10", "decimals": 0}}
			],
			"postTokenBalances": [
				{"accountIndex": 2, "mint": "MintX", "uiTokenAmount": {"amount": "10", "decimals": 0}}
			]
		},
		"transaction": {"signatures": ["SIG6"], "message": {"accountKeys": ["A", "Closed", "Opened"]}}
	}`)

	txn, err := newTestParser().Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, txn.BalanceChanges)
}

func TestParse_UnparsableTokenAmount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	parser := NewParser(m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	raw := decodeRaw(t, `{
		"slot": 11,
		"meta": {
			"err": null,
			"fee": 0,
			"preBalances": [1, 1],
			"postBalances": [1, 1],
			"preTokenBalances": [
				{"accountIndex": 1, "mint": "MintX", "uiTokenAmount": {"amount": "not-a-number", "decimals": 0}}
			],
			"postTokenBalances": [
				{"accountIndex": 1, "mint": "MintX", "uiTokenAmount": {"amount": "25", "decimals": 0}}
			]
		},
		"transaction": {"signatures": ["SIG7"], "message": {"accountKeys": ["A", "Tok"]}}
	}`)

	txn, err := parser.Parse(raw)
	require.NoError(t, err, "bad amounts must not fail the transaction")
	require.Len(t, txn.BalanceChanges, 1)
	assert.Equal(t, int64(0), txn.BalanceChanges[0].PreBalance)
	assert.Equal(t, int64(25), txn.BalanceChanges[0].PostBalance)

	count, err := testutil.GatherAndCount(reg, "solana_tracker_token_amount_parse_defaults_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestParse_Failures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "missing metadata",
			raw:  `{"slot": 1, "transaction": {"signatures": ["S"], "message": {"accountKeys": ["A"]}}}`,
		},
		{
			name: "missing signature",
			raw:  `{"slot": 1, "meta": {"err": null}, "transaction": {"signatures": [], "message": {"accountKeys": ["A"]}}}`,
		},
		{
			name: "missing fee payer",
			raw:  `{"slot": 1, "meta": {"err": null}, "transaction": {"signatures": ["S"], "message": {"accountKeys": []}}}`,
		},
		{
			name: "missing transaction",
			raw:  `{"slot": 1, "meta": {"err": null}}`,
		},
		{
			name: "binary encoding",
			raw:  `{"slot": 1, "meta": {"err": null}, "transaction": ["AQID", "base64"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn, err := newTestParser().Parse(decodeRaw(t, tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParse)
			assert.Nil(t, txn)
		})
	}

	t.Run("nil input", func(t *testing.T) {
		_, err := newTestParser().Parse(nil)
		assert.ErrorIs(t, err, ErrParse)
	})
}

func TestRawEnvelope_Encoding(t *testing.T) {
	raw := decodeRaw(t, `{"slot": 1, "transaction": ["AQID", "base64"]}`)
	assert.Equal(t, "base64", raw.Transaction.Encoding())

	raw = decodeRaw(t, sig1JSON)
	assert.Empty(t, raw.Transaction.Encoding())
}
