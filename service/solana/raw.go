package solana

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RawTransaction mirrors the getTransaction result for encoding "json".
// Only the fields the parser reads are declared.
type RawTransaction struct {
	Slot        uint64      `json:"slot"`
	BlockTime   *int64      `json:"blockTime"`
	Meta        *RawMeta    `json:"meta"`
	Transaction RawEnvelope `json:"transaction"`
}

// RawEnvelope is the "transaction" member of the result. Nodes answer with an
// object for the json encodings and with a ["<data>", "<encoding>"] pair for
// the binary ones; the pair is kept in Encoded so the parser can reject it.
type RawEnvelope struct {
	Signatures []string   `json:"signatures"`
	Message    RawMessage `json:"message"`
	Encoded    []string   `json:"-"`
}

func (e *RawEnvelope) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		var encoded []string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return fmt.Errorf("decode encoded transaction: %w", err)
		}
		if len(encoded) == 0 {
			encoded = []string{""}
		}
		e.Encoded = encoded
		return nil
	}

	type envelope RawEnvelope
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return err
	}
	*e = RawEnvelope(env)
	return nil
}

// Encoding returns the binary encoding name when the node did not send the json form.
func (e RawEnvelope) Encoding() string {
	if len(e.Encoded) == 0 {
		return ""
	}
	if len(e.Encoded) > 1 && e.Encoded[1] != "" {
		return e.Encoded[1]
	}
	return "base58"
}

type RawMessage struct {
	AccountKeys []AccountKey `json:"accountKeys"`
}

// AccountKey accepts both the address-only form ("<base58>") and the
// jsonParsed form ({"pubkey": "<base58>", "signer": true, ...}).
type AccountKey string

func (k *AccountKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*k = AccountKey(s)
		return nil
	}
	var parsed struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("decode account key: %w", err)
	}
	*k = AccountKey(parsed.Pubkey)
	return nil
}

// RawMeta is the execution metadata of a transaction.
type RawMeta struct {
	Err                  any               `json:"err"`
	Fee                  uint64            `json:"fee"`
	PreBalances          []uint64          `json:"preBalances"`
	PostBalances         []uint64          `json:"postBalances"`
	PreTokenBalances     []RawTokenBalance `json:"preTokenBalances"`
	PostTokenBalances    []RawTokenBalance `json:"postTokenBalances"`
	ComputeUnitsConsumed *uint64           `json:"computeUnitsConsumed"`
}

type RawTokenBalance struct {
	AccountIndex  int            `json:"accountIndex"`
	Mint          string         `json:"mint"`
	UITokenAmount RawTokenAmount `json:"uiTokenAmount"`
}

// RawTokenAmount carries the raw integer amount as a decimal string.
type RawTokenAmount struct {
	Amount string `json:"amount"`
}
