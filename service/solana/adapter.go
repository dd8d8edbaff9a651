package solana

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// MaxSupportedTransactionVersion is the highest transaction version we ask the node to return.
const MaxSupportedTransactionVersion = 0

// realRPCClient adapts the actual solana-go RPC client to our RPCClient interface.
// This adapter allows us to control the interface and makes testing easier.
type realRPCClient struct {
	client *rpc.Client
}

// NewRPCClient creates a new RPCClient that wraps the solana-go RPC client.
// When token is non-empty it is sent as an x-token header, but only to hosts
// whose name ends with one of authHosts. Providers that take a key in the URL
// (Helius, QuickNode, Alchemy) need no token at all.
func NewRPCClient(rpcURL, token string, authHosts []string) RPCClient {
	if token != "" && hostMatches(rpcURL, authHosts) {
		return &realRPCClient{
			client: rpc.NewWithHeaders(rpcURL, map[string]string{"x-token": token}),
		}
	}
	return &realRPCClient{
		client: rpc.New(rpcURL),
	}
}

func (r *realRPCClient) GetTransaction(ctx context.Context, signature solana.Signature) (*RawTransaction, error) {
	params := []any{
		signature.String(),
		map[string]any{
			"encoding":                       "json",
			"commitment":                     rpc.CommitmentConfirmed,
			"maxSupportedTransactionVersion": MaxSupportedTransactionVersion,
		},
	}

	var out *RawTransaction
	if err := r.client.RPCCallForInto(ctx, &out, "getTransaction", params); err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func hostMatches(rawURL string, hosts []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
			return true
		}
	}
	return false
}
