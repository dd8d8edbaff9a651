package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// logStream is the part of *ws.LogSubscription the subscription uses.
type logStream interface {
	Recv(ctx context.Context) (*ws.LogResult, error)
	Unsubscribe()
}

// LogsConnector subscribes to logsSubscribe notifications mentioning the
// monitored account. Each notification carries the signature to fetch.
type LogsConnector struct {
	endpoint string
	token    string
	account  solana.PublicKey
	logger   *slog.Logger
}

// NewLogsConnector creates a connector for a websocket RPC endpoint.
// A non-empty token is sent as the x-token header on the handshake.
func NewLogsConnector(endpoint, token string, account solana.PublicKey, logger *slog.Logger) *LogsConnector {
	return &LogsConnector{
		endpoint: endpoint,
		token:    token,
		account:  account,
		logger:   logger,
	}
}

func (c *LogsConnector) Connect(ctx context.Context) (Subscription, error) {
	opts := &ws.Options{
		HandshakeTimeout: 10 * time.Second,
		HttpHeader:       http.Header{},
	}
	if c.token != "" {
		opts.HttpHeader.Set("x-token", c.token)
	}

	client, err := ws.ConnectWithOptions(ctx, c.endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, c.endpoint, err)
	}

	sub, err := client.LogsSubscribeMentions(c.account, rpc.CommitmentConfirmed)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: logsSubscribe: %v", ErrConnection, err)
	}

	c.logger.InfoContext(ctx, "subscribed to account logs",
		"account", c.account.String(),
		"commitment", rpc.CommitmentConfirmed,
	)
	return newLogsSubscription(sub, client.Close), nil
}

type logsSubscription struct {
	stream    logStream
	closeConn func()
	closeOnce sync.Once
}

func newLogsSubscription(stream logStream, closeConn func()) *logsSubscription {
	return &logsSubscription{
		stream:    stream,
		closeConn: closeConn,
	}
}

func (s *logsSubscription) Next(ctx context.Context) (Event, error) {
	res, err := s.stream.Recv(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		return Event{}, err
	}
	if res == nil {
		return Event{}, io.EOF
	}

	ev := Event{
		Kind:   EventTransaction,
		Slot:   res.Context.Slot,
		Failed: res.Value.Err != nil,
	}
	if res.Value.Signature != (solana.Signature{}) {
		ev.Signature = res.Value.Signature.String()
	}
	return ev, nil
}

// Ping is a no-op: the ws client keeps the connection alive itself.
func (s *logsSubscription) Ping(ctx context.Context) error {
	return nil
}

func (s *logsSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.stream.Unsubscribe()
		if s.closeConn != nil {
			s.closeConn()
		}
	})
	return nil
}
