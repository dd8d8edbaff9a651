package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itchyny/gojq"
	"github.com/mr-tron/base58"
)

const (
	// DefaultSignatureQuery extracts the signature from a transactionNotification.
	DefaultSignatureQuery = ".params.result.signature"

	// DefaultSlotQuery extracts the slot from a transactionNotification.
	DefaultSlotQuery = ".params.result.slot"

	failedQuery = "try (.params.result.transaction.meta.err != null) catch false"

	subscribeRequestID = 1
	signatureLength    = 64
)

// PushConfig configures the transactionSubscribe stream.
type PushConfig struct {
	Endpoint       string
	Token          string
	Account        string
	IncludeFailed  bool
	SignatureQuery string
	SlotQuery      string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultPushConfig returns the push settings used when only endpoint and
// account are known.
func DefaultPushConfig() PushConfig {
	return PushConfig{
		IncludeFailed:  true,
		SignatureQuery: DefaultSignatureQuery,
		SlotQuery:      DefaultSlotQuery,
		ReadTimeout:    90 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// CompileQuery parses and compiles a jq expression.
func CompileQuery(src string) (*gojq.Code, error) {
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse query %q: %w", src, err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compile query %q: %w", src, err)
	}
	return code, nil
}

// PushConnector opens transactionSubscribe streams filtered to the account.
// Providers differ in how they shape notifications, so the signature and slot
// are pulled out with configurable jq expressions.
type PushConnector struct {
	cfg       PushConfig
	sigQuery  *gojq.Code
	slotQuery *gojq.Code
	failQuery *gojq.Code
	dialer    *websocket.Dialer
	logger    *slog.Logger
}

// NewPushConnector validates cfg and compiles its queries.
func NewPushConnector(cfg PushConfig, logger *slog.Logger) (*PushConnector, error) {
	defaults := DefaultPushConfig()
	if cfg.SignatureQuery == "" {
		cfg.SignatureQuery = defaults.SignatureQuery
	}
	if cfg.SlotQuery == "" {
		cfg.SlotQuery = defaults.SlotQuery
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	sigQuery, err := CompileQuery(cfg.SignatureQuery)
	if err != nil {
		return nil, err
	}
	slotQuery, err := CompileQuery(cfg.SlotQuery)
	if err != nil {
		return nil, err
	}
	failQuery, err := CompileQuery(failedQuery)
	if err != nil {
		return nil, err
	}

	return &PushConnector{
		cfg:       cfg,
		sigQuery:  sigQuery,
		slotQuery: slotQuery,
		failQuery: failQuery,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:    logger,
	}, nil
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type wsResponse struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *PushConnector) Connect(ctx context.Context) (Subscription, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("x-token", c.cfg.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, c.cfg.Endpoint, err)
	}

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      subscribeRequestID,
		Method:  "transactionSubscribe",
		Params: []any{
			map[string]any{
				"accountInclude": []string{c.cfg.Account},
				"failed":         c.cfg.IncludeFailed,
				"vote":           false,
			},
			map[string]any{
				"commitment":                     "confirmed",
				"encoding":                       "json",
				"transactionDetails":             "signatures",
				"showRewards":                    false,
				"maxSupportedTransactionVersion": 0,
			},
		},
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write subscribe: %v", ErrConnection, err)
	}

	subID, err := c.awaitConfirmation(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c.logger.InfoContext(ctx, "subscribed to account transactions",
		"account", c.cfg.Account,
		"subscription", string(subID),
		"include_failed", c.cfg.IncludeFailed,
	)

	sub := &pushSubscription{
		conn:         conn,
		connector:    c,
		pongs:        make(chan struct{}, 1),
		readTimeout:  c.cfg.ReadTimeout,
		writeTimeout: c.cfg.WriteTimeout,
	}
	conn.SetPongHandler(func(string) error {
		select {
		case sub.pongs <- struct{}{}:
		default:
		}
		return conn.SetReadDeadline(time.Now().Add(sub.readTimeout))
	})
	return sub, nil
}

// awaitConfirmation reads until the subscribe response arrives.
func (c *PushConnector) awaitConfirmation(conn *websocket.Conn) (json.RawMessage, error) {
	deadline := time.Now().Add(30 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read subscribe response: %w", err)
		}
		var resp wsResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.ID == nil || *resp.ID != subscribeRequestID {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("subscribe rejected: code=%d msg=%s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

// decode turns one notification into an Event.
func (c *PushConnector) decode(msg []byte) (Event, error) {
	var payload any
	if err := json.Unmarshal(msg, &payload); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	obj, _ := payload.(map[string]any)
	method, _ := obj["method"].(string)

	switch method {
	case "transactionNotification":
		ev := Event{Kind: EventTransaction}
		if sig, ok := firstResult(c.sigQuery, payload).(string); ok && validSignature(sig) {
			ev.Signature = sig
		}
		ev.Slot = toSlot(firstResult(c.slotQuery, payload))
		ev.Failed, _ = firstResult(c.failQuery, payload).(bool)
		return ev, nil
	case "slotNotification":
		var slot any
		if params, ok := obj["params"].(map[string]any); ok {
			if result, ok := params["result"].(map[string]any); ok {
				slot = result["slot"]
			}
		}
		return Event{Kind: EventSlot, Slot: toSlot(slot)}, nil
	default:
		return Event{Kind: EventOther}, nil
	}
}

// firstResult runs code against v and returns its first output, or nil.
func firstResult(code *gojq.Code, v any) any {
	iter := code.Run(v)
	out, ok := iter.Next()
	if !ok {
		return nil
	}
	if _, isErr := out.(error); isErr {
		return nil
	}
	return out
}

func toSlot(v any) uint64 {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return uint64(n)
		}
	case int:
		if n > 0 {
			return uint64(n)
		}
	}
	return 0
}

func validSignature(sig string) bool {
	raw, err := base58.Decode(sig)
	return err == nil && len(raw) == signatureLength
}

type pushSubscription struct {
	conn         *websocket.Conn
	connector    *PushConnector
	pongs        chan struct{}
	readTimeout  time.Duration
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
}

func (s *pushSubscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-s.pongs:
		return Event{Kind: EventPong}, nil
	default:
	}

	s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Event{}, io.EOF
		}
		if s.closed.Load() {
			return Event{}, io.EOF
		}
		return Event{}, err
	}

	ev, err := s.connector.decode(msg)
	if err != nil {
		// A single garbled frame is not a reason to drop the connection.
		s.connector.logger.WarnContext(ctx, "ignoring undecodable notification", "error", err)
		return Event{Kind: EventOther}, nil
	}
	return ev, nil
}

func (s *pushSubscription) Ping(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *pushSubscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.writeTimeout))
	s.writeMu.Unlock()

	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
