package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txtracker/service/metrics"
	"github.com/brojonat/txtracker/service/solana"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing stored transactions to NATS.
type Publisher interface {
	// PublishTransaction publishes a single transaction event to JetStream.
	// The event is published to the subject "txns.{account_address}".
	PublishTransaction(ctx context.Context, txn *solana.Transaction) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes transaction events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	account string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for transactions.
	StreamName = "TRANSACTIONS"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "txns.*"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// Subject returns the subject events for account are published on.
func Subject(account string) string {
	return fmt.Sprintf("txns.%s", account)
}

// NewPublisher creates a new JetStream publisher for the monitored account.
// It connects to NATS and ensures the stream exists.
func NewPublisher(natsURL, account string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	// Connect to NATS
	nc, err := nats.Connect(natsURL,
		nats.Name("txtracker-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Create JetStream context
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		account: account,
		metrics: m,
		logger:  logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ensureStream(ctx, js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
		"subject", Subject(account),
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func ensureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	if _, err := js.Stream(ctx, StreamName); err == nil {
		logger.Debug("JetStream stream already exists", "stream", StreamName)
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Transactions stored for the monitored Solana account",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// PublishTransaction publishes a single transaction event.
// The signature doubles as the JetStream message ID, so redeliveries inside
// the duplicate window are dropped by the server.
func (p *JetStreamPublisher) PublishTransaction(ctx context.Context, txn *solana.Transaction) error {
	subject := Subject(p.account)
	event := NewTransactionEvent(p.account, txn)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction event: %w", err)
	}

	start := time.Now()
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(txn.Signature))
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish transaction: %w", err)
	}

	p.logger.DebugContext(ctx, "published transaction event",
		"subject", subject,
		"signature", txn.Signature,
	)
	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
