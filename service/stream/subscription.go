package stream

import (
	"context"
	"errors"
)

var (
	// ErrConnection means a subscription could not be established.
	ErrConnection = errors.New("stream connection error")

	// ErrStream means an established subscription failed while being consumed.
	ErrStream = errors.New("stream error")
)

// EventKind classifies what a subscription delivered.
type EventKind int

const (
	EventTransaction EventKind = iota
	EventSlot
	EventPong
	EventOther
)

func (k EventKind) String() string {
	switch k {
	case EventTransaction:
		return "transaction"
	case EventSlot:
		return "slot"
	case EventPong:
		return "pong"
	default:
		return "other"
	}
}

// Event is one update from a subscription. Signature and Failed are only
// meaningful for EventTransaction; Signature may be empty when the upstream
// payload did not carry a usable one.
type Event struct {
	Kind      EventKind
	Signature string
	Slot      uint64
	Failed    bool
}

// Subscription is a live update stream scoped to the monitored account.
type Subscription interface {
	// Next blocks until the next event. It returns io.EOF when the upstream
	// ended the stream cleanly.
	Next(ctx context.Context) (Event, error)

	// Ping sends a keepalive probe. Implementations whose transport manages
	// liveness on its own may return nil without doing anything.
	Ping(ctx context.Context) error

	// Close releases the underlying connection. It unblocks a pending Next.
	Close() error
}

// Connector opens subscriptions. The supervisor calls Connect once per attempt.
type Connector interface {
	Connect(ctx context.Context) (Subscription, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Subscription, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Subscription, error) {
	return f(ctx)
}
