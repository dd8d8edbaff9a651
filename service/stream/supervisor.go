package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brojonat/txtracker/service/metrics"
)

const (
	// BaseDelay is the wait after the first failed session.
	BaseDelay = time.Second

	// MaxDelay caps the wait between attempts.
	MaxDelay = 300 * time.Second

	maxBackoffExponent = 10
)

// State is the supervisor's position in its retry loop.
type State int32

const (
	StateConnected State = iota
	StateBackoff
)

func (s State) String() string {
	if s == StateBackoff {
		return "backoff"
	}
	return "connected"
}

// Backoff counts consecutive error-terminated sessions.
type Backoff struct {
	Attempts int
}

// Next is the supervisor's transition function. A clean session end resets
// the counter and reconnects immediately; an error bumps the counter and
// returns how long to wait: 1s, 2s, 4s, ... capped at MaxDelay.
func Next(b Backoff, sessionErr error) (Backoff, time.Duration) {
	if sessionErr == nil {
		return Backoff{}, 0
	}
	b.Attempts++
	return b, Delay(b.Attempts)
}

// Delay returns the wait before reconnecting after the given number of
// consecutive failures.
func Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	exp := min(attempts-1, maxBackoffExponent)
	return min(BaseDelay<<exp, MaxDelay)
}

// SessionRunner consumes a single subscription.
type SessionRunner interface {
	Run(ctx context.Context, sub Subscription) error
}

// Supervisor keeps a subscription alive forever: it connects, runs a
// session, and on termination either reconnects at once or backs off.
type Supervisor struct {
	connector Connector
	session   SessionRunner
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	state     atomic.Int32
	connected atomic.Bool
}

// NewSupervisor creates a Supervisor. If metrics is nil, no metrics will be recorded.
func NewSupervisor(connector Connector, session SessionRunner, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		connector: connector,
		session:   session,
		metrics:   m,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// State reports whether the supervisor is running a session or waiting.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Connected reports whether a subscription is currently established.
func (s *Supervisor) Connected() bool {
	return s.connected.Load()
}

// Run blocks until ctx is cancelled and returns ctx.Err(). Session and
// connection failures never escape; they only drive the backoff.
func (s *Supervisor) Run(ctx context.Context) error {
	var backoff Backoff
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			s.metrics.RecordStreamReconnection()
		}

		s.state.Store(int32(StateConnected))
		err := s.runOnce(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.logger.InfoContext(ctx, "stream supervisor stopping")
			return ctxErr
		}

		var delay time.Duration
		backoff, delay = Next(backoff, err)
		if err == nil {
			s.logger.InfoContext(ctx, "stream ended cleanly, reconnecting")
			continue
		}

		kind := "stream"
		if errors.Is(err, ErrConnection) {
			kind = "connection"
		}
		s.metrics.RecordStreamError(kind)
		s.logger.WarnContext(ctx, "stream session failed, backing off",
			"error", err,
			"kind", kind,
			"attempts", backoff.Attempts,
			"retry_in", delay.String(),
		)

		s.state.Store(int32(StateBackoff))
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	sub, err := s.connector.Connect(ctx)
	if err != nil {
		if !errors.Is(err, ErrConnection) {
			err = fmt.Errorf("%w: %w", ErrConnection, err)
		}
		return err
	}

	s.connected.Store(true)
	s.metrics.SetStreamConnected(true)
	s.logger.InfoContext(ctx, "stream connected")
	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.DebugContext(ctx, "error closing subscription", "error", err)
		}
		s.connected.Store(false)
		s.metrics.SetStreamConnected(false)
	}()

	return s.session.Run(ctx, sub)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
