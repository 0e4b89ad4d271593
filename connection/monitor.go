// Package connection owns the canonical transport connection state machine
// and drives reconnection with exponential backoff.
package connection

import (
	"context"
	"sync"
	"time"

	"chat-client/config"
	"chat-client/pkg/logger"
	"chat-client/token"
	"chat-client/transport"

	"github.com/cenkalti/backoff/v4"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusRetrying     Status = "retrying"
	StatusError        Status = "error"
)

// Info is the full connection state snapshot delivered to subscribers on
// every transition. IsRetrying is true exactly when Status is StatusRetrying.
type Info struct {
	Status               Status
	LastConnectedAt      *time.Time
	ReconnectAttempts    int
	MaxReconnectAttempts int
	LastError            *Error
	IsRetrying           bool
}

// Subscriber is invoked synchronously on every state transition. Callbacks
// must not block; long work belongs in the subscriber's own goroutine.
type Subscriber func(Info)

// TimerFunc abstracts the backoff wait so tests can simulate time.
type TimerFunc func(d time.Duration) <-chan time.Time

type Monitor struct {
	adapter transport.Adapter
	tokens  *token.Store
	log     *logger.Logger

	timer TimerFunc

	mu          sync.Mutex
	info        Info
	subs        map[int]Subscriber
	nextSub     int
	bo          backoff.BackOff
	retryCancel chan struct{}
	retrying    bool
}

type Option func(*Monitor)

// WithTimer replaces the backoff wait timer, letting tests run without
// real delays.
func WithTimer(fn TimerFunc) Option {
	return func(m *Monitor) { m.timer = fn }
}

func WithLogger(log *logger.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

func NewMonitor(adapter transport.Adapter, tokens *token.Store, cfg config.WebSocketConfig, opts ...Option) *Monitor {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectBaseDelay
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxInterval = cfg.ReconnectMaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	m := &Monitor{
		adapter: adapter,
		tokens:  tokens,
		log:     logger.Named("connection"),
		timer:   func(d time.Duration) <-chan time.Time { return time.After(d) },
		info: Info{
			Status:               StatusDisconnected,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
		subs: make(map[int]Subscriber),
		bo:   bo,
	}
	for _, opt := range opts {
		opt(m)
	}

	adapter.OnClose(m.handleDrop)
	// Token invalidation means the session is no longer authenticated.
	tokens.OnRemove(func() { m.Disconnect() })
	return m
}

// Status returns the current connection status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info.Status
}

// GetInfo returns a snapshot of the full connection state.
func (m *Monitor) GetInfo() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Subscribe registers a state observer. The new subscriber is immediately
// notified with the current state; the returned function unsubscribes it
// without affecting other subscribers.
func (m *Monitor) Subscribe(fn Subscriber) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	info := m.info
	m.mu.Unlock()

	fn(info)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Connect acquires a token (refreshing if absent or expired) and dials the
// transport. A retryable failure moves the monitor to StatusRetrying and
// starts the backoff loop; a non-retryable one parks it in StatusError.
// From StatusError it refuses and returns the last error; ForceReconnect
// is the only way out.
func (m *Monitor) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.info.Status {
	case StatusConnected, StatusConnecting:
		m.mu.Unlock()
		return nil
	case StatusRetrying:
		// A backoff attempt is already scheduled; bypassing the wait is
		// ForceReconnect's job.
		m.mu.Unlock()
		return nil
	case StatusError:
		// Terminal until ForceReconnect.
		err := m.info.LastError
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.transition(func(info *Info) {
		info.Status = StatusConnecting
		info.IsRetrying = false
	})

	return m.dial(ctx)
}

// dial performs one connect attempt from the Connecting state.
func (m *Monitor) dial(ctx context.Context) error {
	tok := m.tokens.Get()
	if tok == "" || m.tokens.Expired() {
		refreshed, err := m.tokens.Refresh(ctx)
		if err != nil || refreshed == "" {
			cerr := NewAuthError("no authentication token available", err)
			m.transition(func(info *Info) {
				info.Status = StatusError
				info.LastError = cerr
				info.IsRetrying = false
			})
			return cerr
		}
		tok = refreshed
	}

	if err := m.adapter.Connect(ctx, tok); err != nil {
		return m.handleConnectFailure(Classify(err, "transport connect"))
	}

	m.enterConnected()
	return nil
}

func (m *Monitor) enterConnected() {
	now := time.Now()
	m.mu.Lock()
	m.bo.Reset()
	m.mu.Unlock()
	m.transition(func(info *Info) {
		info.Status = StatusConnected
		info.LastConnectedAt = &now
		info.ReconnectAttempts = 0
		info.LastError = nil
		info.IsRetrying = false
	})
	m.log.Info("Connected")
}

// handleConnectFailure applies the state table for a failed attempt: each
// retryable failure bumps the attempt counter; hitting the cap (or a
// non-retryable failure) is terminal until ForceReconnect.
func (m *Monitor) handleConnectFailure(cerr *Error) error {
	m.mu.Lock()
	attempts := m.info.ReconnectAttempts
	max := m.info.MaxReconnectAttempts
	m.mu.Unlock()

	if !cerr.Retryable {
		m.transition(func(info *Info) {
			info.Status = StatusError
			info.LastError = cerr
			info.IsRetrying = false
		})
		m.log.Error("Connect failed (not retryable): %v", cerr)
		return cerr
	}

	attempts++
	if attempts >= max {
		m.transition(func(info *Info) {
			info.Status = StatusError
			info.ReconnectAttempts = attempts
			info.LastError = cerr
			info.IsRetrying = false
		})
		m.log.Error("Max reconnect attempts (%d) reached", max)
		return cerr
	}

	m.transition(func(info *Info) {
		info.Status = StatusRetrying
		info.ReconnectAttempts = attempts
		info.LastError = cerr
		info.IsRetrying = true
	})
	m.scheduleRetry()
	return cerr
}

// handleDrop runs when an established connection is lost.
func (m *Monitor) handleDrop(err error) {
	m.mu.Lock()
	if m.info.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	cerr := Classify(err, "connection dropped")
	m.log.Error("Connection dropped: %v", err)
	m.transition(func(info *Info) {
		info.Status = StatusRetrying
		info.LastError = cerr
		info.IsRetrying = true
	})
	m.scheduleRetry()
}

func (m *Monitor) scheduleRetry() {
	m.mu.Lock()
	if m.retrying {
		m.mu.Unlock()
		return
	}
	m.retrying = true
	m.retryCancel = make(chan struct{})
	cancel := m.retryCancel
	m.mu.Unlock()

	go m.retryLoop(cancel)
}

func (m *Monitor) retryLoop(cancel chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.retrying = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if m.info.Status != StatusRetrying {
			m.mu.Unlock()
			return
		}
		delay := m.bo.NextBackOff()
		attempt := m.info.ReconnectAttempts
		m.mu.Unlock()

		m.log.Info("Reconnect attempt %d in %s", attempt, delay)

		select {
		case <-m.timer(delay):
		case <-cancel:
			return
		}

		if !m.commitRetryAttempt(cancel) {
			return
		}

		if err := m.dial(context.Background()); err == nil {
			return
		}

		m.mu.Lock()
		done := m.info.Status != StatusRetrying
		m.mu.Unlock()
		if done {
			return
		}
	}
}

// commitRetryAttempt moves Retrying to Connecting, re-checking the status
// and the cancel channel under the same lock that commits the transition.
// Disconnect closes cancel while holding that lock, so a teardown that
// lands during the backoff wait cannot be dialed over.
func (m *Monitor) commitRetryAttempt(cancel chan struct{}) bool {
	m.mu.Lock()
	select {
	case <-cancel:
		m.mu.Unlock()
		return false
	default:
	}
	if m.info.Status != StatusRetrying {
		m.mu.Unlock()
		return false
	}
	m.info.Status = StatusConnecting
	m.info.IsRetrying = false
	info := m.info
	subs := make([]Subscriber, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(info)
	}
	return true
}

// ForceReconnect bypasses any pending backoff wait and re-enters Connecting.
// It is the only way out of StatusError.
func (m *Monitor) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	m.cancelRetryLocked()
	m.bo.Reset()
	m.mu.Unlock()

	m.adapter.Disconnect()

	m.transition(func(info *Info) {
		info.Status = StatusDisconnected
		info.ReconnectAttempts = 0
		info.LastError = nil
		info.IsRetrying = false
	})
	return m.Connect(ctx)
}

// Disconnect moves to StatusDisconnected from any state and tears down the
// transport. Calling it twice is a no-op.
func (m *Monitor) Disconnect() {
	m.mu.Lock()
	m.cancelRetryLocked()
	already := m.info.Status == StatusDisconnected
	m.mu.Unlock()

	m.adapter.Disconnect()

	if already {
		return
	}
	m.transition(func(info *Info) {
		info.Status = StatusDisconnected
		info.IsRetrying = false
	})
	m.log.Info("Disconnected")
}

func (m *Monitor) cancelRetryLocked() {
	if m.retryCancel != nil {
		select {
		case <-m.retryCancel:
		default:
			close(m.retryCancel)
		}
		m.retryCancel = nil
	}
}

// transition applies a state mutation and notifies every subscriber with the
// resulting snapshot. Subscribers run outside the lock so they may call back
// into the monitor.
func (m *Monitor) transition(mutate func(*Info)) {
	m.mu.Lock()
	mutate(&m.info)
	info := m.info
	subs := make([]Subscriber, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(info)
	}
}
