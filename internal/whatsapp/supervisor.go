package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ShopPipe/internal/clock"
)

// State is the supervisor's view of the channel session.
type State string

const (
	StateDisconnected State = "disconnected"
	StatePairing      State = "pairing"
	StateConnected    State = "connected"
)

// Supervisor defaults.
const (
	DefaultMinBackoff  = 2 * time.Second
	DefaultMaxBackoff  = 2 * time.Minute
	DefaultSendTimeout = 30 * time.Second
)

// ConnectionStatus is a point-in-time copy of the supervisor state.
type ConnectionStatus struct {
	State       State     `json:"state"`
	PairingCode string    `json:"pairing_code,omitempty"`
	Since       time.Time `json:"since"`
	LastError   string    `json:"last_error,omitempty"`
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithBackoff sets the reconnect backoff bounds.
func WithBackoff(min, max time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.minBackoff = min
		s.maxBackoff = max
	}
}

// WithSendTimeout bounds every Send call.
func WithSendTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.sendTimeout = d }
}

// WithSupervisorClock sets the time source used for backoff.
func WithSupervisorClock(c clock.Clock) SupervisorOption {
	return func(s *Supervisor) { s.clock = c }
}

// WithStateHook registers a callback invoked on every state change.
func WithStateHook(fn func(State)) SupervisorOption {
	return func(s *Supervisor) { s.onState = fn }
}

// Supervisor owns the single channel session: it restores or pairs it,
// reconnects after drops and gates Send on the connected state.
type Supervisor struct {
	driver      Driver
	clock       clock.Clock
	minBackoff  time.Duration
	maxBackoff  time.Duration
	sendTimeout time.Duration
	onState     func(State)

	mu     sync.RWMutex
	status ConnectionStatus
}

// NewSupervisor creates a Supervisor for driver. Call Run to start it.
func NewSupervisor(driver Driver, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		driver:      driver,
		clock:       clock.New(),
		minBackoff:  DefaultMinBackoff,
		maxBackoff:  DefaultMaxBackoff,
		sendTimeout: DefaultSendTimeout,
		onState:     func(State) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status = ConnectionStatus{State: StateDisconnected, Since: s.clock.Now()}
	return s
}

// State returns the current session state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.State
}

// IsConnected reports whether Send may be called.
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateConnected
}

// PairingCode returns the current pairing artifact, empty unless pairing.
func (s *Supervisor) PairingCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.PairingCode
}

// Status returns a copy of the connection status.
func (s *Supervisor) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Supervisor) setState(state State, code string, err error) {
	s.mu.Lock()
	changed := s.status.State != state
	if changed {
		s.status.Since = s.clock.Now()
	}
	s.status.State = state
	s.status.PairingCode = code
	if err != nil {
		s.status.LastError = err.Error()
	} else if state == StateConnected {
		s.status.LastError = ""
	}
	s.mu.Unlock()
	if changed {
		slog.Info("Supervisor: state changed", "state", state)
		s.onState(state)
	}
}

// Send delivers one message. It refuses with ErrNotConnected unless the
// session is connected, and bounds the call with the send timeout.
func (s *Supervisor) Send(ctx context.Context, to, body string) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	return s.driver.Send(ctx, to, body)
}

// Logout ends the session deliberately. Credentials are discarded and a
// fresh pairing cycle follows.
func (s *Supervisor) Logout(ctx context.Context) error {
	slog.Info("Supervisor.Logout: operator requested logout")
	if err := s.driver.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Run drives the session until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.minBackoff
	defer s.driver.Disconnect()
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected, "", nil)
			return nil
		}

		err := s.driver.Connect(ctx)
		if errors.Is(err, ErrCorruptSession) {
			slog.Error("Supervisor.Run: stored session unusable, starting fresh pairing", "error", err)
			s.setState(StateDisconnected, "", err)
			if rerr := s.driver.Reset(ctx); rerr != nil {
				slog.Error("Supervisor.Run: reset failed", "error", rerr)
				if !s.wait(ctx, &backoff) {
					return nil
				}
			}
			continue
		}
		if err != nil {
			slog.Warn("Supervisor.Run: connect failed", "error", err, "retryIn", backoff)
			s.setState(StateDisconnected, "", err)
			if !s.wait(ctx, &backoff) {
				return nil
			}
			continue
		}

		next := s.watch(ctx, &backoff)
		switch next {
		case afterStop:
			s.setState(StateDisconnected, "", nil)
			return nil
		case afterLogout:
			if err := s.driver.Reset(ctx); err != nil {
				slog.Error("Supervisor.Run: discarding credentials failed", "error", err)
			}
		case afterDrop:
			s.driver.Disconnect()
			if !s.wait(ctx, &backoff) {
				return nil
			}
		}
	}
}

type watchResult int

const (
	afterStop watchResult = iota
	afterDrop
	afterLogout
)

// watch consumes driver events for one connection attempt.
func (s *Supervisor) watch(ctx context.Context, backoff *time.Duration) watchResult {
	events := s.driver.Events()
	for {
		select {
		case <-ctx.Done():
			return afterStop
		case ev, ok := <-events:
			if !ok {
				return afterStop
			}
			slog.Debug("Supervisor: driver event", "event", ev.Type, "error", ev.Err)
			switch ev.Type {
			case EventPairingCode:
				s.setState(StatePairing, ev.Code, nil)
			case EventPaired:
				slog.Info("Supervisor: device linked, credentials stored")
			case EventConnected:
				*backoff = s.minBackoff
				s.setState(StateConnected, "", nil)
			case EventDisconnected:
				s.setState(StateDisconnected, "", ev.Err)
				return afterDrop
			case EventPairingTimeout:
				s.setState(StateDisconnected, "", errors.New("pairing code expired"))
				return afterDrop
			case EventLoggedOut:
				slog.Warn("Supervisor: session logged out, fresh pairing required", "error", ev.Err)
				s.setState(StateDisconnected, "", ev.Err)
				return afterLogout
			}
		}
	}
}

// wait sleeps for the current backoff and doubles it. It returns false when ctx ends.
func (s *Supervisor) wait(ctx context.Context, backoff *time.Duration) bool {
	if err := s.clock.Sleep(ctx, *backoff); err != nil {
		return false
	}
	*backoff *= 2
	if *backoff > s.maxBackoff {
		*backoff = s.maxBackoff
	}
	return true
}
