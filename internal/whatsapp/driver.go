package whatsapp

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while the session is not connected.
	ErrNotConnected = errors.New("whatsapp session not connected")
	// ErrCorruptSession marks stored credentials that cannot be loaded.
	ErrCorruptSession = errors.New("stored whatsapp session is corrupted")
	// ErrLogoutUnsupported is returned by drivers without a linked-device session.
	ErrLogoutUnsupported = errors.New("logout not supported by this channel")
)

// EventType enumerates what a Driver can report.
type EventType int

const (
	// EventConnected: the session is authenticated and can send.
	EventConnected EventType = iota
	// EventDisconnected: the connection dropped; credentials are still valid.
	EventDisconnected
	// EventPairingCode: a new pairing artifact is available in Event.Code.
	EventPairingCode
	// EventPaired: linking succeeded and credentials were persisted.
	EventPaired
	// EventPairingTimeout: every pairing code expired without being scanned.
	EventPairingTimeout
	// EventLoggedOut: the session was deliberately ended; credentials are void.
	EventLoggedOut
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPairingCode:
		return "pairing_code"
	case EventPaired:
		return "paired"
	case EventPairingTimeout:
		return "pairing_timeout"
	case EventLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one discrete driver notification.
type Event struct {
	Type EventType
	Code string
	Err  error
}

// Driver is a channel connection managed by the Supervisor.
type Driver interface {
	// Connect starts a connection attempt. Without stored credentials the
	// driver begins pairing and reports codes as events. An error wrapping
	// ErrCorruptSession asks the supervisor to Reset before retrying.
	Connect(ctx context.Context) error
	// Events delivers driver notifications for the lifetime of the driver.
	Events() <-chan Event
	Send(ctx context.Context, to, body string) error
	// Logout unlinks the session remotely and emits EventLoggedOut.
	Logout(ctx context.Context) error
	// Reset discards stored credentials so the next Connect pairs afresh.
	Reset(ctx context.Context) error
	Disconnect()
}
