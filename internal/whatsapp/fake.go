package whatsapp

import (
	"context"
	"sync"
)

// SentMessage records one FakeDriver send.
type SentMessage struct {
	To   string
	Body string
}

// FakeDriver is an in-memory Driver for tests. Connect succeeds unless
// ConnectErrs has entries; events are injected with Emit.
type FakeDriver struct {
	mu          sync.Mutex
	events      chan Event
	ConnectErrs []error
	SendErr     error
	LogoutErr   error
	// AutoConnect emits EventConnected on every successful Connect.
	AutoConnect bool

	connects int
	resets   int
	sent     []SentMessage
}

var _ Driver = (*FakeDriver)(nil)

// NewFakeDriver returns a FakeDriver that connects immediately.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{events: make(chan Event, eventBuffer), AutoConnect: true}
}

func (f *FakeDriver) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	if len(f.ConnectErrs) > 0 {
		err := f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
		f.mu.Unlock()
		if err != nil {
			return err
		}
	} else {
		f.mu.Unlock()
	}
	if f.AutoConnect {
		f.Emit(Event{Type: EventConnected})
	}
	return nil
}

func (f *FakeDriver) Events() <-chan Event { return f.events }

// Emit injects a driver event.
func (f *FakeDriver) Emit(ev Event) { f.events <- ev }

func (f *FakeDriver) Send(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, SentMessage{To: to, Body: body})
	return nil
}

func (f *FakeDriver) Logout(ctx context.Context) error {
	f.mu.Lock()
	err := f.LogoutErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.Emit(Event{Type: EventLoggedOut})
	return nil
}

func (f *FakeDriver) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *FakeDriver) Disconnect() {}

// Sent returns a copy of every successful send.
func (f *FakeDriver) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// Connects returns the number of Connect calls.
func (f *FakeDriver) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Resets returns the number of Reset calls.
func (f *FakeDriver) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}
