// Package whatsapp owns the shop's single WhatsApp session: a whatsmeow
// linked-device driver plus the Supervisor that pairs, restores and
// reconnects it.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/ShopPipe/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow credential database
	DefaultSQLitePath = "/var/lib/shoppipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"

	eventBuffer = 32
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR block
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes every pairing QR code to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw pairing code instead of a QR block.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client is the whatsmeow implementation of Driver.
type Client struct {
	cfg       Opts
	container *sqlstore.Container
	events    chan Event

	mu       sync.Mutex
	wa       *whatsmeow.Client
	freshDev bool
}

var _ Driver = (*Client)(nil)

// NewClient opens the credential store. It does not connect; the
// Supervisor calls Connect.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"whatsmeow strongly recommends enabling foreign keys for data integrity.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	return &Client{cfg: cfg, container: container, events: make(chan Event, eventBuffer)}, nil
}

// Events implements Driver.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) emit(ev Event) {
	c.events <- ev
}

// Connect restores the stored session or starts the QR pairing flow.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wa == nil {
		wa, err := c.newWAClient(ctx)
		if err != nil {
			return err
		}
		c.wa = wa
	}

	if c.wa.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, err := c.wa.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to open QR channel: %w", err)
		}
		if err := c.wa.Connect(); err != nil {
			return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		go c.forwardQR(qrChan)
		return nil
	}

	slog.Debug("WhatsApp already logged in, connecting to server")
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	return nil
}

func (c *Client) newWAClient(ctx context.Context) (*whatsmeow.Client, error) {
	device := c.container.NewDevice()
	if !c.freshDev {
		stored, err := c.container.GetFirstDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
		}
		device = stored
	}
	wa := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	wa.EnableAutoReconnect = false
	wa.AddEventHandler(c.handleEvent)
	return wa, nil
}

func (c *Client) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	writer := io.Writer(os.Stdout)
	if c.cfg.QRPath != "" {
		f, err := os.Create(c.cfg.QRPath)
		if err != nil {
			slog.Error("Failed to create QR file", "error", err)
		} else {
			defer f.Close()
			writer = f
		}
	}
	for evt := range qrChan {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			if c.cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			c.emit(Event{Type: EventPairingCode, Code: evt.Code})
		case whatsmeow.QRChannelSuccess.Event:
			slog.Debug("WhatsApp QR login succeeded")
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(Event{Type: EventPairingTimeout})
		default:
			slog.Warn("WhatsApp login event", "event", evt.Event, "error", evt.Error)
			c.emit(Event{Type: EventDisconnected, Err: fmt.Errorf("pairing failed: %s", evt.Event)})
		}
	}
}

func (c *Client) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		c.emit(Event{Type: EventConnected})
	case *events.PairSuccess:
		slog.Info("WhatsApp device paired", "jid", evt.ID.String())
		c.emit(Event{Type: EventPaired})
	case *events.Disconnected:
		c.emit(Event{Type: EventDisconnected})
	case *events.StreamReplaced:
		c.emit(Event{Type: EventDisconnected, Err: fmt.Errorf("stream replaced by another connection")})
	case *events.ConnectFailure:
		c.emit(Event{Type: EventDisconnected, Err: fmt.Errorf("connect failure: %s", evt.Reason)})
	case *events.TemporaryBan:
		c.emit(Event{Type: EventDisconnected, Err: fmt.Errorf("temporary ban: %s", evt.String())})
	case *events.LoggedOut:
		c.emit(Event{Type: EventLoggedOut, Err: fmt.Errorf("logged out: %s", evt.Reason)})
	}
}

// Send sends a text message to the phone number to.
func (c *Client) Send(ctx context.Context, to, body string) error {
	c.mu.Lock()
	wa := c.wa
	c.mu.Unlock()
	if wa == nil || !wa.IsConnected() {
		return ErrNotConnected
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(to, JIDSuffix)
	if _, err := wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		return sendError(to, err)
	}
	return nil
}

// sendError maps a whatsmeow send failure. A socket that dropped or lost
// its login before the message went out reports ErrNotConnected.
func sendError(to string, err error) error {
	if errors.Is(err, whatsmeow.ErrNotConnected) || errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		return fmt.Errorf("%w: send to %s: %v", ErrNotConnected, to, err)
	}
	return fmt.Errorf("failed to send message to %s: %w", to, err)
}

// Logout unlinks the device on the server and reports EventLoggedOut.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	wa := c.wa
	c.mu.Unlock()
	if wa == nil || wa.Store.ID == nil {
		return fmt.Errorf("no linked session")
	}
	if err := wa.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	c.emit(Event{Type: EventLoggedOut})
	return nil
}

// Reset drops the current client and deletes every stored device. When
// the stored rows cannot be read, the next Connect uses a new device.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wa != nil {
		c.wa.Disconnect()
		c.wa = nil
	}
	devices, err := c.container.GetAllDevices(ctx)
	if err != nil {
		slog.Warn("Client.Reset: stored devices unreadable, pairing a new device", "error", err)
		c.freshDev = true
		return nil
	}
	for _, d := range devices {
		if err := d.Delete(ctx); err != nil {
			c.freshDev = true
			return fmt.Errorf("failed to delete stored device: %w", err)
		}
	}
	c.freshDev = false
	return nil
}

// Disconnect closes the socket but keeps the credentials.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wa != nil {
		c.wa.Disconnect()
	}
}
