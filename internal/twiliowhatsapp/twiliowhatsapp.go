// Package twiliowhatsapp sends the queue through the Twilio WhatsApp
// Business API instead of a linked device. There is no session to pair, so
// the driver reports itself connected as soon as it starts.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
)

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// MessageCreator is the part of the Twilio API the driver calls.
// *twilioApi.ApiService satisfies it.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client is a whatsapp.Driver backed by the Twilio REST API.
type Client struct {
	api       MessageCreator
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
	events    chan whatsapp.Event
}

var _ whatsapp.Driver = (*Client)(nil)

// NewClient builds a driver from options, falling back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("TwilioClient.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewClientWithAPI(rest.Api, cfg.FromWhats), nil
}

// NewClientWithAPI wraps an existing MessageCreator.
func NewClientWithAPI(api MessageCreator, from string) *Client {
	return &Client{api: api, fromWhats: whatsappAddress(from), events: make(chan whatsapp.Event, 4)}
}

func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return "whatsapp:" + number
}

// Connect reports the channel as connected; the API is stateless.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case c.events <- whatsapp.Event{Type: whatsapp.EventConnected}:
	default:
	}
	return nil
}

func (c *Client) Events() <-chan whatsapp.Event { return c.events }

// Send sends a WhatsApp message using the Twilio API.
func (c *Client) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioClient.Send: CreateMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("TwilioClient.Send: message accepted", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// Logout is not meaningful for API credentials.
func (c *Client) Logout(ctx context.Context) error { return whatsapp.ErrLogoutUnsupported }

func (c *Client) Reset(ctx context.Context) error { return nil }

func (c *Client) Disconnect() {}
