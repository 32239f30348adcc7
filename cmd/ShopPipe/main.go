package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ShopPipe/internal/api"
	"github.com/BTreeMap/ShopPipe/internal/generator"
	"github.com/BTreeMap/ShopPipe/internal/scheduler"
	"github.com/BTreeMap/ShopPipe/internal/store"
	"github.com/BTreeMap/ShopPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ShopPipe/internal/util"
	"github.com/BTreeMap/ShopPipe/internal/whatsapp"
	"github.com/BTreeMap/ShopPipe/internal/window"
	"github.com/BTreeMap/ShopPipe/internal/worker"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ShopPipe state data
	DefaultStateDir = "/var/lib/shoppipe"
	// DefaultWhatsAppDBFileName is the default SQLite file for whatsmeow credentials
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the default SQLite file for the message queue and shop data
	DefaultAppDBFileName = "shoppipe.db"
	// DefaultCountryCode is prepended to national phone numbers
	DefaultCountryCode = "55"
)

// Channel names accepted by $CHANNEL.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
)

func main() {
	// Initialize structured logger
	initializeLogger(os.Getenv("LOG_LEVEL"))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ShopPipe", "channel", *flags.channel, "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("ShopPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ShopPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	APIAddr          string
	DailySchedule    string
	Channel          string
	Timezone         string

	WindowStartHour int
	WindowEndHour   int
	RestDay         string

	PollInterval    time.Duration
	PacingMin       time.Duration
	PacingMax       time.Duration
	MaxSendsPerHour int

	DefaultCountryCode string
	ShopName           string
	CurrencySymbol     string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	whatsappDBDSN *string
	appDBDSN      *string
	apiAddr       *string
	dailySchedule *string
	channel       *string
	timezone      *string
}

// initializeLogger installs a text handler at the given level (default debug)
func initializeLogger(level string) {
	lvl := slog.LevelDebug
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelDebug
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	def := window.DefaultConfig()
	config := Config{
		StateDir:           os.Getenv("SHOPPIPE_STATE_DIR"),
		WhatsAppDBDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN:   os.Getenv("DATABASE_DSN"),
		APIAddr:            os.Getenv("API_ADDR"),
		DailySchedule:      os.Getenv("DAILY_SCHEDULE"),
		Channel:            strings.ToLower(strings.TrimSpace(os.Getenv("CHANNEL"))),
		Timezone:           os.Getenv("TIMEZONE"),
		WindowStartHour:    util.ParseIntEnv("WINDOW_START_HOUR", def.StartHour),
		WindowEndHour:      util.ParseIntEnv("WINDOW_END_HOUR", def.EndHour),
		RestDay:            os.Getenv("REST_DAY"),
		PollInterval:       util.ParseDurationEnv("POLL_INTERVAL", worker.DefaultPollInterval),
		PacingMin:          util.ParseDurationEnv("PACING_MIN", worker.DefaultPacingMin),
		PacingMax:          util.ParseDurationEnv("PACING_MAX", worker.DefaultPacingMax),
		MaxSendsPerHour:    util.ParseIntEnv("MAX_SENDS_PER_HOUR", 0),
		DefaultCountryCode: os.Getenv("DEFAULT_COUNTRY_CODE"),
		ShopName:           os.Getenv("SHOP_NAME"),
		CurrencySymbol:     os.Getenv("CURRENCY_SYMBOL"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SHOPPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// The WhatsApp session database never falls back to DATABASE_URL
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		slog.Debug("No WHATSAPP_DB_DSN provided, defaulting to SQLite", "dsn", config.WhatsAppDBDSN)
	}

	// DATABASE_URL is the legacy name for DATABASE_DSN
	if config.ApplicationDBDSN == "" {
		if legacy := os.Getenv("DATABASE_URL"); legacy != "" {
			config.ApplicationDBDSN = legacy
			slog.Debug("Using legacy DATABASE_URL for the application database")
		}
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No DATABASE_DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}

	if config.DailySchedule == "" {
		config.DailySchedule = scheduler.DefaultDailySchedule
	}
	if config.Channel == "" {
		config.Channel = ChannelWhatsApp
	}
	if config.DefaultCountryCode == "" {
		config.DefaultCountryCode = DefaultCountryCode
	}

	slog.Debug("environment variables loaded",
		"SHOPPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", os.Getenv("WHATSAPP_DB_DSN") != "",
		"DATABASE_DSN_SET", os.Getenv("DATABASE_DSN") != "",
		"API_ADDR", config.APIAddr,
		"DAILY_SCHEDULE", config.DailySchedule,
		"CHANNEL", config.Channel,
		"TIMEZONE", config.Timezone,
		"WINDOW", fmt.Sprintf("%02d-%02d", config.WindowStartHour, config.WindowEndHour),
		"REST_DAY", config.RestDay,
		"MAX_SENDS_PER_HOUR", config.MaxSendsPerHour,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "")

	return config
}

// parseCommandLineFlags parses args into fs with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for ShopPipe data (overrides $SHOPPIPE_STATE_DIR)"),
		whatsappDBDSN: fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "DSN of the WhatsApp session database (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      fs.String("app-db-dsn", config.ApplicationDBDSN, "DSN of the application database (overrides $DATABASE_DSN)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		dailySchedule: fs.String("daily-schedule", config.DailySchedule, "cron expression for the daily scheduler (overrides $DAILY_SCHEDULE)"),
		channel:       fs.String("channel", config.Channel, "delivery channel: whatsapp or twilio (overrides $CHANNEL)"),
		timezone:      fs.String("timezone", config.Timezone, "IANA time zone of the business day (overrides $TIMEZONE)"),
	}

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"apiAddr", *flags.apiAddr,
		"dailySchedule", *flags.dailySchedule,
		"channel", *flags.channel)

	// Database DSNs follow a changed state directory unless set explicitly
	if *flags.stateDir != config.StateDir {
		if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		if *flags.appDBDSN == defaultAppDSN(config.StateDir) {
			*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
		}
		slog.Debug("Updated database DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	switch *flags.channel {
	case ChannelWhatsApp, ChannelTwilio:
	default:
		return flags, fmt.Errorf("unknown channel %q", *flags.channel)
	}
	return flags, nil
}

// ensureDirectoriesExist creates the state directory and the parent
// directories of file-based databases
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	for _, dsn := range []string{*flags.whatsappDBDSN, *flags.appDBDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dirs = append(dirs, filepath.Dir(path))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// loadLocation resolves the business time zone; empty means local time
func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return loc, nil
}

// buildWindowConfig constructs the business-day window
func buildWindowConfig(config Config, loc *time.Location) (window.Config, error) {
	cfg := window.DefaultConfig()
	cfg.StartHour = config.WindowStartHour
	cfg.EndHour = config.WindowEndHour
	cfg.Location = loc
	if config.RestDay != "" {
		day, err := window.ParseWeekday(config.RestDay)
		if err != nil {
			return cfg, err
		}
		cfg.RestDay = day
	}
	return cfg, cfg.Validate()
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options; unset values
// fall back to the client's own environment lookup
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFromNumber))
	}
	return opts
}

// buildGeneratorOptions constructs candidate generator options
func buildGeneratorOptions(config Config, loc *time.Location) []generator.Option {
	opts := []generator.Option{
		generator.WithLocation(loc),
		generator.WithDefaultCountryCode(config.DefaultCountryCode),
	}
	if config.ShopName != "" {
		opts = append(opts, generator.WithShopName(config.ShopName))
	}
	if config.CurrencySymbol != "" {
		opts = append(opts, generator.WithCurrencySymbol(config.CurrencySymbol))
	}
	return opts
}

// buildWorkerOptions constructs queue worker options
func buildWorkerOptions(config Config) []worker.Option {
	return []worker.Option{
		worker.WithPollInterval(config.PollInterval),
		worker.WithPacing(config.PacingMin, config.PacingMax),
		worker.WithHourlyLimit(config.MaxSendsPerHour),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	apiOpts := []api.Option{api.WithDefaultCountryCode(config.DefaultCountryCode)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
