package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"wedding-campaign/internal/message"
	"wedding-campaign/internal/models"
)

// Storage backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds the application configuration
type Config struct {
	DataDir  string `env:"CAMPAIGN_DATA_DIR" envDefault:"data"`
	Store    string `env:"CAMPAIGN_STORE" envDefault:"file"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	// CLI enables the interactive console on stdin.
	CLI            bool     `env:"CLI_ENABLED" envDefault:"true"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	Redis    RedisConfig
	Event    EventConfig
	WhatsApp WhatsAppConfig
	SMTP     SMTPConfig
	Dispatch DispatchConfig

	ReminderInterval time.Duration `env:"REMINDER_INTERVAL" envDefault:"1m"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	Prefix   string `env:"REDIS_PREFIX" envDefault:"wedding"`
}

// EventConfig describes the wedding. Date is a calendar date (YYYY-MM-DD)
// or an RFC 3339 instant; Label is how the date is shown in messages.
type EventConfig struct {
	Date      string `env:"WEDDING_DATE" envDefault:"2026-01-05"`
	Label     string `env:"WEDDING_DATE_LABEL"`
	Location  string `env:"WEDDING_LOCATION" envDefault:"Venue TBD"`
	BrideName string `env:"BRIDE_NAME" envDefault:"Bride"`
	GroomName string `env:"GROOM_NAME" envDefault:"Groom"`
}

type WhatsAppConfig struct {
	Enabled bool `env:"WHATSAPP_ENABLED" envDefault:"false"`
	// DataDir defaults to the campaign data dir.
	DataDir string `env:"WHATSAPP_DATA_DIR"`
}

// SMTPConfig enables the email channel when Host is set.
type SMTPConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	User     string `env:"SMTP_USER"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM"`
	Subject  string `env:"SMTP_SUBJECT" envDefault:"Wedding invitation"`
}

type DispatchConfig struct {
	Concurrency    int           `env:"DISPATCH_CONCURRENCY" envDefault:"8"`
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"30s"`
	FailureRate    float64       `env:"SIMULATED_FAILURE_RATE" envDefault:"0.1"`
	MinLatency     time.Duration `env:"SIMULATED_MIN_LATENCY" envDefault:"200ms"`
	MaxLatency     time.Duration `env:"SIMULATED_MAX_LATENCY" envDefault:"1500ms"`
}

// Load reads the given .env files (".env" when none are given; missing
// files are skipped), then parses and validates the environment.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.WhatsApp.DataDir == "" {
		cfg.WhatsApp.DataDir = cfg.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks values the env parser cannot.
func (c Config) Validate() error {
	switch c.Store {
	case StoreFile, StoreSQLite, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("CAMPAIGN_STORE must be one of file, sqlite, redis or memory, got %q", c.Store)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if _, err := c.Event.Day(); err != nil {
		return fmt.Errorf("WEDDING_DATE: %w", err)
	}
	if c.Dispatch.FailureRate < 0 || c.Dispatch.FailureRate > 1 {
		return fmt.Errorf("SIMULATED_FAILURE_RATE must be between 0 and 1, got %v", c.Dispatch.FailureRate)
	}
	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be positive, got %d", c.Dispatch.Concurrency)
	}
	if c.Dispatch.AttemptTimeout <= 0 || c.ReminderInterval <= 0 {
		return errors.New("ATTEMPT_TIMEOUT and REMINDER_INTERVAL must be positive")
	}
	return nil
}

// Level is the parsed log level.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Day parses Date.
func (e EventConfig) Day() (time.Time, error) {
	return models.ParseDate(e.Date)
}

// Message returns the template values of the event.
func (e EventConfig) Message() message.Event {
	label := e.Label
	if label == "" {
		if day, err := e.Day(); err == nil {
			label = day.Format("02.01.2006")
		} else {
			label = e.Date
		}
	}
	return message.Event{
		Date:      label,
		Location:  e.Location,
		BrideName: e.BrideName,
		GroomName: e.GroomName,
	}
}
