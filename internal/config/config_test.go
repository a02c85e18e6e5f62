package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func missingEnv(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(missingEnv(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreFile || cfg.DataDir != "data" || cfg.WhatsApp.DataDir != "data" {
		t.Fatalf("unexpected storage defaults %+v", cfg)
	}
	if cfg.Dispatch.Concurrency != 8 || cfg.Dispatch.AttemptTimeout != 30*time.Second || cfg.Dispatch.FailureRate != 0.1 {
		t.Fatalf("unexpected dispatch defaults %+v", cfg.Dispatch)
	}
	if cfg.ReminderInterval != time.Minute || cfg.Level() != zerolog.InfoLevel {
		t.Fatalf("unexpected loop defaults %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if got := cfg.Event.Message().Date; got != "05.01.2026" {
		t.Fatalf("expected formatted date label, got %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CAMPAIGN_STORE", "sqlite")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WEDDING_DATE", "2026-09-14")
	t.Setenv("WEDDING_DATE_LABEL", "Monday, September 14")
	t.Setenv("SIMULATED_FAILURE_RATE", "0")
	t.Setenv("ATTEMPT_TIMEOUT", "5s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,https://admin.example.com")

	cfg, err := Load(missingEnv(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreSQLite || cfg.Level() != zerolog.DebugLevel || cfg.Dispatch.AttemptTimeout != 5*time.Second {
		t.Fatalf("overrides not applied %+v", cfg)
	}
	day, err := cfg.Event.Day()
	if err != nil || !day.Equal(time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected event day %v (%v)", day, err)
	}
	if cfg.Event.Message().Date != "Monday, September 14" {
		t.Fatalf("label should win over the parsed date")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	// Registers cleanup so the value loaded from the file does not leak.
	t.Setenv("GROOM_NAME", "")
	os.Unsetenv("GROOM_NAME")
	t.Setenv("BRIDE_NAME", "Anat")

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("GROOM_NAME=David\nBRIDE_NAME=Ignored\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Event.GroomName != "David" {
		t.Fatalf("expected groom from file, got %q", cfg.Event.GroomName)
	}
	if cfg.Event.BrideName != "Anat" {
		t.Fatalf("process env must win over the file, got %q", cfg.Event.BrideName)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"CAMPAIGN_STORE", "postgres", "CAMPAIGN_STORE"},
		{"SIMULATED_FAILURE_RATE", "1.5", "SIMULATED_FAILURE_RATE"},
		{"DISPATCH_CONCURRENCY", "0", "DISPATCH_CONCURRENCY"},
		{"WEDDING_DATE", "next june", "WEDDING_DATE"},
		{"LOG_LEVEL", "loud", "LOG_LEVEL"},
		{"ATTEMPT_TIMEOUT", "soon", "parse env:"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(missingEnv(t))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
