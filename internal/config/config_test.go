package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEADPIPE_STATE_DIR", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NurtureSchedule != "@every 10m" {
		t.Errorf("NurtureSchedule = %q", cfg.NurtureSchedule)
	}
	if cfg.NurtureSMSAfter != 48*time.Hour || cfg.NurtureArchiveAfter != 48*time.Hour {
		t.Errorf("unexpected nurture thresholds: %v %v", cfg.NurtureSMSAfter, cfg.NurtureArchiveAfter)
	}
	if cfg.NurtureMaxAttempts != 4 || cfg.AgentMaxIterations != 6 || cfg.AgentParseRetries != 1 {
		t.Errorf("unexpected counters: %+v", cfg)
	}
	if cfg.SMTPPort != 587 {
		t.Errorf("SMTPPort = %d", cfg.SMTPPort)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEADPIPE_STATE_DIR", "/tmp/lp")
	t.Setenv("NURTURE_SMS_AFTER", "90m")
	t.Setenv("NURTURE_MAX_ATTEMPTS", "3")
	t.Setenv("WHATSAPP_ENABLED", "true")
	t.Setenv("CLINIC_TIMEZONE", "America/Toronto")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.NurtureSMSAfter != 90*time.Minute || cfg.NurtureMaxAttempts != 3 || !cfg.WhatsAppEnabled {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "America/Toronto" {
		t.Errorf("Location() = %v, %v", loc, err)
	}
	if got, want := cfg.AppDSN(), filepath.Join("/tmp/lp", DefaultAppDBFileName); got != want {
		t.Errorf("AppDSN() = %q, want %q", got, want)
	}
	if !strings.HasPrefix(cfg.WhatsAppDSN(), "file:/tmp/lp/") {
		t.Errorf("WhatsAppDSN() = %q", cfg.WhatsAppDSN())
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := map[string]string{
		"CLINIC_TIMEZONE":       "Mars/Olympus",
		"LOG_LEVEL":             "chatty",
		"NURTURE_MAX_ATTEMPTS":  "0",
		"NURTURE_SMS_AFTER":     "two days",
		"NURTURE_ARCHIVE_AFTER": "-1h",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", key, val)
			}
		})
	}
}

func TestNurtureMaxAttemptsBound(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("NURTURE_MAX_ATTEMPTS", "5")
	if _, err := Load(); err == nil {
		t.Error("expected NURTURE_MAX_ATTEMPTS above the final step to be rejected")
	}
	t.Setenv("NURTURE_MAX_ATTEMPTS", "4")
	t.Setenv("NURTURE_ARCHIVE_AFTER", "0s")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.NurtureArchiveAfter != 0 {
		t.Errorf("NurtureArchiveAfter = %v, want 0", cfg.NurtureArchiveAfter)
	}
}

func TestDatabaseURLWins(t *testing.T) {
	cfg := Config{StateDir: "/var/lib/leadpipe", DatabaseURL: "postgres://u:p@db/leadpipe"}
	if cfg.AppDSN() != "postgres://u:p@db/leadpipe" {
		t.Errorf("AppDSN() = %q", cfg.AppDSN())
	}
}

func TestVapiWebhookURL(t *testing.T) {
	cfg := Config{ServerBaseURL: "https://leads.example.com/"}
	if got := cfg.VapiWebhookURL(); got != "https://leads.example.com/webhooks/vapi" {
		t.Errorf("VapiWebhookURL() = %q", got)
	}
	if (&Config{}).VapiWebhookURL() != "" {
		t.Error("expected empty URL without SERVER_BASE_URL")
	}
}

func TestLogValueHidesSecrets(t *testing.T) {
	cfg := Config{OpenAIKey: "sk-secret", JWTSecret: "hunter2", SMTPPassword: "smtp-pass-123"}
	var sb strings.Builder
	logger := slog.New(slog.NewTextHandler(&sb, nil))
	logger.Info("config", "config", &cfg)
	out := sb.String()
	for _, secret := range []string{"sk-secret", "hunter2", "smtp-pass-123"} {
		if strings.Contains(out, secret) {
			t.Errorf("log output leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "openai_key_set=true") {
		t.Errorf("expected openai_key_set flag in %s", out)
	}
}
