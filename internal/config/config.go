// Package config loads LeadPipe's settings from a .env file and the process
// environment.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultStateDir           = "/var/lib/leadpipe"
	DefaultAppDBFileName      = "leadpipe.db"
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Config is the flat set of LeadPipe settings. Each field maps to the
// environment variable named in its tag.
type Config struct {
	StateDir    string `envconfig:"LEADPIPE_STATE_DIR" default:"/var/lib/leadpipe"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	APIAddr     string `envconfig:"API_ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	OpenAIKey            string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel          string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIEmbeddingModel string `envconfig:"OPENAI_EMBEDDING_MODEL" default:"text-embedding-3-small"`
	OpenAIBaseURL        string `envconfig:"OPENAI_BASE_URL"`

	SMTPHost     string `envconfig:"SMTP_HOST"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser     string `envconfig:"SMTP_USER"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	SenderEmail  string `envconfig:"SENDER_EMAIL"`
	ReplyDomain  string `envconfig:"REPLY_DOMAIN"`

	TwilioAccountSID     string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken      string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioPhoneNumber    string `envconfig:"TWILIO_PHONE_NUMBER"`
	TwilioWhatsAppNumber string `envconfig:"TWILIO_WHATSAPP_NUMBER"`

	// WhatsAppEnabled links a WhatsApp device through whatsmeow. Twilio
	// WhatsApp is used instead when TWILIO_WHATSAPP_NUMBER is set.
	WhatsAppEnabled  bool   `envconfig:"WHATSAPP_ENABLED" default:"false"`
	WhatsAppDBDSN    string `envconfig:"WHATSAPP_DB_DSN"`
	WhatsAppQROutput string `envconfig:"WHATSAPP_QR_OUTPUT"`

	VapiAPIKey        string `envconfig:"VAPI_API_KEY"`
	VapiPhoneNumberID string `envconfig:"VAPI_PHONE_NUMBER_ID"`
	VapiAssistantID   string `envconfig:"VAPI_ASSISTANT_ID"`
	VapiWebhookSecret string `envconfig:"VAPI_WEBHOOK_SECRET"`
	ServerBaseURL     string `envconfig:"SERVER_BASE_URL"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	JWTSecret string        `envconfig:"JWT_SECRET"`
	JWTIssuer string        `envconfig:"JWT_ISSUER" default:"leadpipe"`
	JWTTTL    time.Duration `envconfig:"JWT_TTL" default:"24h"`

	ClinicName     string `envconfig:"CLINIC_NAME" default:"Bright Smile Dental"`
	ClinicTimezone string `envconfig:"CLINIC_TIMEZONE" default:"UTC"`

	NurtureSchedule        string        `envconfig:"NURTURE_SCHEDULE" default:"@every 10m"`
	NurtureSMSAfter        time.Duration `envconfig:"NURTURE_SMS_AFTER" default:"48h"`
	NurtureCallAfter       time.Duration `envconfig:"NURTURE_CALL_AFTER" default:"48h"`
	NurtureFinalEmailAfter time.Duration `envconfig:"NURTURE_FINAL_EMAIL_AFTER" default:"48h"`
	NurtureArchiveAfter    time.Duration `envconfig:"NURTURE_ARCHIVE_AFTER" default:"48h"`
	NurtureMaxAttempts     int           `envconfig:"NURTURE_MAX_ATTEMPTS" default:"4"`

	AgentMaxIterations int           `envconfig:"AGENT_MAX_ITERATIONS" default:"6"`
	AgentParseRetries  int           `envconfig:"AGENT_PARSE_RETRIES" default:"1"`
	JobPollInterval    time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"2s"`
}

// maxNurtureAttempts is the attempt count after the last nurture step
// (SMS, voice call, final email).
const maxNurtureAttempts = 4

// Load reads .env (a missing file is fine) and decodes the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.NurtureMaxAttempts < 1 || c.NurtureMaxAttempts > maxNurtureAttempts {
		return fmt.Errorf("NURTURE_MAX_ATTEMPTS must be between 1 and %d, got %d", maxNurtureAttempts, c.NurtureMaxAttempts)
	}
	if c.NurtureArchiveAfter < 0 {
		return fmt.Errorf("NURTURE_ARCHIVE_AFTER must not be negative, got %s", c.NurtureArchiveAfter)
	}
	if c.AgentMaxIterations < 1 {
		return fmt.Errorf("AGENT_MAX_ITERATIONS must be at least 1, got %d", c.AgentMaxIterations)
	}
	if c.AgentParseRetries < 0 {
		return fmt.Errorf("AGENT_PARSE_RETRIES must not be negative, got %d", c.AgentParseRetries)
	}
	return nil
}

// Location returns the clinic's time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.ClinicTimezone)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// AppDSN is DATABASE_URL, or a SQLite file in the state directory.
func (c *Config) AppDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultAppDBFileName)
}

// WhatsAppDSN is WHATSAPP_DB_DSN, or a SQLite file in the state directory.
func (c *Config) WhatsAppDSN() string {
	if c.WhatsAppDBDSN != "" {
		return c.WhatsAppDBDSN
	}
	return "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// VapiWebhookURL is where Vapi posts tool calls and call reports.
func (c *Config) VapiWebhookURL() string {
	if c.ServerBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.ServerBaseURL, "/") + "/webhooks/vapi"
}

// LogValue keeps secrets out of logs.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("state_dir", c.StateDir),
		slog.Bool("database_url_set", c.DatabaseURL != ""),
		slog.String("api_addr", c.APIAddr),
		slog.String("openai_model", c.OpenAIModel),
		slog.Bool("openai_key_set", c.OpenAIKey != ""),
		slog.Bool("smtp_set", c.SMTPHost != ""),
		slog.Bool("twilio_set", c.TwilioAccountSID != "" && c.TwilioAuthToken != ""),
		slog.Bool("whatsapp_enabled", c.WhatsAppEnabled),
		slog.Bool("vapi_set", c.VapiAPIKey != ""),
		slog.Bool("redis_set", c.RedisAddr != ""),
		slog.Bool("jwt_secret_set", c.JWTSecret != ""),
		slog.String("clinic", c.ClinicName),
		slog.String("timezone", c.ClinicTimezone),
		slog.String("nurture_schedule", c.NurtureSchedule),
	)
}
