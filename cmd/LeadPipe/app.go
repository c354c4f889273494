package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/knowledge"
	"github.com/BTreeMap/LeadPipe/internal/leadlock"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliomsg"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
	"github.com/redis/go-redis/v9"
)

const redisLockTTL = 2 * time.Minute

var errNoLLM = errors.New("OPENAI_API_KEY is required for this command")

// app holds the wired components shared by the commands.
type app struct {
	cfg     *config.Config
	loc     *time.Location
	store   store.Backend
	llm     *genai.Client // nil without OPENAI_API_KEY
	kb      *knowledge.Service
	sender  *messaging.Dispatcher
	locker  leadlock.Locker
	voice   *flow.ToolRegistry
	triage  *flow.TriageAgent
	reply   *flow.ReplyAgent
	nurture *scheduler.NurtureEngine

	closers []func()
}

// buildApp opens the store and wires every collaborator the configuration
// enables. Senders that are not configured are skipped; the matching channels
// are reported as unavailable to the agents and the nurture engine.
func buildApp(ctx context.Context, cfg *config.Config, withWhatsApp bool) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	a := &app{cfg: cfg, loc: loc}
	st, err := store.Open(cfg.AppDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, func() { st.Close() })

	if cfg.OpenAIKey != "" {
		a.llm, err = genai.NewClient(buildGenAIOptions(cfg)...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		a.kb = knowledge.NewService(st, a.llm)
	} else {
		slog.Warn("buildApp: OPENAI_API_KEY not set; agents disabled and follow-ups use fixed copy")
	}

	a.locker = leadlock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb, err := leadlock.OpenRedis(ctx, cfg.RedisAddr)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.locker = leadlock.NewRedisLocker(rdb, redisLockTTL)
		a.closers = append(a.closers, func() { closeRedis(rdb) })
		slog.Info("buildApp: using Redis lead locks", "addr", cfg.RedisAddr)
	}

	a.voice = flow.NewClinicToolRegistry(a.toolsConfig(models.BookedByVoice))
	if err := a.buildDispatcher(ctx, withWhatsApp); err != nil {
		a.Close()
		return nil, err
	}

	var llm genai.ClientInterface
	var kb knowledge.Searcher
	if a.llm != nil {
		llm = a.llm
		kb = a.kb
		a.triage = flow.NewTriageAgent(st, llm, a.sender, cfg.ClinicName,
			flow.WithTriageKnowledge(kb),
			flow.WithTriageReplyDomain(cfg.ReplyDomain),
		)
		a.reply = flow.NewReplyAgent(st, llm, flow.NewClinicToolRegistry(a.toolsConfig(models.BookedByAIAgent)), a.sender,
			flow.WithMaxIterations(cfg.AgentMaxIterations),
			flow.WithParseRetries(cfg.AgentParseRetries),
			flow.WithReplyDomain(cfg.ReplyDomain),
			flow.WithClinicName(cfg.ClinicName),
			flow.WithLocation(loc),
		)
	}
	a.nurture = scheduler.NewNurtureEngine(st, a.sender, flow.NewFollowUpWriter(llm, cfg.ClinicName), kb, a.locker,
		scheduler.NurtureConfig{
			SMSAfter:        cfg.NurtureSMSAfter,
			CallAfter:       cfg.NurtureCallAfter,
			FinalEmailAfter: cfg.NurtureFinalEmailAfter,
			ArchiveAfter:    cfg.NurtureArchiveAfter,
			MaxAttempts:     cfg.NurtureMaxAttempts,
			ClinicName:      cfg.ClinicName,
			ReplyDomain:     cfg.ReplyDomain,
		})
	return a, nil
}

func (a *app) toolsConfig(bookedBy string) flow.ClinicToolsConfig {
	cfg := flow.ClinicToolsConfig{
		Leads:    a.store,
		Slots:    a.store,
		Location: a.loc,
		BookedBy: bookedBy,
	}
	if a.kb != nil {
		cfg.Knowledge = a.kb
	}
	return cfg
}

// buildDispatcher registers one sender per configured channel.
func (a *app) buildDispatcher(ctx context.Context, withWhatsApp bool) error {
	cfg := a.cfg
	a.sender = messaging.NewDispatcher()

	if cfg.SMTPHost != "" {
		smtp, err := messaging.NewSMTPSender(buildSMTPOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("failed to configure SMTP: %w", err)
		}
		a.sender.Register(models.ChannelEmail, smtp)
	}

	if cfg.TwilioAccountSID != "" && cfg.TwilioPhoneNumber != "" {
		sms, err := twiliomsg.NewClient(buildTwilioOptions(cfg, cfg.TwilioPhoneNumber)...)
		if err != nil {
			return fmt.Errorf("failed to configure Twilio SMS: %w", err)
		}
		a.sender.Register(models.ChannelSMS, messaging.NewPhoneSender("twilio-sms", sms))
	}

	switch {
	case cfg.TwilioAccountSID != "" && cfg.TwilioWhatsAppNumber != "":
		wa, err := twiliomsg.NewClient(append(buildTwilioOptions(cfg, cfg.TwilioWhatsAppNumber), twiliomsg.WithWhatsApp())...)
		if err != nil {
			return fmt.Errorf("failed to configure Twilio WhatsApp: %w", err)
		}
		a.sender.Register(models.ChannelWhatsApp, messaging.NewPhoneSender("twilio-whatsapp", wa))
	case cfg.WhatsAppEnabled && withWhatsApp:
		wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("failed to link WhatsApp: %w", err)
		}
		a.closers = append(a.closers, wa.Close)
		a.sender.Register(models.ChannelWhatsApp, messaging.NewPhoneSender("whatsmeow", wa))
	}

	if cfg.VapiAPIKey != "" {
		voice, err := messaging.NewVapiSender(buildVapiOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("failed to configure Vapi: %w", err)
		}
		voice.SystemPrompt = flow.VoiceSystemPrompt(cfg.ClinicName)
		voice.Tools = a.voice.VoiceTools()
		a.sender.Register(models.ChannelVoice, voice)
	}

	var enabled []models.Channel
	for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelWhatsApp, models.ChannelVoice} {
		if a.sender.Has(ch) {
			enabled = append(enabled, ch)
		}
	}
	slog.Info("buildApp: channels configured", "channels", enabled)
	return nil
}

func (a *app) requireLLM() error {
	if a.llm == nil {
		return errNoLLM
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func closeRedis(rdb *redis.Client) {
	if err := rdb.Close(); err != nil {
		slog.Warn("app.Close: failed to close Redis client", "error", err)
	}
}

func buildGenAIOptions(cfg *config.Config) []genai.Option {
	opts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.OpenAIEmbeddingModel != "" {
		opts = append(opts, genai.WithEmbeddingModel(cfg.OpenAIEmbeddingModel))
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	return opts
}

func buildSMTPOptions(cfg *config.Config) []messaging.SMTPOption {
	opts := []messaging.SMTPOption{
		messaging.WithSMTPHost(cfg.SMTPHost, cfg.SMTPPort),
		messaging.WithSender(cfg.SenderEmail, cfg.ClinicName),
	}
	if cfg.SMTPUser != "" {
		opts = append(opts, messaging.WithSMTPAuth(cfg.SMTPUser, cfg.SMTPPassword))
	}
	return opts
}

func buildTwilioOptions(cfg *config.Config, from string) []twiliomsg.Option {
	return []twiliomsg.Option{
		twiliomsg.WithAccountSID(cfg.TwilioAccountSID),
		twiliomsg.WithAuthToken(cfg.TwilioAuthToken),
		twiliomsg.WithFrom(from),
	}
}

func buildWhatsAppOptions(cfg *config.Config) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN())}
	if cfg.WhatsAppQROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsAppQROutput))
	}
	return opts
}

func buildVapiOptions(cfg *config.Config) []messaging.VapiOption {
	opts := []messaging.VapiOption{
		messaging.WithVapiKey(cfg.VapiAPIKey),
		messaging.WithVapiPhoneNumberID(cfg.VapiPhoneNumberID),
		messaging.WithVapiAssistantID(cfg.VapiAssistantID),
	}
	if url := cfg.VapiWebhookURL(); url != "" {
		opts = append(opts, messaging.WithVapiWebhookURL(url))
	}
	return opts
}
