// Package api serves LeadPipe's HTTP surface: lead intake, the admin
// endpoints, and the inbound webhooks for email, SMS and voice.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/auth"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/knowledge"
	"github.com/BTreeMap/LeadPipe/internal/leadlock"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/twilio/twilio-go/client"
)

const (
	DefaultAddr     = ":8080"
	shutdownTimeout = 15 * time.Second
	maxBodyBytes    = 1 << 20
	maxUploadBytes  = 10 << 20
)

// KnowledgeBase is the knowledge service as used by the admin endpoints.
type KnowledgeBase interface {
	Ingest(ctx context.Context, title, text string) (int, error)
	Search(ctx context.Context, query string, k int) ([]knowledge.Result, error)
}

// Opts holds optional server settings.
type Opts struct {
	Addr            string
	Auth            *auth.Manager
	Locker          leadlock.Locker
	Location        *time.Location
	VoiceTools      *flow.ToolRegistry
	Knowledge       KnowledgeBase
	VapiSecret      string
	TwilioAuthToken string
	PublicBaseURL   string
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAuth protects the admin endpoints with bearer tokens.
func WithAuth(m *auth.Manager) Option {
	return func(o *Opts) { o.Auth = m }
}

// WithLocker shares the per-lead lock with the job runner and scheduler.
func WithLocker(l leadlock.Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithLocation sets the clinic time zone used for slot generation.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithVoiceTools sets the registry used to answer Vapi tool calls.
func WithVoiceTools(r *flow.ToolRegistry) Option {
	return func(o *Opts) { o.VoiceTools = r }
}

// WithKnowledge enables the knowledge-base endpoints.
func WithKnowledge(kb KnowledgeBase) Option {
	return func(o *Opts) { o.Knowledge = kb }
}

// WithVapiSecret requires Vapi webhooks to carry the shared secret.
func WithVapiSecret(secret string) Option {
	return func(o *Opts) { o.VapiSecret = secret }
}

// WithTwilioValidation checks X-Twilio-Signature on the SMS webhook.
// publicBaseURL is the externally visible origin Twilio signs against.
func WithTwilioValidation(authToken, publicBaseURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.PublicBaseURL = publicBaseURL
	}
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st         store.Store
	jobs       store.JobRepo
	dedup      store.DedupRepo
	locker     leadlock.Locker
	auth       *auth.Manager
	loc        *time.Location
	voiceTools *flow.ToolRegistry
	kb         KnowledgeBase
	vapiSecret string
	twilio     *client.RequestValidator
	publicURL  string
	addr       string
	now        func() time.Time
}

// NewServer creates a Server backed by the given storage backend.
func NewServer(backend store.Backend, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = leadlock.NewLocalLocker()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Server{
		st:         backend,
		jobs:       backend,
		dedup:      backend,
		locker:     cfg.Locker,
		auth:       cfg.Auth,
		loc:        cfg.Location,
		voiceTools: cfg.VoiceTools,
		kb:         cfg.Knowledge,
		vapiSecret: cfg.VapiSecret,
		publicURL:  cfg.PublicBaseURL,
		addr:       cfg.Addr,
		now:        time.Now,
	}
	if cfg.TwilioAuthToken != "" {
		v := client.NewRequestValidator(cfg.TwilioAuthToken)
		s.twilio = &v
	}
	if s.auth == nil {
		slog.Warn("NewServer: JWT_SECRET not set, admin endpoints are unauthenticated")
	}
	return s
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	admin := func(h http.HandlerFunc) http.Handler {
		return auth.RequireRole(s.auth, auth.RoleAdmin, h)
	}

	mux.HandleFunc("GET /health", s.healthHandler)

	// Intake is public; it is what the clinic's website form posts to.
	mux.HandleFunc("POST /leads", s.createLeadHandler)
	mux.Handle("POST /leads/upload", admin(s.uploadLeadsHandler))
	mux.Handle("GET /leads", admin(s.listLeadsHandler))
	mux.Handle("GET /leads/{id}", admin(s.getLeadHandler))
	mux.Handle("PUT /leads/{id}/status", admin(s.updateLeadStatusHandler))

	mux.Handle("POST /appointments/bulk", admin(s.bulkSlotsHandler))
	mux.Handle("GET /appointments", admin(s.listSlotsHandler))
	mux.Handle("PUT /appointments/{id}/book", admin(s.bookSlotHandler))

	mux.Handle("GET /dashboard/metrics", admin(s.metricsHandler))
	mux.Handle("POST /knowledge-base", admin(s.ingestKnowledgeHandler))
	mux.Handle("POST /knowledge-base/search", admin(s.searchKnowledgeHandler))

	mux.HandleFunc("POST /webhooks/email-reply", s.emailReplyWebhookHandler)
	mux.HandleFunc("POST /webhooks/sms", s.smsWebhookHandler)
	mux.HandleFunc("POST /webhooks/vapi", s.vapiWebhookHandler)

	return logRequests(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("Server: request handled", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if _, err := s.st.ListLeads(ctx, models.LeadStatusNeedsImmediateAttention); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		health["status"] = "degraded"
		health["error"] = "database unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, code, health)
}
