package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	jobBaseBackoff = 30 * time.Second
	jobMaxBackoff  = 30 * time.Minute
	// jobTimeout bounds one handler run. Agent jobs make several model calls.
	jobTimeout = 5 * time.Minute
)

// JobHandler executes a job given its payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner polls for due jobs and dispatches them to handlers by kind.
// Triage and reply-agent runs go through it so a crash or a provider outage
// delays the work instead of losing it.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// NewJobRunner creates a runner polling every pollInterval (default 2s).
func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: 2 * jobTimeout,
		claimLimit:     10,
		now:            time.Now,
	}
}

// retryBackoff doubles from 30s per failed attempt, capped at 30m.
func retryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 10 {
		return jobMaxBackoff
	}
	return min(jobBaseBackoff<<attempt, jobMaxBackoff)
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RegisterLeadHandler registers a handler for a lead-scoped job kind.
func (r *JobRunner) RegisterLeadHandler(kind string, handler func(ctx context.Context, leadID string) error) {
	r.RegisterHandler(kind, func(ctx context.Context, payload string) error {
		var p LeadJobPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		if p.LeadID == "" {
			return fmt.Errorf("%s payload missing lead_id", kind)
		}
		return handler(ctx, p.LeadID)
	})
}

// EnqueueLeadJob schedules a lead-scoped job to run now.
func EnqueueLeadJob(ctx context.Context, repo JobRepo, kind, leadID, dedupeKey string) (string, error) {
	payload, err := json.Marshal(LeadJobPayload{LeadID: leadID})
	if err != nil {
		return "", fmt.Errorf("failed to encode job payload: %w", err)
	}
	return repo.EnqueueJob(ctx, kind, time.Now(), string(payload), dedupeKey)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	staleBefore := r.now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: started", "pollInterval", r.pollInterval)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		r.RunDue(ctx)
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunDue claims and executes the jobs that are due now and returns how many
// completed.
func (r *JobRunner) RunDue(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunDue: claim failed", "error", err)
		return 0
	}
	completed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			// Unfinished claims are requeued by RecoverStaleJobs on the next start.
			break
		}
		if r.runJob(ctx, job, now) {
			completed++
		}
	}
	return completed
}

func (r *JobRunner) runJob(ctx context.Context, job Job, now time.Time) bool {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("JobRunner.runJob: no handler for job kind", "kind", job.Kind, "id", job.ID)
		r.fail(ctx, job, "no handler registered for kind: "+job.Kind, now.Add(time.Minute))
		return false
	}

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	slog.Debug("JobRunner.runJob: executing", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(jobCtx, job.PayloadJSON); err != nil {
		next := now.Add(retryBackoff(job.Attempt))
		slog.Error("JobRunner.runJob: job failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "retryAt", next, "error", err)
		r.fail(ctx, job, err.Error(), next)
		return false
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.runJob: failed to mark job done", "id", job.ID, "error", err)
		return false
	}
	slog.Debug("JobRunner.runJob: job done", "id", job.ID, "kind", job.Kind)
	return true
}

func (r *JobRunner) fail(ctx context.Context, job Job, msg string, next time.Time) {
	if err := r.repo.FailJob(ctx, job.ID, msg, next); err != nil {
		slog.Error("JobRunner.fail: failed to record job failure", "id", job.ID, "error", err)
	}
}
