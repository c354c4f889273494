package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/knowledge"
	"github.com/BTreeMap/LeadPipe/internal/leadlock"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Default cadence. Each threshold is measured from the lead's last update.
const (
	DefaultSMSAfter        = 48 * time.Hour
	DefaultCallAfter       = 48 * time.Hour
	DefaultFinalEmailAfter = 48 * time.Hour
	DefaultArchiveAfter    = 48 * time.Hour
	DefaultMaxAttempts     = 4
)

// Attempt counter values at which each step fires.
const (
	stepSMS        = 1
	stepVoice      = 2
	stepFinalEmail = 3
)

// LeadStore is the part of the store the nurture engine uses.
type LeadStore interface {
	ListLeads(ctx context.Context, status models.LeadStatus) ([]models.Lead, error)
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	UpdateLead(ctx context.Context, lead *models.Lead, comms ...models.Communication) error
}

// NurtureConfig holds the cadence and branding of nurture messages. Zero
// thresholds take the defaults, except ArchiveAfter where only a negative
// value does.
type NurtureConfig struct {
	SMSAfter        time.Duration
	CallAfter       time.Duration
	FinalEmailAfter time.Duration
	ArchiveAfter    time.Duration
	MaxAttempts     int
	ClinicName      string
	ReplyDomain     string
}

func (c *NurtureConfig) defaults() {
	if c.SMSAfter <= 0 {
		c.SMSAfter = DefaultSMSAfter
	}
	if c.CallAfter <= 0 {
		c.CallAfter = DefaultCallAfter
	}
	if c.FinalEmailAfter <= 0 {
		c.FinalEmailAfter = DefaultFinalEmailAfter
	}
	// Zero archives on the first sweep after the final step.
	if c.ArchiveAfter < 0 {
		c.ArchiveAfter = DefaultArchiveAfter
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned  int
	Advanced int
	Archived int
	Waiting  int
	Failed   int
}

type stepOutcome int

const (
	outcomeWaiting stepOutcome = iota
	outcomeAdvanced
	outcomeArchived
)

// NurtureEngine advances nurturing leads through SMS, voice call and final
// email, then archives them.
type NurtureEngine struct {
	leads  LeadStore
	sender flow.Messenger
	writer *flow.FollowUpWriter
	kb     knowledge.Searcher
	locker leadlock.Locker
	cfg    NurtureConfig
	now    func() time.Time
}

// NewNurtureEngine creates an engine. kb may be nil.
func NewNurtureEngine(leads LeadStore, sender flow.Messenger, writer *flow.FollowUpWriter, kb knowledge.Searcher, locker leadlock.Locker, cfg NurtureConfig) *NurtureEngine {
	cfg.defaults()
	if locker == nil {
		locker = leadlock.NewLocalLocker()
	}
	return &NurtureEngine{leads: leads, sender: sender, writer: writer, kb: kb, locker: locker, cfg: cfg, now: time.Now}
}

// Sweep processes every nurturing lead once. A failure on one lead is
// logged and counted without stopping the sweep.
func (e *NurtureEngine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	leads, err := e.leads.ListLeads(ctx, models.LeadStatusNurturing)
	if err != nil {
		slog.Error("NurtureEngine.Sweep: failed to list leads", "error", err)
		return res, err
	}
	slog.Info("NurtureEngine.Sweep: started", "leads", len(leads))

	for _, l := range leads {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++
		var outcome stepOutcome
		err := leadlock.WithLock(ctx, e.locker, l.ID, func(ctx context.Context) error {
			var err error
			outcome, err = e.processLead(ctx, l.ID)
			return err
		})
		if err != nil {
			res.Failed++
			slog.Error("NurtureEngine.Sweep: lead failed", "leadID", l.ID, "error", err)
			continue
		}
		switch outcome {
		case outcomeAdvanced:
			res.Advanced++
		case outcomeArchived:
			res.Archived++
		default:
			res.Waiting++
		}
	}
	slog.Info("NurtureEngine.Sweep: finished", "scanned", res.Scanned, "advanced", res.Advanced,
		"archived", res.Archived, "waiting", res.Waiting, "failed", res.Failed)
	return res, nil
}

// Run is the cron entry point.
func (e *NurtureEngine) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	if _, err := e.Sweep(ctx); err != nil {
		slog.Error("NurtureEngine.Run: sweep failed", "error", err)
	}
}

func (e *NurtureEngine) processLead(ctx context.Context, leadID string) (stepOutcome, error) {
	// Re-read under the lock; a webhook may have moved the lead on.
	lead, err := e.leads.GetLead(ctx, leadID)
	if err != nil {
		return outcomeWaiting, err
	}
	if lead.Status != models.LeadStatusNurturing {
		return outcomeWaiting, nil
	}
	elapsed := e.now().Sub(lead.UpdatedAt)

	// Past the final step there is nothing left to send, whatever MaxAttempts says.
	if lead.NurtureAttempts >= e.cfg.MaxAttempts || lead.NurtureAttempts > stepFinalEmail {
		if elapsed < e.cfg.ArchiveAfter {
			return outcomeWaiting, nil
		}
		lead.Status = models.LeadStatusArchivedNoResponse
		note := models.Communication{
			Type:      models.CommunicationTypeNote,
			Direction: models.DirectionOutgoingAuto,
			Content:   fmt.Sprintf("Archived after %d nurture attempts without a response.", lead.NurtureAttempts),
		}
		if err := e.leads.UpdateLead(ctx, lead, note); err != nil {
			return outcomeWaiting, err
		}
		slog.Info("NurtureEngine.processLead: lead archived", "leadID", leadID, "attempts", lead.NurtureAttempts)
		return outcomeArchived, nil
	}

	switch {
	case lead.NurtureAttempts == stepSMS && elapsed > e.cfg.SMSAfter:
		return e.sendStep(ctx, lead, models.ChannelSMS)
	case lead.NurtureAttempts == stepVoice && elapsed > e.cfg.CallAfter:
		return e.sendStep(ctx, lead, models.ChannelVoice)
	case lead.NurtureAttempts == stepFinalEmail && elapsed > e.cfg.FinalEmailAfter:
		return e.sendStep(ctx, lead, models.ChannelEmail)
	}
	return outcomeWaiting, nil
}

// sendStep delivers one nurture message and advances the counter. Without an
// address or a configured channel the step is passed over; a failed send
// leaves the lead unchanged for the next sweep.
func (e *NurtureEngine) sendStep(ctx context.Context, lead *models.Lead, ch models.Channel) (stepOutcome, error) {
	attempt := lead.NurtureAttempts + 1
	address := lead.AddressFor(ch)
	if address == "" || !e.sender.Has(ch) {
		reason := "no address on file"
		if address != "" {
			reason = "channel not configured"
		}
		lead.NurtureAttempts = attempt
		note := models.Communication{
			Type:      models.CommunicationTypeNote,
			Direction: models.DirectionOutgoingAuto,
			Content:   fmt.Sprintf("Nurture step %d (%s) skipped: %s.", attempt, ch, reason),
		}
		if err := e.leads.UpdateLead(ctx, lead, note); err != nil {
			return outcomeWaiting, err
		}
		slog.Info("NurtureEngine.sendStep: step skipped", "leadID", lead.ID, "channel", ch, "reason", reason)
		return outcomeAdvanced, nil
	}

	msg := messaging.Message{LeadID: lead.ID, To: address, Name: lead.FullName()}
	var logged string
	if ch == models.ChannelVoice {
		msg.Body = flow.VoiceFirstMessage(e.cfg.ClinicName, lead.FirstName)
	} else {
		final := ch == models.ChannelEmail
		content := e.writer.Write(ctx, flow.FollowUpRequest{
			Lead:          lead,
			Attempt:       attempt,
			Channel:       ch,
			Summary:       lead.AISummary,
			KnowledgeInfo: e.knowledgeFor(ctx, lead),
			Final:         final,
		})
		msg.Subject, msg.Body, msg.HTMLBody = content.Subject, content.Body, content.HTML
		if final {
			msg.ReplyTo = messaging.ReplyAddress(lead.ID, e.cfg.ReplyDomain)
			logged = fmt.Sprintf("Subject: %s\n\n%s", content.Subject, content.Body)
		} else {
			logged = content.Body
		}
	}

	id, err := e.sender.Send(ctx, ch, msg)
	if err != nil {
		return outcomeWaiting, fmt.Errorf("nurture step %d via %s failed: %w", attempt, ch, err)
	}
	if ch == models.ChannelVoice {
		logged = "AI call initiated. Call ID: " + id
	}

	lead.NurtureAttempts = attempt
	comm := models.Communication{Type: ch.CommunicationType(), Direction: models.DirectionOutgoingAuto, Content: logged}
	if err := e.leads.UpdateLead(ctx, lead, comm); err != nil {
		slog.Error("NurtureEngine.sendStep: sent but lead update failed", "leadID", lead.ID, "providerID", id, "error", err)
		return outcomeWaiting, err
	}
	slog.Info("NurtureEngine.sendStep: step sent", "leadID", lead.ID, "channel", ch, "attempt", attempt, "providerID", id)
	return outcomeAdvanced, nil
}

func (e *NurtureEngine) knowledgeFor(ctx context.Context, lead *models.Lead) string {
	if e.kb == nil || lead.InquiryNotes == "" {
		return ""
	}
	hits, err := e.kb.Search(ctx, lead.InquiryNotes, 2)
	if err != nil {
		slog.Warn("NurtureEngine.knowledgeFor: search failed", "leadID", lead.ID, "error", err)
		return ""
	}
	return knowledge.FormatResults(hits)
}
