package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/knowledge"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Plan is a priced clinic service.
type Plan struct {
	Price   int
	Details string
}

// DefaultPlanCatalog lists the services quoted without a knowledge-base lookup.
var DefaultPlanCatalog = map[string]Plan{
	"checkup":   {Price: 75, Details: "A standard dental check-up and cleaning."},
	"whitening": {Price: 350, Details: "Our professional teeth whitening service."},
}

// PlanNotFoundMessage is returned when neither the catalog nor the knowledge base has an answer.
const PlanNotFoundMessage = "I'm sorry, I couldn't find details for that specific plan."

// ClinicToolsConfig carries the dependencies of the clinic tools.
type ClinicToolsConfig struct {
	Leads     LeadRepository
	Slots     SlotRepository
	Knowledge knowledge.Searcher // optional
	Catalog   map[string]Plan    // defaults to DefaultPlanCatalog
	Location  *time.Location     // clinic time zone, defaults to UTC
	Now       func() time.Time
	// BookedBy records who booked, e.g. models.BookedByAIAgent.
	BookedBy string
}

func (c *ClinicToolsConfig) defaults() {
	if c.Catalog == nil {
		c.Catalog = DefaultPlanCatalog
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.BookedBy == "" {
		c.BookedBy = models.BookedByAIAgent
	}
}

// NewClinicToolRegistry builds the registry of clinic tools.
func NewClinicToolRegistry(cfg ClinicToolsConfig) *ToolRegistry {
	cfg.defaults()
	return NewToolRegistry(
		&LookupPlanTool{catalog: cfg.Catalog, kb: cfg.Knowledge},
		&LookupSlotsTool{slots: cfg.Slots, loc: cfg.Location, now: cfg.Now},
		&BookAppointmentTool{slots: cfg.Slots, leads: cfg.Leads, loc: cfg.Location, now: cfg.Now, method: cfg.BookedBy},
		&EscalateTool{leads: cfg.Leads},
		&OptOutTool{leads: cfg.Leads},
	)
}

// LookupPlanTool answers pricing and service questions.
type LookupPlanTool struct {
	catalog map[string]Plan
	kb      knowledge.Searcher
}

func (t *LookupPlanTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        models.ToolLookupPlan,
		Description: "Get the price and details of a clinic service or answer a question about the clinic, e.g. \"checkup\", \"whitening\", \"do you accept Delta Dental?\".",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The service name or question",
				},
				"plan_name": map[string]interface{}{
					"type":        "string",
					"description": "Alternative to query: the service name only",
				},
			},
		},
	}
}

func (t *LookupPlanTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p models.LookupPlanParams
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	subject := strings.ToLower(p.Subject())

	names := make([]string, 0, len(t.catalog))
	for name := range t.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(subject, name) {
			plan := t.catalog[name]
			return fmt.Sprintf("The %s service costs $%d and includes: %s", name, plan.Price, plan.Details), nil
		}
	}

	if t.kb != nil {
		results, err := t.kb.Search(ctx, p.Subject(), 2)
		if err != nil {
			slog.Warn("LookupPlanTool.Execute: knowledge search failed", "error", err)
		} else if len(results) > 0 {
			return "Here is what our clinic information says:\n" + knowledge.FormatResults(results), nil
		}
	}
	return PlanNotFoundMessage, nil
}

// LookupSlotsTool lists open appointment times for one day.
type LookupSlotsTool struct {
	slots SlotRepository
	loc   *time.Location
	now   func() time.Time
}

func (t *LookupSlotsTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        models.ToolLookupSlots,
		Description: "List available appointment times for a day such as \"tuesday\", \"tomorrow\" or \"2025-10-21\".",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"day": map[string]interface{}{
					"type":        "string",
					"description": "The day to check",
				},
			},
			"required": []string{"day"},
		},
	}
}

func (t *LookupSlotsTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p models.LookupSlotsParams
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	day, err := ParseDay(p.Day, t.now(), t.loc)
	if err != nil {
		return fmt.Sprintf("I'm sorry, I couldn't tell which day you meant by %q.", p.Day), nil
	}
	from := day
	if now := t.now(); now.After(from) {
		from = now
	}
	slots, err := t.slots.ListSlots(ctx, from, day.AddDate(0, 0, 1), models.SlotStatusAvailable)
	if err != nil {
		return "", err
	}
	if len(slots) == 0 {
		return fmt.Sprintf("I'm sorry, I don't see any available slots for %s.", FormatDay(day, t.loc)), nil
	}
	times := make([]string, len(slots))
	for i, s := range slots {
		times[i] = FormatSlotTime(s.StartTime, t.loc)
	}
	return fmt.Sprintf("For %s, we have the following slots available: %s.", FormatDay(day, t.loc), strings.Join(times, ", ")), nil
}

// bookingNotePrefix starts the note written when a slot is booked.
const bookingNotePrefix = "Appointment booked for "

// BookAppointmentTool books the slot starting at the requested date and time.
// A successful booking converts the lead and logs a note.
type BookAppointmentTool struct {
	slots  SlotRepository
	leads  LeadRepository
	loc    *time.Location
	now    func() time.Time
	method string
}

func (t *BookAppointmentTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        models.ToolBookAppointment,
		Description: "Book an appointment. Use ONLY after the patient has confirmed a specific date and time.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"date":   map[string]interface{}{"type": "string", "description": "Day of the appointment, e.g. \"tuesday\" or \"2025-10-21\""},
				"time":   map[string]interface{}{"type": "string", "description": "Start time, e.g. \"2pm\" or \"14:00\""},
				"reason": map[string]interface{}{"type": "string", "description": "Reason for the visit"},
				models.LeadIDParam: map[string]interface{}{"type": "string"},
			},
			"required": []string{"date", "time", models.LeadIDParam},
		},
	}
}

func (t *BookAppointmentTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p models.BookAppointmentParams
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	start, err := ParseSlotStart(p.Date, p.Time, t.now(), t.loc)
	if err != nil {
		return fmt.Sprintf("I'm sorry, I couldn't understand %s at %s. Could you give the day and time again?", p.Date, p.Time), nil
	}
	when := fmt.Sprintf("%s at %s", FormatDay(start, t.loc), FormatSlotTime(start, t.loc))
	if !start.After(t.now()) {
		return unavailableSlotMessage(when), nil
	}

	slot, err := t.slots.FindSlotByStart(ctx, start)
	if errors.Is(err, models.ErrSlotNotFound) {
		return fmt.Sprintf("I'm sorry, we don't have an appointment slot on %s. Please choose one of the available times.", when), nil
	}
	if err != nil {
		return "", err
	}

	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "general visit"
	}
	if _, err := t.slots.BookSlot(ctx, slot.ID, p.LeadID, reason, t.method); err != nil {
		if errors.Is(err, models.ErrSlotUnavailable) {
			return unavailableSlotMessage(when), nil
		}
		return "", err
	}
	slog.Info("BookAppointmentTool.Execute: slot booked", "leadID", p.LeadID, "slotID", slot.ID, "start", start)

	lead, err := t.leads.GetLead(ctx, p.LeadID)
	if err != nil {
		slog.Error("BookAppointmentTool.Execute: lead lookup after booking failed", "leadID", p.LeadID, "error", err)
	} else {
		if models.CanTransition(lead.Status, models.LeadStatusConverted) {
			lead.Status = models.LeadStatusConverted
		}
		note := models.Communication{
			Type:      models.CommunicationTypeNote,
			Direction: models.DirectionOutgoingAuto,
			Content:   fmt.Sprintf("%s%s (%s) by %s.", bookingNotePrefix, when, reason, t.method),
		}
		if err := t.leads.UpdateLead(ctx, lead, note); err != nil {
			slog.Error("BookAppointmentTool.Execute: lead update after booking failed", "leadID", p.LeadID, "error", err)
		}
	}

	return fmt.Sprintf("Great! I have successfully booked your appointment for a %s on %s. You will receive a confirmation message shortly.", reason, when), nil
}

func unavailableSlotMessage(when string) string {
	return fmt.Sprintf("I'm sorry, the %s slot is no longer available. Would another time work?", when)
}

// EscalateTool hands the lead to staff.
type EscalateTool struct {
	leads LeadRepository
}

// EscalationReplyText is what the lead is told after an escalation.
const EscalationReplyText = "I've passed this to our team, and a staff member will reach out to you shortly."

func (t *EscalateTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        models.ToolEscalate,
		Description: "Hand the conversation to a human staff member, e.g. for emergencies, complaints or questions you cannot answer.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"reason":           map[string]interface{}{"type": "string", "description": "Why a human is needed"},
				models.LeadIDParam: map[string]interface{}{"type": "string"},
			},
			"required": []string{models.LeadIDParam},
		},
	}
}

func (t *EscalateTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p models.EscalateParams
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	if err := escalateLead(ctx, t.leads, p.LeadID, p.Reason); err != nil {
		return "", err
	}
	return EscalationReplyText, nil
}

// escalateLead moves the lead to needs_immediate_attention when the lattice
// allows it and records the reason as a note and as the AI summary.
func escalateLead(ctx context.Context, leads LeadRepository, leadID, reason string) error {
	lead, err := leads.GetLead(ctx, leadID)
	if err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "No reason given."
	}
	if models.CanTransition(lead.Status, models.LeadStatusNeedsImmediateAttention) {
		lead.Status = models.LeadStatusNeedsImmediateAttention
	}
	lead.AISummary = reason
	note := models.Communication{
		Type:      models.CommunicationTypeNote,
		Direction: models.DirectionOutgoingAuto,
		Content:   "Escalated to staff: " + reason,
	}
	if err := leads.UpdateLead(ctx, lead, note); err != nil {
		return fmt.Errorf("failed to escalate lead: %w", err)
	}
	slog.Info("flow.escalateLead: lead escalated", "leadID", leadID, "status", lead.Status)
	return nil
}

// OptOutTool archives the lead as not interested so nurturing and automated
// replies stop.
type OptOutTool struct {
	leads LeadRepository
}

// OptOutReplyText is what the lead is told after opting out.
const OptOutReplyText = "Understood. We've removed you from our follow-up list and won't contact you again. If you change your mind, just reply to this message."

func (t *OptOutTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        models.ToolOptOut,
		Description: "Stop all follow-ups when the patient says they are not interested or asks not to be contacted again.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"reason":           map[string]interface{}{"type": "string", "description": "What the patient said"},
				models.LeadIDParam: map[string]interface{}{"type": "string"},
			},
			"required": []string{models.LeadIDParam},
		},
	}
}

func (t *OptOutTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var p models.OptOutParams
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	lead, err := t.leads.GetLead(ctx, p.LeadID)
	if err != nil {
		return "", err
	}
	if !models.CanTransition(lead.Status, models.LeadStatusArchivedNotInterested) {
		slog.Info("OptOutTool.Execute: lead already closed", "leadID", p.LeadID, "status", lead.Status)
		return OptOutReplyText, nil
	}
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "asked not to be contacted"
	}
	lead.Status = models.LeadStatusArchivedNotInterested
	lead.AISummary = "Opted out: " + reason
	note := models.Communication{
		Type:      models.CommunicationTypeNote,
		Direction: models.DirectionOutgoingAuto,
		Content:   "Lead opted out: " + reason,
	}
	if err := t.leads.UpdateLead(ctx, lead, note); err != nil {
		return "", fmt.Errorf("failed to archive lead: %w", err)
	}
	slog.Info("OptOutTool.Execute: lead archived as not interested", "leadID", p.LeadID)
	return OptOutReplyText, nil
}
