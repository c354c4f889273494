package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/knowledge"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/openai/openai-go"
)

// Category is the triage classification of an inquiry.
type Category string

const (
	CategoryEmergency       Category = "Emergency"
	CategoryInsuranceQuery  Category = "Insurance_Query"
	CategorySchedulingQuery Category = "Scheduling_Query"
	CategoryServiceInquiry  Category = "Service_Inquiry"
	CategoryGeneralFollowUp Category = "General_Follow_Up"
)

const (
	emptyInquirySummary      = "The lead did not include an inquiry."
	triageKnowledgeResultCap = 3
)

func isValidCategory(c Category) bool {
	switch c {
	case CategoryEmergency, CategoryInsuranceQuery, CategorySchedulingQuery, CategoryServiceInquiry, CategoryGeneralFollowUp:
		return true
	}
	return false
}

// TriageResult is the classifier output.
type TriageResult struct {
	Category    Category `json:"category"`
	IsEmergency bool     `json:"is_emergency"`
	Summary     string   `json:"summary"`
	SearchQuery string   `json:"search_query"`
	// Degraded is set when the model output could not be used and defaults applied.
	Degraded bool `json:"-"`
}

func defaultTriage(inquiry string) TriageResult {
	summary := strings.TrimSpace(inquiry)
	if summary == "" {
		summary = emptyInquirySummary
	}
	return TriageResult{Category: CategoryGeneralFollowUp, Summary: summary, Degraded: true}
}

// ParseTriageResult decodes classifier output, falling back to a general
// follow-up with the raw inquiry as the summary.
func ParseTriageResult(raw, inquiry string) TriageResult {
	body := extractJSONObject(raw)
	var r TriageResult
	if body == "" || json.Unmarshal([]byte(body), &r) != nil {
		return defaultTriage(inquiry)
	}
	r.Category = Category(strings.TrimSpace(string(r.Category)))
	if !isValidCategory(r.Category) {
		return defaultTriage(inquiry)
	}
	if r.Category == CategoryEmergency {
		r.IsEmergency = true
	}
	r.Summary = strings.TrimSpace(r.Summary)
	if r.Summary == "" {
		r.Summary = strings.TrimSpace(inquiry)
	}
	r.SearchQuery = strings.TrimSpace(r.SearchQuery)
	return r
}

// TriageOutcome reports what a triage run did.
type TriageOutcome struct {
	Skipped    bool
	Result     TriageResult
	Channel    models.Channel
	Status     models.LeadStatus
	ProviderID string
}

// TriageAgent classifies a new lead, sends the first message and starts nurturing.
type TriageAgent struct {
	leads       LeadRepository
	llm         genai.ClientInterface
	sender      Messenger
	kb          knowledge.Searcher
	writer      *FollowUpWriter
	clinicName  string
	replyDomain string
}

// TriageOption configures a TriageAgent.
type TriageOption func(*TriageAgent)

// WithTriageKnowledge enables knowledge-base lookups for non-emergency leads.
func WithTriageKnowledge(kb knowledge.Searcher) TriageOption {
	return func(a *TriageAgent) { a.kb = kb }
}

// WithTriageReplyDomain sets the domain of the tracking Reply-To address.
func WithTriageReplyDomain(domain string) TriageOption {
	return func(a *TriageAgent) { a.replyDomain = domain }
}

func NewTriageAgent(leads LeadRepository, llm genai.ClientInterface, sender Messenger, clinicName string, opts ...TriageOption) *TriageAgent {
	a := &TriageAgent{
		leads:      leads,
		llm:        llm,
		sender:     sender,
		clinicName: clinicName,
		writer:     NewFollowUpWriter(llm, clinicName),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Classify runs the triage classifier. An empty inquiry skips the model.
// Only a failed model call is returned as an error.
func (a *TriageAgent) Classify(ctx context.Context, inquiry string) (TriageResult, error) {
	if strings.TrimSpace(inquiry) == "" {
		r := defaultTriage(inquiry)
		r.Degraded = false
		return r, nil
	}
	system, err := renderPrompt("triage.tmpl", map[string]string{"ClinicName": a.clinicName})
	if err != nil {
		return TriageResult{}, err
	}
	raw, err := a.llm.GenerateJSON(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(fmt.Sprintf("Inquiry: %q", inquiry)),
	})
	if err != nil {
		return TriageResult{}, fmt.Errorf("triage classification failed: %w", err)
	}
	r := ParseTriageResult(raw, inquiry)
	if r.Degraded {
		slog.Warn("TriageAgent.Classify: unusable classifier output, using defaults", "raw", raw)
	}
	return r, nil
}

// Run triages the lead. Leads that have left the new status are skipped.
// The message is sent before anything is written; if sending fails the lead
// is left untouched and the error is returned so the job retries.
func (a *TriageAgent) Run(ctx context.Context, leadID string) (*TriageOutcome, error) {
	lead, err := a.leads.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.Status != models.LeadStatusNew {
		slog.Info("TriageAgent.Run: lead already triaged, skipping", "leadID", leadID, "status", lead.Status)
		return &TriageOutcome{Skipped: true, Status: lead.Status}, nil
	}

	result, err := a.Classify(ctx, lead.InquiryNotes)
	if err != nil {
		return nil, err
	}
	slog.Info("TriageAgent.Run: classified", "leadID", leadID, "category", result.Category,
		"emergency", result.IsEmergency, "degraded", result.Degraded)

	ch := outboundChannel(a.sender, lead, lead.Channel())
	var content FollowUp
	status := models.LeadStatusNurturing
	if result.IsEmergency {
		content = a.emergencyMessage(lead, ch)
		status = models.LeadStatusNeedsImmediateAttention
	} else {
		kbInfo := ""
		if a.kb != nil && result.SearchQuery != "" {
			hits, err := a.kb.Search(ctx, result.SearchQuery, triageKnowledgeResultCap)
			if err != nil {
				slog.Warn("TriageAgent.Run: knowledge search failed", "leadID", leadID, "error", err)
			} else {
				kbInfo = knowledge.FormatResults(hits)
			}
		}
		content = a.writer.Write(ctx, FollowUpRequest{
			Lead: lead, Attempt: 1, Channel: ch, Summary: result.Summary, KnowledgeInfo: kbInfo,
		})
	}

	msg := messaging.Message{
		LeadID:  lead.ID,
		To:      lead.AddressFor(ch),
		Name:    lead.FullName(),
		Subject: content.Subject,
		Body:    content.Body,
		ReplyTo: messaging.ReplyAddress(lead.ID, a.replyDomain),
	}
	providerID, err := a.sender.Send(ctx, ch, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send triage message: %w", err)
	}

	lead.Status = status
	lead.AISummary = fmt.Sprintf("[%s] %s", result.Category, result.Summary)
	if status == models.LeadStatusNurturing {
		lead.NurtureAttempts = 1
	}
	comm := models.Communication{
		Type:      ch.CommunicationType(),
		Direction: models.DirectionOutgoingAuto,
		Content:   formatLoggedMessage(ch, content),
	}
	if err := a.leads.UpdateLead(ctx, lead, comm); err != nil {
		slog.Error("TriageAgent.Run: message sent but lead update failed", "leadID", leadID, "providerID", providerID, "error", err)
		return nil, err
	}
	return &TriageOutcome{Result: result, Channel: ch, Status: status, ProviderID: providerID}, nil
}

func (a *TriageAgent) emergencyMessage(lead *models.Lead, ch models.Channel) FollowUp {
	if ch != models.ChannelEmail {
		return FollowUp{Body: fmt.Sprintf("Hi %s, this is %s. We've flagged your inquiry as urgent and a member of our team will call you shortly.",
			lead.DisplayName(), a.clinicName)}
	}
	return FollowUp{
		Subject: "Urgent Inquiry Received - " + a.clinicName,
		Body: fmt.Sprintf("Hi %s,\n\nThank you for your inquiry. We've flagged it for immediate review due to its urgent nature.\n\n"+
			"A member of our team will call you shortly.\n\nSincerely,\nThe %s Team", lead.DisplayName(), a.clinicName),
	}
}

// formatLoggedMessage renders outbound content for the communication log.
func formatLoggedMessage(ch models.Channel, content FollowUp) string {
	if ch == models.ChannelEmail && content.Subject != "" {
		return fmt.Sprintf("Subject: %s\n\n%s", content.Subject, content.Body)
	}
	return content.Body
}
