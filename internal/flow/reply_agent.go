package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/openai/openai-go"
)

// AgentState is a state of the reply agent's decision loop.
type AgentState string

const (
	StateDeciding      AgentState = "deciding"
	StateExecutingTool AgentState = "executing_tool"
	StateReplying      AgentState = "replying"
	StateEscalated     AgentState = "escalated"
	StateDone          AgentState = "done"
)

const (
	DefaultMaxIterations = 6
	DefaultParseRetries  = 1
	maxHistoryMessages   = 30
)

// IterationLimitRationale is recorded when the loop ends without a terminal action.
const IterationLimitRationale = "The assistant did not reach a final answer within the allowed number of steps."

// ReplyOutcome reports what a reply agent run did.
type ReplyOutcome struct {
	State      AgentState
	Iterations int
	Decision   Decision
	ToolCalls  []models.ToolName
	Channel    models.Channel
	ProviderID string
	// Degraded is set when the final decision is the parse-failure fallback.
	Degraded bool
}

// ReplyAgent answers an inbound message by looping over model decisions.
type ReplyAgent struct {
	leads         LeadRepository
	llm           genai.ClientInterface
	tools         *ToolRegistry
	sender        Messenger
	clinicName    string
	replyDomain   string
	loc           *time.Location
	now           func() time.Time
	maxIterations int
	parseRetries  int
}

// ReplyOption configures a ReplyAgent.
type ReplyOption func(*ReplyAgent)

func WithMaxIterations(n int) ReplyOption {
	return func(a *ReplyAgent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithParseRetries sets how many times a malformed decision is sent back to
// the model before the escalation fallback applies.
func WithParseRetries(n int) ReplyOption {
	return func(a *ReplyAgent) {
		if n >= 0 {
			a.parseRetries = n
		}
	}
}

func WithReplyDomain(domain string) ReplyOption {
	return func(a *ReplyAgent) { a.replyDomain = domain }
}

func WithClinicName(name string) ReplyOption {
	return func(a *ReplyAgent) { a.clinicName = name }
}

func WithLocation(loc *time.Location) ReplyOption {
	return func(a *ReplyAgent) {
		if loc != nil {
			a.loc = loc
		}
	}
}

func NewReplyAgent(leads LeadRepository, llm genai.ClientInterface, tools *ToolRegistry, sender Messenger, opts ...ReplyOption) *ReplyAgent {
	a := &ReplyAgent{
		leads:         leads,
		llm:           llm,
		tools:         tools,
		sender:        sender,
		clinicName:    "our clinic",
		loc:           time.UTC,
		now:           time.Now,
		maxIterations: DefaultMaxIterations,
		parseRetries:  DefaultParseRetries,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run answers the lead's latest inbound message. It does nothing when the
// lead is not in a conversational status or the latest message was already
// answered. A lead converted by a booking made while answering that message
// still gets its reply, so a retried job confirms the booking. Model and
// delivery failures are returned so the job can retry.
func (a *ReplyAgent) Run(ctx context.Context, leadID string) (*ReplyOutcome, error) {
	lead, err := a.leads.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	comms, err := a.leads.ListCommunications(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if !awaitingAutomatedReply(lead.Status, comms) {
		slog.Info("ReplyAgent.Run: lead not awaiting an automated reply", "leadID", leadID, "status", lead.Status)
		return &ReplyOutcome{State: StateDone}, nil
	}
	latest, ok := latestConversational(comms)
	if !ok || latest.Direction != models.DirectionIncoming {
		slog.Info("ReplyAgent.Run: no unanswered inbound message", "leadID", leadID)
		return &ReplyOutcome{State: StateDone}, nil
	}

	messages, err := a.buildMessages(lead, comms)
	if err != nil {
		return nil, err
	}

	out := &ReplyOutcome{State: StateDeciding}
	retriesLeft := a.parseRetries
	for out.Iterations < a.maxIterations {
		out.Iterations++
		raw, err := a.llm.GenerateJSON(ctx, messages)
		if err != nil {
			slog.Error("ReplyAgent.Run: model call failed", "leadID", leadID, "iteration", out.Iterations, "error", err)
			return nil, fmt.Errorf("reply agent model call failed: %w", err)
		}

		decision, err := ParseDecision(raw)
		if err != nil {
			if retriesLeft > 0 {
				retriesLeft--
				slog.Warn("ReplyAgent.Run: malformed decision, asking again", "leadID", leadID, "error", err)
				messages = append(messages,
					openai.AssistantMessage(raw),
					openai.UserMessage("Your last response was not usable: "+err.Error()+". Respond with exactly one JSON object as instructed."),
				)
				continue
			}
			slog.Warn("ReplyAgent.Run: malformed decision, escalating", "leadID", leadID, "error", err)
			decision = EscalationFallback("")
			out.Degraded = true
		}
		out.Decision = decision
		slog.Info("ReplyAgent.Run: decision", "leadID", leadID, "iteration", out.Iterations,
			"action", decision.Action, "tool", decision.ToolName)

		switch decision.Action {
		case ActionUseTool:
			out.State = StateExecutingTool
			out.ToolCalls = append(out.ToolCalls, decision.ToolName)
			result, err := a.tools.Dispatch(ctx, decision.ToolName, decision.Parameters, leadID)
			if err != nil {
				result = "Error: " + err.Error()
			}
			messages = append(messages,
				openai.AssistantMessage(raw),
				openai.UserMessage(fmt.Sprintf("Tool result for %s: %s", decision.ToolName, result)),
			)
			out.State = StateDeciding
		case ActionReplyToUser:
			out.State = StateReplying
			if err := a.reply(ctx, leadID, latest, decision, out); err != nil {
				return nil, err
			}
			out.State = StateDone
			return out, nil
		case ActionEscalateToHuman:
			if err := escalateLead(ctx, a.leads, leadID, decision.Rationale); err != nil {
				return nil, err
			}
			out.State = StateEscalated
			return out, nil
		}
	}

	slog.Warn("ReplyAgent.Run: iteration limit reached, escalating", "leadID", leadID, "iterations", out.Iterations)
	out.Decision = EscalationFallback(IterationLimitRationale)
	if err := escalateLead(ctx, a.leads, leadID, IterationLimitRationale); err != nil {
		return nil, err
	}
	out.State = StateEscalated
	return out, nil
}

func (a *ReplyAgent) reply(ctx context.Context, leadID string, latest models.Communication, d Decision, out *ReplyOutcome) error {
	// Tools may have changed the lead; work from the stored row.
	lead, err := a.leads.GetLead(ctx, leadID)
	if err != nil {
		return err
	}
	preferred := latest.Channel()
	if preferred == "" {
		preferred = lead.Channel()
	}
	ch := outboundChannel(a.sender, lead, preferred)
	msg := messaging.Message{
		LeadID:  lead.ID,
		To:      lead.AddressFor(ch),
		Name:    lead.FullName(),
		Subject: "Re: Your inquiry with " + a.clinicName,
		Body:    d.Reply,
		ReplyTo: messaging.ReplyAddress(lead.ID, a.replyDomain),
	}
	id, err := a.sender.Send(ctx, ch, msg)
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	out.Channel, out.ProviderID = ch, id

	if d.Rationale != "" {
		lead.AISummary = d.Rationale
	}
	lead.AIDraftedReply = d.Reply
	comm := models.Communication{
		Type:      ch.CommunicationType(),
		Direction: models.DirectionOutgoingAuto,
		Content:   formatLoggedMessage(ch, FollowUp{Subject: msg.Subject, Body: d.Reply}),
	}
	if err := a.leads.UpdateLead(ctx, lead, comm); err != nil {
		slog.Error("ReplyAgent.reply: reply sent but lead update failed", "leadID", leadID, "providerID", id, "error", err)
		return err
	}
	return nil
}

func awaitingAutomatedReply(status models.LeadStatus, comms []models.Communication) bool {
	switch status {
	case models.LeadStatusResponded, models.LeadStatusNurturing:
		return true
	case models.LeadStatusConverted:
		return bookedSinceLastMessage(comms)
	}
	return false
}

// bookedSinceLastMessage reports whether a booking note follows the newest
// message exchanged with the lead.
func bookedSinceLastMessage(comms []models.Communication) bool {
	for i := len(comms) - 1; i >= 0; i-- {
		if comms[i].Type != models.CommunicationTypeNote {
			return false
		}
		if strings.HasPrefix(comms[i].Content, bookingNotePrefix) {
			return true
		}
	}
	return false
}

// latestConversational returns the newest message exchanged with the lead,
// ignoring staff notes.
func latestConversational(comms []models.Communication) (models.Communication, bool) {
	for i := len(comms) - 1; i >= 0; i-- {
		if comms[i].Type != models.CommunicationTypeNote {
			return comms[i], true
		}
	}
	return models.Communication{}, false
}

func (a *ReplyAgent) buildMessages(lead *models.Lead, comms []models.Communication) ([]openai.ChatCompletionMessageParamUnion, error) {
	system, err := renderPrompt("reply_agent.tmpl", map[string]interface{}{
		"AssistantName": DefaultAssistantName,
		"ClinicName":    a.clinicName,
		"Today":         FormatDay(a.now(), a.loc) + ", " + a.now().In(a.loc).Format("2006"),
		"TimeZone":      a.loc.String(),
		"LeadName":      lead.FullName(),
		"Inquiry":       lead.InquiryNotes,
		"Status":        string(lead.Status),
		"Tools":         a.tools.Describe(),
	})
	if err != nil {
		return nil, err
	}
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}

	if len(comms) > maxHistoryMessages {
		comms = comms[len(comms)-maxHistoryMessages:]
	}
	for _, c := range comms {
		switch {
		case c.Type == models.CommunicationTypeNote:
			messages = append(messages, openai.SystemMessage("Staff note: "+c.Content))
		case c.Type == models.CommunicationTypePhoneCall:
			messages = append(messages, openai.SystemMessage("Phone call log: "+c.Content))
		case c.Direction == models.DirectionIncoming:
			messages = append(messages, openai.UserMessage(c.Content))
		default:
			messages = append(messages, openai.AssistantMessage(c.Content))
		}
	}
	return messages, nil
}
