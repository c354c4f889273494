package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/textproto"
	"regexp"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/leadlock"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type inboundOutcome int

const (
	inboundQueued    inboundOutcome = iota // logged and the reply agent queued
	inboundLogged                          // logged only; staff handle the lead
	inboundDuplicate                       // provider retry of a message already seen
	inboundOptedOut                        // lead archived as not interested
)

// inboundEvent is a message from a lead, normalized across providers.
type inboundEvent struct {
	ProviderID string
	LeadID     string
	Comm       models.Communication
	// Engaged marks the lead as having responded, which halts nurturing.
	Engaged bool
	// RunAgent queues the reply agent for leads it may answer.
	RunAgent bool
	// OptOut archives the lead as not interested instead of queuing a reply.
	OptOut bool
}

// acceptInbound records an inbound event under the lead's lock and queues the
// reply agent when appropriate. Leads that need a human or are closed only
// get the message logged.
func (s *Server) acceptInbound(ctx context.Context, ev inboundEvent) (inboundOutcome, error) {
	outcome := inboundLogged
	err := leadlock.WithLock(ctx, s.locker, ev.LeadID, func(ctx context.Context) error {
		lead, err := s.st.GetLead(ctx, ev.LeadID)
		if err != nil {
			return err
		}
		if ev.ProviderID != "" {
			fresh, err := s.dedup.RecordInbound(ctx, ev.ProviderID, lead.ID)
			if err != nil {
				return err
			}
			if !fresh {
				outcome = inboundDuplicate
				return nil
			}
		}

		comm := ev.Comm
		comm.LeadID = lead.ID
		if ev.OptOut && lead.Status != models.LeadStatusArchivedNotInterested &&
			models.CanTransition(lead.Status, models.LeadStatusArchivedNotInterested) {
			lead.Status = models.LeadStatusArchivedNotInterested
			note := models.Communication{
				Type:      models.CommunicationTypeNote,
				Direction: models.DirectionOutgoingAuto,
				Content:   "Lead opted out by keyword: " + comm.Content,
			}
			if err := s.st.UpdateLead(ctx, lead, comm, note); err != nil {
				return err
			}
			outcome = inboundOptedOut
			slog.Info("Server.acceptInbound: lead opted out", "leadID", lead.ID)
			return nil
		}
		switch lead.Status {
		case models.LeadStatusNew, models.LeadStatusNurturing:
			if ev.Engaged {
				lead.Status = models.LeadStatusResponded
				if err := s.st.UpdateLead(ctx, lead, comm); err != nil {
					return err
				}
				slog.Info("Server.acceptInbound: lead responded, nurturing halted", "leadID", lead.ID)
			} else if err := s.st.AddCommunication(ctx, &comm); err != nil {
				return err
			}
			if ev.RunAgent && ev.Engaged {
				outcome = inboundQueued
			}
		case models.LeadStatusResponded:
			if err := s.st.AddCommunication(ctx, &comm); err != nil {
				return err
			}
			if ev.RunAgent {
				outcome = inboundQueued
			}
		default:
			if err := s.st.AddCommunication(ctx, &comm); err != nil {
				return err
			}
			slog.Info("Server.acceptInbound: message logged without automation", "leadID", lead.ID, "status", lead.Status)
		}
		return nil
	})
	if err != nil {
		return outcome, err
	}

	if outcome == inboundQueued {
		dedupeKey := ""
		if ev.ProviderID != "" {
			dedupeKey = "reply:" + ev.ProviderID
		}
		if _, err := store.EnqueueLeadJob(ctx, s.jobs, store.JobKindReplyAgent, ev.LeadID, dedupeKey); err != nil {
			return outcome, fmt.Errorf("failed to queue reply agent: %w", err)
		}
	}
	if ev.ProviderID != "" && outcome != inboundDuplicate {
		if err := s.dedup.MarkProcessed(ctx, ev.ProviderID); err != nil {
			slog.Warn("Server.acceptInbound: failed to mark message processed", "messageID", ev.ProviderID, "error", err)
		}
	}
	return outcome, nil
}

func writeInboundOutcome(w http.ResponseWriter, outcome inboundOutcome) {
	switch outcome {
	case inboundQueued:
		writeJSONResponse(w, http.StatusOK, models.Accepted("Reply being processed."))
	case inboundDuplicate:
		writeJSONResponse(w, http.StatusOK, models.Ignored("Duplicate message."))
	case inboundOptedOut:
		writeJSONResponse(w, http.StatusOK, models.Ignored("Lead opted out; no further contact."))
	default:
		writeJSONResponse(w, http.StatusOK, models.Ignored("Message logged; no automated reply for this lead."))
	}
}

// emailReplyWebhookHandler handles POST /webhooks/email-reply, the SendGrid
// inbound parse hook. The lead is identified by the replies+<lead-id>@ tag in
// "to", falling back to the sender address.
func (s *Server) emailReplyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		slog.Warn("Server.emailReplyWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form payload"))
		return
	}
	ctx := r.Context()

	leadID, ok := messaging.ParseReplyAddress(r.FormValue("to"))
	if !ok {
		if addr, err := mail.ParseAddress(r.FormValue("from")); err == nil {
			if lead, err := s.st.GetLeadByEmail(ctx, addr.Address); err == nil {
				leadID, ok = lead.ID, true
			}
		}
	}
	if !ok {
		slog.Warn("Server.emailReplyWebhookHandler: no lead id in recipient", "to", r.FormValue("to"))
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Could not parse Lead ID from 'To' address."))
		return
	}

	text := r.FormValue("text")
	body := stripQuotedReply(text)
	if body == "" {
		body = strings.TrimSpace(text)
	}
	content := body
	if subject := strings.TrimSpace(r.FormValue("subject")); subject != "" {
		content = fmt.Sprintf("Subject: %s\n\n%s", subject, body)
	}

	outcome, err := s.acceptInbound(ctx, inboundEvent{
		ProviderID: messageIDFromHeaders(r.FormValue("headers")),
		LeadID:     leadID,
		Comm:       models.Communication{Type: models.CommunicationTypeEmail, Direction: models.DirectionIncoming, Content: content},
		Engaged:    true,
		RunAgent:   true,
	})
	if err != nil {
		writeError(w, "emailReplyWebhookHandler", err)
		return
	}
	slog.Info("Server.emailReplyWebhookHandler: reply received", "leadID", leadID, "outcome", outcome)
	writeInboundOutcome(w, outcome)
}

// messageIDFromHeaders extracts Message-ID from the raw header block SendGrid forwards.
func messageIDFromHeaders(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	tp := textproto.NewReader(bufio.NewReader(strings.NewReader(strings.TrimRight(raw, "\n") + "\n\n")))
	h, err := tp.ReadMIMEHeader()
	if err != nil && len(h) == 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
}

var quoteMarker = regexp.MustCompile(`(?m)^(On .+ wrote:|-{2,} ?Original Message ?-{2,}|From: .+|>.*)$`)

// stripQuotedReply drops the quoted thread below a reply.
func stripQuotedReply(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if loc := quoteMarker.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	return strings.TrimSpace(text)
}

// smsWebhookHandler handles POST /webhooks/sms from Twilio for both SMS and
// WhatsApp. The reply is sent later by the agent, so the TwiML is empty.
func (s *Server) smsWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if s.twilio != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		url := strings.TrimRight(s.publicURL, "/") + r.URL.RequestURI()
		if !s.twilio.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.smsWebhookHandler: invalid Twilio signature", "url", url)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	from := r.PostForm.Get("From")
	commType := models.CommunicationTypeSMS
	if strings.HasPrefix(from, "whatsapp:") {
		commType = models.CommunicationTypeWhatsApp
	}
	phone, err := messaging.CanonicalizePhone(from)
	if err != nil {
		slog.Warn("Server.smsWebhookHandler: invalid sender", "from", from, "error", err)
		http.Error(w, "invalid sender", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	lead, err := s.leadByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, models.ErrLeadNotFound) {
			// Unknown numbers are acknowledged so Twilio does not retry.
			slog.Info("Server.smsWebhookHandler: message from unknown number", "from", phone)
			writeTwiML(w)
			return
		}
		slog.Error("Server.smsWebhookHandler: lead lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	body := strings.TrimSpace(r.PostForm.Get("Body"))
	outcome, err := s.acceptInbound(ctx, inboundEvent{
		ProviderID: r.PostForm.Get("MessageSid"),
		LeadID:     lead.ID,
		Comm:       models.Communication{Type: commType, Direction: models.DirectionIncoming, Content: body},
		Engaged:    true,
		RunAgent:   true,
		OptOut:     messaging.IsOptOutKeyword(body),
	})
	if err != nil {
		slog.Error("Server.smsWebhookHandler: failed to accept message", "leadID", lead.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("Server.smsWebhookHandler: message received", "leadID", lead.ID, "type", commType, "outcome", outcome)
	writeTwiML(w)
}

// leadByPhone tolerates leads stored with or without the leading plus.
func (s *Server) leadByPhone(ctx context.Context, phone string) (*models.Lead, error) {
	lead, err := s.st.GetLeadByPhone(ctx, phone)
	if errors.Is(err, models.ErrLeadNotFound) && strings.HasPrefix(phone, "+") {
		return s.st.GetLeadByPhone(ctx, strings.TrimPrefix(phone, "+"))
	}
	return lead, err
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(emptyTwiML))
}

type vapiEnvelope struct {
	Message vapiMessage `json:"message"`
}

type vapiMessage struct {
	Type         string         `json:"type"`
	ToolCallList []vapiToolCall `json:"toolCallList"`
	Call         vapiCall       `json:"call"`
	Summary      string         `json:"summary"`
	Transcript   string         `json:"transcript"`
	EndedReason  string         `json:"endedReason"`
	Analysis     struct {
		Summary string `json:"summary"`
	} `json:"analysis"`
}

type vapiCall struct {
	ID       string                 `json:"id"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (c vapiCall) leadID() string {
	id, _ := c.Metadata["lead_id"].(string)
	return strings.TrimSpace(id)
}

type vapiToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type vapiToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
}

// vapiWebhookHandler handles POST /webhooks/vapi: tool calls made during a
// live call, and the end-of-call report.
func (s *Server) vapiWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.vapiSecret != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Vapi-Secret")), []byte(s.vapiSecret)) != 1 {
		slog.Warn("Server.vapiWebhookHandler: invalid secret")
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("invalid webhook secret"))
		return
	}
	var env vapiEnvelope
	if err := decodeJSON(w, r, &env); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	switch env.Message.Type {
	case "tool-calls":
		s.handleVapiToolCalls(r.Context(), w, env.Message)
	case "end-of-call-report":
		s.handleVapiCallReport(r.Context(), w, env.Message)
	default:
		slog.Debug("Server.vapiWebhookHandler: event ignored", "type", env.Message.Type)
		writeJSONResponse(w, http.StatusOK, models.Ignored("event type not handled"))
	}
}

func (s *Server) handleVapiToolCalls(ctx context.Context, w http.ResponseWriter, msg vapiMessage) {
	if s.voiceTools == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("voice tools are not configured"))
		return
	}
	leadID := msg.Call.leadID()
	results := make([]vapiToolResult, 0, len(msg.ToolCallList))
	for _, tc := range msg.ToolCallList {
		res := vapiToolResult{ToolCallID: tc.ID}
		if leadID == "" {
			slog.Warn("Server.handleVapiToolCalls: call without lead metadata", "callID", msg.Call.ID, "tool", tc.Function.Name)
			res.Result = "Error: this call is not linked to a patient record."
			results = append(results, res)
			continue
		}
		err := leadlock.WithLock(ctx, s.locker, leadID, func(ctx context.Context) error {
			out, err := s.voiceTools.Dispatch(ctx, models.ToolName(tc.Function.Name), tc.Function.Arguments, leadID)
			res.Result = out
			return err
		})
		if err != nil {
			slog.Warn("Server.handleVapiToolCalls: tool failed", "leadID", leadID, "tool", tc.Function.Name, "error", err)
			res.Result = "Error: " + err.Error()
		}
		results = append(results, res)
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleVapiCallReport(ctx context.Context, w http.ResponseWriter, msg vapiMessage) {
	leadID := msg.Call.leadID()
	if leadID == "" {
		writeJSONResponse(w, http.StatusOK, models.Ignored("call is not linked to a lead"))
		return
	}
	summary := msg.Analysis.Summary
	if summary == "" {
		summary = msg.Summary
	}
	transcript := strings.TrimSpace(msg.Transcript)

	var b strings.Builder
	fmt.Fprintf(&b, "AI call ended (%s).", firstNonEmpty(msg.EndedReason, "unknown reason"))
	if summary != "" {
		fmt.Fprintf(&b, "\nSummary: %s", summary)
	}
	if transcript != "" {
		fmt.Fprintf(&b, "\n\nTranscript:\n%s", transcript)
	}

	ev := inboundEvent{
		LeadID: leadID,
		Comm: models.Communication{
			Type:      models.CommunicationTypePhoneCall,
			Direction: models.DirectionIncoming,
			Content:   b.String(),
		},
		// A real conversation halts nurturing. No written reply follows a call.
		Engaged: transcript != "",
	}
	if msg.Call.ID != "" {
		ev.ProviderID = "vapi-call:" + msg.Call.ID
	}
	if !ev.Engaged {
		ev.Comm.Direction = models.DirectionOutgoingAuto
	}
	outcome, err := s.acceptInbound(ctx, ev)
	if err != nil {
		writeError(w, "handleVapiCallReport", err)
		return
	}
	slog.Info("Server.handleVapiCallReport: call report logged", "leadID", leadID, "callID", msg.Call.ID, "engaged", ev.Engaged)
	writeInboundOutcome(w, outcome)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
