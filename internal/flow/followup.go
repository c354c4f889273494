package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/openai/openai-go"
)

const maxSMSLength = 320

// FollowUpRequest describes one follow-up message to write.
type FollowUpRequest struct {
	Lead          *models.Lead
	Attempt       int
	Channel       models.Channel
	Summary       string
	KnowledgeInfo string
	// Final requests the "last automated message" wording and an HTML rendition.
	Final bool
}

// FollowUp is generated message content. HTML is set only for final emails.
type FollowUp struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"-"`
}

// FollowUpWriter drafts nurture messages with the LLM and falls back to a
// fixed template when generation fails.
type FollowUpWriter struct {
	llm        genai.ClientInterface
	clinicName string
}

func NewFollowUpWriter(llm genai.ClientInterface, clinicName string) *FollowUpWriter {
	return &FollowUpWriter{llm: llm, clinicName: clinicName}
}

// Write never fails; generation errors produce the fallback content.
func (w *FollowUpWriter) Write(ctx context.Context, req FollowUpRequest) FollowUp {
	out, err := w.generate(ctx, req)
	if err != nil {
		slog.Warn("FollowUpWriter.Write: using fallback content", "leadID", req.Lead.ID, "attempt", req.Attempt, "error", err)
		out = w.fallback(req)
	}
	if req.Channel == models.ChannelSMS || req.Channel == models.ChannelWhatsApp {
		out.Body = truncateRunes(out.Body, maxSMSLength)
	}
	if req.Final && req.Channel == models.ChannelEmail {
		html, err := w.renderFinalHTML(req, out)
		if err != nil {
			slog.Error("FollowUpWriter.Write: html rendering failed", "leadID", req.Lead.ID, "error", err)
		} else {
			out.HTML = html
		}
	}
	return out
}

func (w *FollowUpWriter) generate(ctx context.Context, req FollowUpRequest) (FollowUp, error) {
	if w.llm == nil {
		return FollowUp{}, fmt.Errorf("no language model configured")
	}
	prompt, err := renderPrompt("followup.tmpl", map[string]interface{}{
		"ClinicName":    w.clinicName,
		"FirstName":     req.Lead.DisplayName(),
		"Inquiry":       req.Lead.InquiryNotes,
		"Summary":       req.Summary,
		"Attempt":       req.Attempt,
		"Channel":       string(req.Channel),
		"KnowledgeInfo": req.KnowledgeInfo,
		"Final":         req.Final,
	})
	if err != nil {
		return FollowUp{}, err
	}
	raw, err := w.llm.GenerateJSON(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage("You are a helpful marketing assistant for a dental clinic. You must return a JSON object with 'subject' and 'body' keys."),
		openai.UserMessage(prompt),
	})
	if err != nil {
		return FollowUp{}, err
	}
	var out FollowUp
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &out); err != nil {
		return FollowUp{}, fmt.Errorf("malformed follow-up JSON: %w", err)
	}
	out.Subject = strings.TrimSpace(out.Subject)
	out.Body = strings.TrimSpace(out.Body)
	if out.Body == "" {
		return FollowUp{}, fmt.Errorf("follow-up body is empty")
	}
	if out.Subject == "" {
		out.Subject = w.defaultSubject()
	}
	return out, nil
}

func (w *FollowUpWriter) defaultSubject() string {
	return "A quick follow-up from " + w.clinicName
}

func (w *FollowUpWriter) fallback(req FollowUpRequest) FollowUp {
	topic := strings.TrimSpace(req.Lead.InquiryNotes)
	if topic == "" {
		topic = "your dental care"
	}
	body := fmt.Sprintf("Hi %s, just checking in on your recent inquiry about %s. Reply any time and we'll be happy to help.",
		req.Lead.DisplayName(), truncateRunes(topic, 120))
	if req.Final {
		body = fmt.Sprintf("Hi %s, this is our last automated follow-up about your inquiry regarding %s. "+
			"If you'd still like to visit, reply to this message and we'll offer you a free consultation.",
			req.Lead.DisplayName(), truncateRunes(topic, 120))
	}
	return FollowUp{Subject: w.defaultSubject(), Body: body}
}

func (w *FollowUpWriter) renderFinalHTML(req FollowUpRequest, content FollowUp) (string, error) {
	var paragraphs []string
	for _, p := range strings.Split(content.Body, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	var buf bytes.Buffer
	err := emailTemplates.ExecuteTemplate(&buf, "final_email.html", map[string]interface{}{
		"Subject":       content.Subject,
		"FirstName":     req.Lead.DisplayName(),
		"Paragraphs":    paragraphs,
		"KnowledgeInfo": req.KnowledgeInfo,
		"ClinicName":    w.clinicName,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}
