package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func TestFollowUpWriterFallback(t *testing.T) {
	w := NewFollowUpWriter(&fakeLLM{err: errors.New("down")}, "Bright Smile Clinic")
	lead := &models.Lead{ID: "l", FirstName: "Jane", InquiryNotes: "braces"}
	out := w.Write(context.Background(), FollowUpRequest{Lead: lead, Attempt: 2, Channel: models.ChannelSMS})
	if !strings.Contains(out.Body, "Jane") || !strings.Contains(out.Body, "braces") {
		t.Errorf("unexpected fallback %+v", out)
	}
	if out.Subject != "A quick follow-up from Bright Smile Clinic" {
		t.Errorf("unexpected subject %q", out.Subject)
	}
}

func TestFollowUpWriterFinalEmailHTML(t *testing.T) {
	w := NewFollowUpWriter(&fakeLLM{responses: []string{`{"subject":"Last chance","body":"First line.\nSecond <line>."}`}}, "Bright Smile Clinic")
	lead := &models.Lead{ID: "l", FirstName: "Jane"}
	out := w.Write(context.Background(), FollowUpRequest{
		Lead: lead, Attempt: 4, Channel: models.ChannelEmail, Final: true, KnowledgeInfo: "Free consults this month",
	})
	if out.Subject != "Last chance" {
		t.Errorf("unexpected subject %q", out.Subject)
	}
	for _, want := range []string{"<p>First line.</p>", "Second &lt;line&gt;.", "Free consults this month", "Hi Jane"} {
		if !strings.Contains(out.HTML, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func TestFollowUpWriterTruncatesSMS(t *testing.T) {
	long := strings.Repeat("word ", 200)
	w := NewFollowUpWriter(&fakeLLM{responses: []string{`{"subject":"","body":"` + long + `"}`}}, "Clinic")
	out := w.Write(context.Background(), FollowUpRequest{Lead: &models.Lead{ID: "l"}, Attempt: 2, Channel: models.ChannelSMS})
	if n := utf8.RuneCountInString(out.Body); n > maxSMSLength {
		t.Errorf("sms body has %d runes", n)
	}
	if out.HTML != "" {
		t.Error("html only for final emails")
	}
}
