package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/knowledge"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

func newTriageFixture(inquiry string, responses ...string) (*TriageAgent, *memStore, *fakeLLM, *fakeMessenger) {
	s := newMemStore()
	s.addLead(models.Lead{ID: "lead-1", FirstName: "Jane", Email: "jane@example.com", InquiryNotes: inquiry})
	llm := &fakeLLM{responses: responses}
	msgr := newFakeMessenger(models.ChannelEmail)
	agent := NewTriageAgent(s, llm, msgr, "Bright Smile Clinic", WithTriageReplyDomain("mail.brightsmile.example"))
	return agent, s, llm, msgr
}

func TestTriageEmergency(t *testing.T) {
	agent, s, _, msgr := newTriageFixture("severe tooth pain, swelling",
		`{"category":"Emergency","is_emergency":true,"summary":"Patient reports severe pain and swelling."}`)

	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Result.IsEmergency || out.Status != models.LeadStatusNeedsImmediateAttention {
		t.Errorf("unexpected outcome %+v", out)
	}
	lead, _ := s.GetLead(context.Background(), "lead-1")
	if lead.Status != models.LeadStatusNeedsImmediateAttention || lead.NurtureAttempts != 0 {
		t.Errorf("unexpected lead %+v", lead)
	}
	if len(msgr.sent) != 1 || !strings.Contains(msgr.sent[0].msg.Body, "call you shortly") {
		t.Fatalf("emergency message not sent: %+v", msgr.sent)
	}
	if msgr.sent[0].msg.ReplyTo != "replies+lead-1@mail.brightsmile.example" {
		t.Errorf("missing tracking reply-to: %q", msgr.sent[0].msg.ReplyTo)
	}
	comms, _ := s.ListCommunications(context.Background(), "lead-1")
	if len(comms) != 1 || comms[0].Direction != models.DirectionOutgoingAuto {
		t.Errorf("expected one outgoing communication, got %+v", comms)
	}
}

func TestTriageEmptyInquiry(t *testing.T) {
	agent, s, llm, msgr := newTriageFixture("", `{"subject":"Hello","body":"Checking in!"}`)

	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Category != CategoryGeneralFollowUp || out.Result.IsEmergency || out.Result.Summary != emptyInquirySummary {
		t.Errorf("unexpected triage %+v", out.Result)
	}
	// Only the follow-up writer consults the model.
	if llm.calls != 1 {
		t.Errorf("classifier should be skipped, got %d model calls", llm.calls)
	}
	lead, _ := s.GetLead(context.Background(), "lead-1")
	if lead.Status != models.LeadStatusNurturing || lead.NurtureAttempts != 1 {
		t.Errorf("unexpected lead %+v", lead)
	}
	if len(msgr.sent) != 1 || msgr.sent[0].msg.Subject != "Hello" {
		t.Errorf("unexpected message %+v", msgr.sent)
	}
}

func TestTriageMalformedClassifierDefaults(t *testing.T) {
	agent, _, _, _ := newTriageFixture("do you do implants", "no json here")
	r, err := agent.Classify(context.Background(), "do you do implants")
	if err != nil {
		t.Fatal(err)
	}
	if r.Category != CategoryGeneralFollowUp || r.IsEmergency || r.Summary != "do you do implants" || !r.Degraded {
		t.Errorf("unexpected default %+v", r)
	}
}

func TestParseTriageResultUnknownCategory(t *testing.T) {
	r := ParseTriageResult(`{"category":"Billing","is_emergency":false,"summary":"x"}`, "raw text")
	if r.Category != CategoryGeneralFollowUp || r.Summary != "raw text" {
		t.Errorf("unknown category not defaulted: %+v", r)
	}
}

func TestTriageUsesKnowledgeSearch(t *testing.T) {
	agent, _, llm, _ := newTriageFixture("Do you take Delta Dental?",
		`{"category":"Insurance_Query","is_emergency":false,"summary":"Insurance question","search_query":"delta dental"}`,
		`{"subject":"Your insurance question","body":"Yes, we accept it."}`)
	agent.kb = fakeSearcher{results: []knowledge.Result{{Title: "insurance", Content: "We accept Delta Dental PPO."}}}

	if _, err := agent.Run(context.Background(), "lead-1"); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range llm.lastMsgs {
		b, _ := m.MarshalJSON()
		if strings.Contains(string(b), "Delta Dental PPO") {
			found = true
		}
	}
	if !found {
		t.Error("knowledge results were not passed to the follow-up writer")
	}
}

func TestTriageSkipsNonNewLead(t *testing.T) {
	agent, s, llm, _ := newTriageFixture("hello")
	lead, _ := s.GetLead(context.Background(), "lead-1")
	lead.Status = models.LeadStatusNurturing
	s.UpdateLead(context.Background(), lead)

	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil || !out.Skipped {
		t.Fatalf("expected skip, got %+v, %v", out, err)
	}
	if llm.calls != 0 {
		t.Error("model should not be called for triaged leads")
	}
}

func TestTriageSendFailureLeavesLeadUntouched(t *testing.T) {
	agent, s, _, msgr := newTriageFixture("cleaning price?",
		`{"category":"Service_Inquiry","is_emergency":false,"summary":"Price question"}`,
		`{"subject":"s","body":"b"}`)
	msgr.err = errors.New("smtp down")

	if _, err := agent.Run(context.Background(), "lead-1"); err == nil {
		t.Fatal("expected error")
	}
	lead, _ := s.GetLead(context.Background(), "lead-1")
	if lead.Status != models.LeadStatusNew || lead.NurtureAttempts != 0 {
		t.Errorf("lead changed after failed send: %+v", lead)
	}
	comms, _ := s.ListCommunications(context.Background(), "lead-1")
	if len(comms) != 0 {
		t.Errorf("communication logged after failed send")
	}
}
