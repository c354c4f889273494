package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func newReplyFixture(t *testing.T, responses ...string) (*ReplyAgent, *memStore, *fakeLLM, *fakeMessenger) {
	t.Helper()
	s := newMemStore()
	s.addLead(models.Lead{
		ID: "lead-1", FirstName: "Jane", Email: "jane@example.com", PhoneNumber: "+15551234567",
		InquiryNotes: "Whitening prices?", Status: models.LeadStatusResponded,
	})
	s.addIncoming("lead-1", models.CommunicationTypeEmail, "Can I book a whitening on Tuesday at 2pm?")
	s.addSlot("s1", time.Date(2025, 10, 21, 14, 0, 0, 0, time.UTC))

	llm := &fakeLLM{responses: responses}
	msgr := newFakeMessenger(models.ChannelEmail, models.ChannelSMS)
	agent := NewReplyAgent(s, llm, newTestTools(s, nil), msgr, WithClinicName("Bright Smile Clinic"),
		WithReplyDomain("mail.brightsmile.example"))
	agent.now = func() time.Time { return testNow }
	return agent, s, llm, msgr
}

func TestReplyAgentMalformedDecisionEscalates(t *testing.T) {
	agent, s, llm, msgr := newReplyFixture(t, "this is not json")
	agent.parseRetries = 0

	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.State != StateEscalated || !out.Degraded || out.Decision.Action != ActionEscalateToHuman {
		t.Errorf("unexpected outcome %+v", out)
	}
	if llm.calls != 1 {
		t.Errorf("expected one model call, got %d", llm.calls)
	}
	lead, _ := s.GetLead(context.Background(), "lead-1")
	if lead.Status != models.LeadStatusNeedsImmediateAttention {
		t.Errorf("lead status = %s", lead.Status)
	}
	if len(msgr.sent) != 0 {
		t.Error("nothing should be sent on escalation")
	}
}

func TestReplyAgentRetriesParseOnce(t *testing.T) {
	agent, _, llm, msgr := newReplyFixture(t,
		"oops",
		`{"action":"reply_to_user","rationale":"simple answer","reply":"Hi Jane, happy to help!"}`,
	)
	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDone || out.Degraded || llm.calls != 2 {
		t.Errorf("unexpected outcome %+v after %d calls", out, llm.calls)
	}
	if len(msgr.sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(msgr.sent))
	}
}

func TestReplyAgentToolThenReply(t *testing.T) {
	agent, s, _, msgr := newReplyFixture(t,
		`{"action":"use_tool","rationale":"confirmed time","tool_name":"book_appointment","parameters":{"date":"tuesday","time":"2pm","reason":"whitening","lead_id":"someone-else"}}`,
		`{"action":"reply_to_user","rationale":"booked","reply":"You're booked for Tuesday at 2:00 PM."}`,
	)
	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDone || len(out.ToolCalls) != 1 || out.ToolCalls[0] != models.ToolBookAppointment {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if s.slots["s1"].LeadID != "lead-1" {
		t.Errorf("booking used lead %q, want the caller's lead", s.slots["s1"].LeadID)
	}

	if len(msgr.sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(msgr.sent))
	}
	sent := msgr.sent[0]
	if sent.channel != models.ChannelEmail || sent.msg.To != "jane@example.com" {
		t.Errorf("reply went to %s %s", sent.channel, sent.msg.To)
	}
	if sent.msg.ReplyTo != "replies+lead-1@mail.brightsmile.example" {
		t.Errorf("unexpected reply-to %q", sent.msg.ReplyTo)
	}

	lead, _ := s.GetLead(context.Background(), "lead-1")
	if lead.Status != models.LeadStatusConverted || lead.AISummary != "booked" {
		t.Errorf("unexpected lead after run: %+v", lead)
	}
	comms, _ := s.ListCommunications(context.Background(), "lead-1")
	last := comms[len(comms)-1]
	if last.Direction != models.DirectionOutgoingAuto || !strings.Contains(last.Content, "Tuesday at 2:00 PM") {
		t.Errorf("reply not logged: %+v", last)
	}
}

func TestReplyAgentRepliesOnIncomingChannel(t *testing.T) {
	agent, s, _, msgr := newReplyFixture(t, `{"action":"reply_to_user","rationale":"r","reply":"Sure thing"}`)
	s.addIncoming("lead-1", models.CommunicationTypeSMS, "also, do you take insurance?")

	if _, err := agent.Run(context.Background(), "lead-1"); err != nil {
		t.Fatal(err)
	}
	if len(msgr.sent) != 1 || msgr.sent[0].channel != models.ChannelSMS || msgr.sent[0].msg.To != "+15551234567" {
		t.Errorf("expected an SMS reply, got %+v", msgr.sent)
	}
}

func TestReplyAgentIterationCap(t *testing.T) {
	agent, s, llm, msgr := newReplyFixture(t,
		`{"action":"use_tool","rationale":"loop","tool_name":"lookup_plan","parameters":{"query":"checkup"}}`)
	agent.maxIterations = 3

	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateEscalated || out.Iterations != 3 || llm.calls != 3 {
		t.Errorf("unexpected outcome %+v (calls=%d)", out, llm.calls)
	}
	if out.Decision.Rationale != IterationLimitRationale {
		t.Errorf("unexpected rationale %q", out.Decision.Rationale)
	}
	lead, _ := s.GetLead(context.Background(), "lead-1")
	if lead.Status != models.LeadStatusNeedsImmediateAttention {
		t.Errorf("lead status = %s", lead.Status)
	}
	if len(msgr.sent) != 0 {
		t.Error("no reply expected at the iteration cap")
	}
}

func TestReplyAgentSkipsAnsweredConversation(t *testing.T) {
	agent, s, llm, _ := newReplyFixture(t, `{"action":"reply_to_user","reply":"hi"}`)
	lead, _ := s.GetLead(context.Background(), "lead-1")
	s.UpdateLead(context.Background(), lead, models.Communication{
		Type: models.CommunicationTypeEmail, Direction: models.DirectionOutgoingAuto, Content: "already answered",
	})

	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDone || llm.calls != 0 {
		t.Errorf("expected a no-op run, got %+v with %d calls", out, llm.calls)
	}
}

func TestReplyAgentSkipsEscalatedLead(t *testing.T) {
	agent, s, llm, _ := newReplyFixture(t, `{"action":"reply_to_user","reply":"hi"}`)
	lead, _ := s.GetLead(context.Background(), "lead-1")
	lead.Status = models.LeadStatusNeedsImmediateAttention
	s.UpdateLead(context.Background(), lead)

	if _, err := agent.Run(context.Background(), "lead-1"); err != nil {
		t.Fatal(err)
	}
	if llm.calls != 0 {
		t.Error("escalated leads must not get automated replies")
	}
}

func TestReplyAgentSendFailureReturnsError(t *testing.T) {
	agent, s, _, msgr := newReplyFixture(t, `{"action":"reply_to_user","rationale":"r","reply":"hello"}`)
	msgr.err = errors.New("smtp down")

	if _, err := agent.Run(context.Background(), "lead-1"); err == nil {
		t.Fatal("expected send failure to be returned")
	}
	comms, _ := s.ListCommunications(context.Background(), "lead-1")
	if len(comms) != 1 {
		t.Errorf("nothing should be logged after a failed send, got %d comms", len(comms))
	}
}

func TestReplyAgentModelErrorReturned(t *testing.T) {
	agent, _, llm, _ := newReplyFixture(t)
	llm.err = errors.New("rate limited")
	if _, err := agent.Run(context.Background(), "lead-1"); err == nil {
		t.Error("expected model error")
	}
}

func TestReplyAgentRetryConfirmsBookingAfterFailure(t *testing.T) {
	agent, s, llm, msgr := newReplyFixture(t,
		`{"action":"use_tool","rationale":"confirmed time","tool_name":"book_appointment","parameters":{"date":"tuesday","time":"2pm","reason":"whitening"}}`,
		`unused`,
		`{"action":"reply_to_user","rationale":"booked","reply":"You're booked for Tuesday at 2:00 PM."}`,
	)
	llm.failOnCall = 2

	if _, err := agent.Run(context.Background(), "lead-1"); err == nil {
		t.Fatal("expected the model failure to be returned")
	}
	lead, _ := s.GetLead(context.Background(), "lead-1")
	if lead.Status != models.LeadStatusConverted || len(msgr.sent) != 0 {
		t.Fatalf("after first run: status=%s sent=%d", lead.Status, len(msgr.sent))
	}

	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDone || len(msgr.sent) != 1 {
		t.Fatalf("retry did not confirm the booking: %+v, sent=%d", out, len(msgr.sent))
	}
	if !strings.Contains(msgr.sent[0].msg.Body, "Tuesday at 2:00 PM") {
		t.Errorf("unexpected confirmation %q", msgr.sent[0].msg.Body)
	}

	// The confirmation answered the message; a further retry is a no-op.
	calls := llm.calls
	if _, err := agent.Run(context.Background(), "lead-1"); err != nil {
		t.Fatal(err)
	}
	if llm.calls != calls || len(msgr.sent) != 1 {
		t.Error("answered conversation must not be replied to again")
	}
}

func TestReplyAgentSkipsConvertedLeadWithoutNewBooking(t *testing.T) {
	agent, s, llm, _ := newReplyFixture(t, `{"action":"reply_to_user","reply":"hi"}`)
	lead, _ := s.GetLead(context.Background(), "lead-1")
	lead.Status = models.LeadStatusConverted
	s.UpdateLead(context.Background(), lead, models.Communication{
		Type: models.CommunicationTypeNote, Direction: models.DirectionOutgoingManual, Content: "Converted over the phone.",
	})

	if _, err := agent.Run(context.Background(), "lead-1"); err != nil {
		t.Fatal(err)
	}
	if llm.calls != 0 {
		t.Error("converted leads without a pending booking confirmation must not get automated replies")
	}
}

func TestReplyAgentOptOutArchivesLead(t *testing.T) {
	agent, s, _, msgr := newReplyFixture(t,
		`{"action":"use_tool","rationale":"patient opted out","tool_name":"opt_out","parameters":{"reason":"please stop emailing me"}}`,
		`{"action":"reply_to_user","rationale":"opted out","reply":"Understood, we won't contact you again."}`,
	)
	out, err := agent.Run(context.Background(), "lead-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateDone || len(msgr.sent) != 1 {
		t.Fatalf("unexpected outcome %+v, sent=%d", out, len(msgr.sent))
	}
	lead, _ := s.GetLead(context.Background(), "lead-1")
	if lead.Status != models.LeadStatusArchivedNotInterested {
		t.Errorf("lead status = %s, want archived_not_interested", lead.Status)
	}
}
