package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/wneessen/go-mail"
)

type recordingSender struct {
	msgs []Message
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg Message) (string, error) {
	r.msgs = append(r.msgs, msg)
	return "id-1", r.err
}

func TestDispatcherRoutesByChannel(t *testing.T) {
	d := NewDispatcher()
	email := &recordingSender{}
	sms := &recordingSender{}
	d.Register(models.ChannelEmail, email)
	d.Register(models.ChannelSMS, sms)

	if _, err := d.Send(context.Background(), models.ChannelSMS, Message{To: "+15551234567", Body: "hi"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(sms.msgs) != 1 || len(email.msgs) != 0 {
		t.Errorf("message routed to the wrong sender: sms=%d email=%d", len(sms.msgs), len(email.msgs))
	}
}

func TestDispatcherUnconfiguredChannel(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Send(context.Background(), models.ChannelVoice, Message{To: "+15551234567"})
	if !errors.Is(err, ErrChannelNotConfigured) {
		t.Errorf("expected ErrChannelNotConfigured, got %v", err)
	}
	if d.Has(models.ChannelVoice) {
		t.Error("Has reported an unregistered channel")
	}
}

func TestDispatcherMissingAddress(t *testing.T) {
	d := NewDispatcher()
	s := &recordingSender{}
	d.Register(models.ChannelEmail, s)
	_, err := d.Send(context.Background(), models.ChannelEmail, Message{Body: "hi"})
	if !errors.Is(err, ErrMissingAddress) {
		t.Errorf("expected ErrMissingAddress, got %v", err)
	}
	if len(s.msgs) != 0 {
		t.Error("sender should not be called without an address")
	}
}

func TestDispatcherPropagatesSenderError(t *testing.T) {
	d := NewDispatcher()
	d.Register(models.ChannelEmail, &recordingSender{err: errors.New("smtp down")})
	if _, err := d.Send(context.Background(), models.ChannelEmail, Message{To: "a@b.com"}); err == nil {
		t.Error("expected sender error")
	}
}

func TestCanonicalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "+15551234567", false},
		{"whatsapp:+15551234567", "+15551234567", false},
		{"555.123.4567", "5551234567", false},
		{"", "", true},
		{"123", "", true},
	}
	for _, c := range cases {
		got, err := CanonicalizePhone(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("CanonicalizePhone(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if got != c.want {
			t.Errorf("CanonicalizePhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestReplyAddressRoundTrip(t *testing.T) {
	addr := ReplyAddress("3f2a-lead", "mail.clinic.example")
	if addr != "replies+3f2a-lead@mail.clinic.example" {
		t.Fatalf("unexpected reply address %q", addr)
	}
	id, ok := ParseReplyAddress(`"Bright Smile" <` + addr + `>`)
	if !ok || id != "3f2a-lead" {
		t.Errorf("ParseReplyAddress = %q, %v", id, ok)
	}
	if _, ok := ParseReplyAddress("front-desk@clinic.example"); ok {
		t.Error("untagged address should not parse")
	}
	if ReplyAddress("x", "") != "" {
		t.Error("empty domain should produce no reply address")
	}
}

func TestParseReplyAddressMultipleRecipients(t *testing.T) {
	id, ok := ParseReplyAddress("staff@clinic.example, replies+abc@clinic.example")
	if !ok || id != "abc" {
		t.Errorf("ParseReplyAddress = %q, %v", id, ok)
	}
}

type fakeTextSender struct {
	to, body string
}

func (f *fakeTextSender) SendMessage(ctx context.Context, to, body string) (string, error) {
	f.to, f.body = to, body
	return "SM123", nil
}

func TestPhoneSenderCanonicalizes(t *testing.T) {
	fake := &fakeTextSender{}
	s := NewPhoneSender("sms", fake)
	id, err := s.Send(context.Background(), Message{To: "+1 555 123 4567", Body: "Hello"})
	if err != nil || id != "SM123" {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if fake.to != "+15551234567" || fake.body != "Hello" {
		t.Errorf("unexpected delivery: to=%q body=%q", fake.to, fake.body)
	}
}

func TestPhoneSenderRejectsBadNumber(t *testing.T) {
	s := NewPhoneSender("sms", &fakeTextSender{})
	_, err := s.Send(context.Background(), Message{To: "12"})
	if !errors.Is(err, ErrMissingAddress) {
		t.Errorf("expected ErrMissingAddress, got %v", err)
	}
}

func TestIsOptOutKeyword(t *testing.T) {
	for _, body := range []string{"STOP", " stop ", "Unsubscribe.", "quit!", "STOPALL"} {
		if !IsOptOutKeyword(body) {
			t.Errorf("%q should be an opt-out keyword", body)
		}
	}
	for _, body := range []string{"", "don't stop", "stop by friday?", "cancel my 2pm appointment"} {
		if IsOptOutKeyword(body) {
			t.Errorf("%q should not be an opt-out keyword", body)
		}
	}
}

type fakeDialer struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeDialer) DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error {
	f.sent = append(f.sent, messages...)
	return f.err
}

func TestSMTPSenderBuildsMessage(t *testing.T) {
	dialer := &fakeDialer{}
	s := &SMTPSender{client: dialer, from: "hello@clinic.example", fromName: "Bright Smile"}
	id, err := s.Send(context.Background(), Message{
		LeadID:   "lead-1",
		To:       "jane@example.com",
		Name:     "Jane",
		Subject:  "Your visit",
		Body:     "plain",
		HTMLBody: "<p>html</p>",
		ReplyTo:  "replies+lead-1@clinic.example",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id == "" {
		t.Error("expected a Message-ID")
	}
	if len(dialer.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(dialer.sent))
	}
	m := dialer.sent[0]
	if got := m.GetGenHeader(mail.HeaderSubject); len(got) == 0 || got[0] != "Your visit" {
		t.Errorf("subject = %v", got)
	}
	if got := m.GetGenHeader(mail.HeaderReplyTo); len(got) == 0 || !strings.Contains(got[0], "replies+lead-1@clinic.example") {
		t.Errorf("reply-to = %v", got)
	}
	if len(m.GetParts()) != 2 {
		t.Errorf("expected plain and html parts, got %d", len(m.GetParts()))
	}
}

func TestSMTPSenderInvalidRecipient(t *testing.T) {
	s := &SMTPSender{client: &fakeDialer{}, from: "hello@clinic.example"}
	if _, err := s.Send(context.Background(), Message{To: "not an address"}); err == nil {
		t.Error("expected invalid recipient error")
	}
}

func TestNewSMTPSenderRequiresHost(t *testing.T) {
	if _, err := NewSMTPSender(WithSender("a@b.com", "")); err == nil {
		t.Error("expected error without host")
	}
}

func TestVapiSenderPlacesCall(t *testing.T) {
	var got vapiCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call" || r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"call-9","status":"queued"}`))
	}))
	defer srv.Close()

	v, err := NewVapiSender(WithVapiKey("key"), WithVapiPhoneNumberID("pn"), WithVapiAssistantID("as"),
		WithVapiBaseURL(srv.URL), WithVapiWebhookURL("https://leadpipe.example/webhooks/vapi"))
	if err != nil {
		t.Fatal(err)
	}
	v.SystemPrompt = "You are the clinic assistant."
	v.Tools = []VoiceTool{{Name: "lookup_slots", Parameters: map[string]interface{}{"type": "object"}}}

	id, err := v.Send(context.Background(), Message{LeadID: "lead-1", To: "5551234567", Name: "Jane", Body: "Hi Jane"})
	if err != nil || id != "call-9" {
		t.Fatalf("Send = %q, %v", id, err)
	}
	if got.Customer.Number != "+5551234567" || got.Metadata["lead_id"] != "lead-1" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if got.AssistantOverrides == nil || got.AssistantOverrides.FirstMessage != "Hi Jane" {
		t.Fatalf("missing first message: %+v", got.AssistantOverrides)
	}
	tools := got.AssistantOverrides.Model.Tools
	if len(tools) != 1 || tools[0].Server == nil || tools[0].Server.URL != "https://leadpipe.example/webhooks/vapi" {
		t.Errorf("tool server url not set: %+v", tools)
	}
}

func TestVapiSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad number", http.StatusBadRequest)
	}))
	defer srv.Close()
	v, _ := NewVapiSender(WithVapiKey("k"), WithVapiPhoneNumberID("p"), WithVapiAssistantID("a"), WithVapiBaseURL(srv.URL))
	if _, err := v.Send(context.Background(), Message{To: "+15551234567"}); err == nil {
		t.Error("expected error on 400")
	}
}

func TestNewVapiSenderValidates(t *testing.T) {
	if _, err := NewVapiSender(WithVapiKey("k")); err == nil {
		t.Error("expected error for missing ids")
	}
}
