package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// TextSender is implemented by the Twilio and whatsmeow clients.
type TextSender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// PhoneSender adapts a TextSender to Sender, normalizing the recipient number first.
type PhoneSender struct {
	name   string
	client TextSender
}

var _ Sender = (*PhoneSender)(nil)

// NewPhoneSender wraps client. name is used in logs only, e.g. "sms" or "whatsapp".
func NewPhoneSender(name string, client TextSender) *PhoneSender {
	return &PhoneSender{name: name, client: client}
}

func (p *PhoneSender) Send(ctx context.Context, msg Message) (string, error) {
	to, err := CanonicalizePhone(msg.To)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingAddress, err)
	}
	id, err := p.client.SendMessage(ctx, to, msg.Body)
	if err != nil {
		slog.Error("PhoneSender.Send: delivery failed", "channel", p.name, "leadID", msg.LeadID, "error", err)
		return "", err
	}
	slog.Debug("PhoneSender.Send: message sent", "channel", p.name, "leadID", msg.LeadID, "id", id)
	return id, nil
}

// optOutKeywords are the standard carrier opt-out words.
var optOutKeywords = map[string]bool{
	"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true, "CANCEL": true,
	"END": true, "QUIT": true, "OPTOUT": true, "REVOKE": true,
}

// IsOptOutKeyword reports whether an inbound text message is an opt-out keyword
// on its own, ignoring case and trailing punctuation.
func IsOptOutKeyword(body string) bool {
	word := strings.ToUpper(strings.TrimRight(strings.TrimSpace(body), ".!"))
	return optOutKeywords[word]
}
