// Package messaging delivers outbound messages to leads over email, SMS,
// WhatsApp, and AI voice calls behind a single Sender abstraction.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

var (
	// ErrChannelNotConfigured is returned when no sender is registered for a channel.
	ErrChannelNotConfigured = errors.New("channel not configured")
	// ErrMissingAddress is returned when the lead has no address on the channel.
	ErrMissingAddress = errors.New("recipient address missing")
)

var nonDigits = regexp.MustCompile(`\D`)

// Message is one outbound message to a lead.
type Message struct {
	LeadID   string
	To       string // address on the channel: email or phone number
	Name     string // recipient display name
	Subject  string // email only
	Body     string
	HTMLBody string // email only; sent as an alternative part when set
	ReplyTo  string // email only
}

// Sender defines a pluggable message delivery backend.
type Sender interface {
	// Send delivers msg and returns the provider's message or call id.
	Send(ctx context.Context, msg Message) (string, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) (string, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (string, error) {
	return f(ctx, msg)
}

// Dispatcher routes messages to the sender registered for each channel.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[models.Channel]Sender
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{senders: make(map[models.Channel]Sender)}
}

// Register installs the sender for a channel, replacing any previous one.
func (d *Dispatcher) Register(ch models.Channel, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[ch] = s
	slog.Debug("Dispatcher.Register", "channel", ch)
}

// Has reports whether a sender is registered for the channel.
func (d *Dispatcher) Has(ch models.Channel) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.senders[ch]
	return ok
}

// Send delivers msg on the channel.
func (d *Dispatcher) Send(ctx context.Context, ch models.Channel, msg Message) (string, error) {
	d.mu.RLock()
	s, ok := d.senders[ch]
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrChannelNotConfigured, ch)
	}
	if msg.To == "" {
		return "", fmt.Errorf("%w on %s", ErrMissingAddress, ch)
	}
	id, err := s.Send(ctx, msg)
	if err != nil {
		slog.Error("Dispatcher.Send: delivery failed", "channel", ch, "leadID", msg.LeadID, "error", err)
		return "", err
	}
	slog.Info("Dispatcher.Send: delivered", "channel", ch, "leadID", msg.LeadID, "providerID", id)
	return id, nil
}

// CanonicalizePhone normalizes a phone number to digits, keeping a leading plus.
func CanonicalizePhone(phone string) (string, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(phone), "whatsapp:"))
	if trimmed == "" {
		return "", fmt.Errorf("phone number cannot be empty")
	}
	digits := nonDigits.ReplaceAllString(trimmed, "")
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short", phone)
	}
	if strings.HasPrefix(trimmed, "+") {
		return "+" + digits, nil
	}
	return digits, nil
}
