package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"
)

// mailDialer is the part of the go-mail client used for delivery.
type mailDialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPOpts holds configuration options for the SMTP sender.
type SMTPOpts struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// SMTPOption defines a configuration option for the SMTP sender.
type SMTPOption func(*SMTPOpts)

func WithSMTPHost(host string, port int) SMTPOption {
	return func(o *SMTPOpts) {
		o.Host = host
		o.Port = port
	}
}

func WithSMTPAuth(username, password string) SMTPOption {
	return func(o *SMTPOpts) {
		o.Username = username
		o.Password = password
	}
}

// WithSender sets the From address and display name.
func WithSender(address, name string) SMTPOption {
	return func(o *SMTPOpts) {
		o.From = address
		o.FromName = name
	}
}

// SMTPSender delivers email through an SMTP relay.
type SMTPSender struct {
	client   mailDialer
	from     string
	fromName string
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender creates an SMTP sender. Host and From are required; credentials
// enable PLAIN auth with mandatory TLS.
func NewSMTPSender(opts ...SMTPOption) (*SMTPSender, error) {
	cfg := SMTPOpts{Port: 587}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSMTPSender invoked", "Host_set", cfg.Host != "", "Port", cfg.Port,
		"Username_set", cfg.Username != "", "From_set", cfg.From != "")
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("sender email must be provided")
	}

	// The TLS policy option resets the port, so the explicit port goes last.
	var clientOpts []mail.Option
	if cfg.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithTLSPortPolicy(mail.TLSMandatory),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	} else {
		clientOpts = append(clientOpts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	clientOpts = append(clientOpts, mail.WithPort(cfg.Port))
	client, err := mail.NewClient(cfg.Host, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return &SMTPSender{client: client, from: cfg.From, fromName: cfg.FromName}, nil
}

func (s *SMTPSender) buildMessage(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if s.fromName != "" {
		if err := m.FromFormat(s.fromName, s.from); err != nil {
			return nil, fmt.Errorf("invalid from address: %w", err)
		}
	} else if err := m.From(s.from); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if msg.Name != "" {
		if err := m.AddToFormat(msg.Name, msg.To); err != nil {
			return nil, fmt.Errorf("invalid recipient address: %w", err)
		}
	} else if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to address: %w", err)
		}
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	if strings.TrimSpace(msg.HTMLBody) != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTMLBody)
	}
	return m, nil
}

// Send delivers an email and returns its Message-ID.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	m, err := s.buildMessage(msg)
	if err != nil {
		return "", err
	}
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		slog.Error("SMTPSender.Send: delivery failed", "leadID", msg.LeadID, "error", err)
		return "", fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}
	id := ""
	if ids := m.GetGenHeader(mail.HeaderMessageID); len(ids) > 0 {
		id = ids[0]
	}
	slog.Debug("SMTPSender.Send: email sent", "leadID", msg.LeadID, "messageID", id)
	return id, nil
}
