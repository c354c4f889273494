// Package models defines the core data structures for LeadPipe.
//
// It includes leads, their communication log, appointment slots, and the API
// envelope shared by the HTTP handlers.
package models

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxInquiryNotesLength defines the maximum allowed length for a lead's inquiry notes
	MaxInquiryNotesLength = 8192
	// MaxNameLength defines the maximum allowed length for first and last names
	MaxNameLength = 100
	// LeadCodePrefix is prepended to the human-readable lead code
	LeadCodePrefix = "BS-LID"
)

// Error variables for better error handling and testability
var (
	ErrLeadNotFound            = errors.New("lead not found")
	ErrDuplicateLead           = errors.New("a lead with this email already exists")
	ErrInvalidStatusTransition = errors.New("invalid lead status transition")
	ErrInvalidLeadStatus       = errors.New("invalid lead status")
	ErrEmptyEmail              = errors.New("email is required")
	ErrInvalidEmail            = errors.New("email is not a valid address")
	ErrNameTooLong             = errors.New("name exceeds maximum length")
	ErrInquiryTooLong          = errors.New("inquiry notes exceed maximum length")
	ErrInvalidChannel          = errors.New("invalid channel")
	ErrSlotNotFound            = errors.New("appointment slot not found")
	ErrSlotUnavailable         = errors.New("appointment slot is not available")
)

// LeadStatus is the position of a lead in the nurturing lifecycle.
type LeadStatus string

const (
	LeadStatusNew                     LeadStatus = "new"
	LeadStatusNeedsImmediateAttention LeadStatus = "needs_immediate_attention"
	LeadStatusNurturing               LeadStatus = "nurturing"
	LeadStatusResponded               LeadStatus = "responded"
	LeadStatusConverted               LeadStatus = "converted"
	LeadStatusArchivedNoResponse      LeadStatus = "archived_no_response"
	LeadStatusArchivedNotInterested   LeadStatus = "archived_not_interested"
)

// IsValidLeadStatus checks if the given lead status is supported.
func IsValidLeadStatus(s LeadStatus) bool {
	switch s {
	case LeadStatusNew, LeadStatusNeedsImmediateAttention, LeadStatusNurturing, LeadStatusResponded,
		LeadStatusConverted, LeadStatusArchivedNoResponse, LeadStatusArchivedNotInterested:
		return true
	default:
		return false
	}
}

// IsClosed reports whether no further automated contact may happen for the lead.
func (s LeadStatus) IsClosed() bool {
	return s == LeadStatusConverted || s == LeadStatusArchivedNoResponse || s == LeadStatusArchivedNotInterested
}

// allowedTransitions lists the forward edges of the status lattice. A lead never
// returns to new, and closed statuses have no outgoing edges.
var allowedTransitions = map[LeadStatus][]LeadStatus{
	LeadStatusNew: {
		LeadStatusNeedsImmediateAttention, LeadStatusNurturing, LeadStatusResponded,
		LeadStatusConverted, LeadStatusArchivedNoResponse, LeadStatusArchivedNotInterested,
	},
	LeadStatusNurturing: {
		LeadStatusResponded, LeadStatusNeedsImmediateAttention, LeadStatusConverted,
		LeadStatusArchivedNoResponse, LeadStatusArchivedNotInterested,
	},
	LeadStatusNeedsImmediateAttention: {
		LeadStatusResponded, LeadStatusConverted, LeadStatusArchivedNoResponse, LeadStatusArchivedNotInterested,
	},
	LeadStatusResponded: {
		LeadStatusNeedsImmediateAttention, LeadStatusConverted, LeadStatusArchivedNoResponse, LeadStatusArchivedNotInterested,
	},
}

// CanTransition reports whether a lead may move from one status to another.
// Re-applying the current status is always allowed and is a no-op.
func CanTransition(from, to LeadStatus) bool {
	if !IsValidLeadStatus(to) {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Channel identifies an outbound or inbound communication channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelVoice    Channel = "voice"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelVoice:
		return true
	default:
		return false
	}
}

// CommunicationType returns the log type recorded for a message on this channel.
func (c Channel) CommunicationType() CommunicationType {
	switch c {
	case ChannelSMS:
		return CommunicationTypeSMS
	case ChannelWhatsApp:
		return CommunicationTypeWhatsApp
	case ChannelVoice:
		return CommunicationTypePhoneCall
	default:
		return CommunicationTypeEmail
	}
}

// Lead is a prospective patient who has submitted an inquiry.
type Lead struct {
	ID               string     `json:"id"`
	LeadCode         string     `json:"lead_code"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name,omitempty"`
	Email            string     `json:"email"`
	PhoneNumber      string     `json:"phone_number,omitempty"`
	InquiryNotes     string     `json:"inquiry_notes,omitempty"`
	InquiryDate      time.Time  `json:"inquiry_date"`
	Status           LeadStatus `json:"status"`
	NurtureAttempts  int        `json:"nurture_attempts"`
	AISummary        string     `json:"ai_summary,omitempty"`
	AIDraftedReply   string     `json:"ai_drafted_reply,omitempty"`
	PreferredChannel Channel    `json:"preferred_channel"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks the identity fields of a lead before it is persisted.
func (l *Lead) Validate() error {
	l.Email = strings.TrimSpace(l.Email)
	if l.Email == "" {
		return ErrEmptyEmail
	}
	if _, err := mail.ParseAddress(l.Email); err != nil {
		return ErrInvalidEmail
	}
	if len(l.FirstName) > MaxNameLength || len(l.LastName) > MaxNameLength {
		return ErrNameTooLong
	}
	if len(l.InquiryNotes) > MaxInquiryNotesLength {
		return ErrInquiryTooLong
	}
	if l.PreferredChannel != "" && !IsValidChannel(l.PreferredChannel) {
		return ErrInvalidChannel
	}
	if l.Status != "" && !IsValidLeadStatus(l.Status) {
		return ErrInvalidLeadStatus
	}
	return nil
}

// DisplayName returns the name used when addressing the lead.
func (l *Lead) DisplayName() string {
	if l.FirstName != "" {
		return l.FirstName
	}
	return "there"
}

// FullName joins first and last names.
func (l *Lead) FullName() string {
	return strings.TrimSpace(l.FirstName + " " + l.LastName)
}

// Channel returns the lead's preferred channel, defaulting to email.
func (l *Lead) Channel() Channel {
	if l.PreferredChannel == "" {
		return ChannelEmail
	}
	return l.PreferredChannel
}

// AddressFor returns the lead's address on the given channel, or "" if none is known.
func (l *Lead) AddressFor(c Channel) string {
	switch c {
	case ChannelEmail:
		return l.Email
	case ChannelSMS, ChannelWhatsApp, ChannelVoice:
		return l.PhoneNumber
	default:
		return ""
	}
}

// NewLeadCode derives the human-readable lead code from a lead id.
func NewLeadCode(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return fmt.Sprintf("%s-%s", LeadCodePrefix, strings.ToUpper(compact))
}

// CommunicationType is the medium a logged communication travelled over.
type CommunicationType string

const (
	CommunicationTypeEmail     CommunicationType = "email"
	CommunicationTypeSMS       CommunicationType = "sms"
	CommunicationTypeWhatsApp  CommunicationType = "whatsapp"
	CommunicationTypeNote      CommunicationType = "note"
	CommunicationTypePhoneCall CommunicationType = "phone_call"
)

// Direction records who originated a communication.
type Direction string

const (
	DirectionIncoming       Direction = "incoming"
	DirectionOutgoingAuto   Direction = "outgoing_auto"
	DirectionOutgoingManual Direction = "outgoing_manual"
)

// Communication is an append-only record of a message exchanged with a lead.
type Communication struct {
	ID        string            `json:"id"`
	LeadID    string            `json:"lead_id"`
	Type      CommunicationType `json:"type"`
	Direction Direction         `json:"direction"`
	Content   string            `json:"content"`
	SentAt    time.Time         `json:"sent_at"`
}

// Channel maps the communication type back onto a reply channel.
// Notes and phone calls have no reply channel and return "".
func (c Communication) Channel() Channel {
	switch c.Type {
	case CommunicationTypeEmail:
		return ChannelEmail
	case CommunicationTypeSMS:
		return ChannelSMS
	case CommunicationTypeWhatsApp:
		return ChannelWhatsApp
	default:
		return ""
	}
}

// LeadCreateRequest represents the payload for registering a new lead.
type LeadCreateRequest struct {
	FirstName        string  `json:"first_name"`
	LastName         string  `json:"last_name,omitempty"`
	Email            string  `json:"email"`
	PhoneNumber      string  `json:"phone_number,omitempty"`
	InquiryNotes     string  `json:"inquiry_notes,omitempty"`
	PreferredChannel Channel `json:"preferred_channel,omitempty"`
}

// ToLead converts the request into an unsaved lead.
func (r LeadCreateRequest) ToLead() *Lead {
	return &Lead{
		FirstName:        strings.TrimSpace(r.FirstName),
		LastName:         strings.TrimSpace(r.LastName),
		Email:            strings.TrimSpace(r.Email),
		PhoneNumber:      strings.TrimSpace(r.PhoneNumber),
		InquiryNotes:     r.InquiryNotes,
		PreferredChannel: r.PreferredChannel,
	}
}

// LeadStatusUpdateRequest represents the payload for a manual status change.
type LeadStatusUpdateRequest struct {
	Status LeadStatus `json:"status"`
}

// LeadDetail bundles a lead with its communication log.
type LeadDetail struct {
	Lead           *Lead           `json:"lead"`
	Communications []Communication `json:"communications"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates work was queued for background processing.
	APIStatusAccepted APIStatus = "accepted"
	// APIStatusIgnored indicates an inbound event was recorded without further action.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Accepted reports that work was queued.
func Accepted(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusAccepted).WithMessage(message).Build()
}

// Ignored reports that an inbound event needed no automated action.
func Ignored(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusIgnored).WithMessage(message).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// KnowledgeChunk is one embedded passage of clinic reference material.
type KnowledgeChunk struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float64 `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}
