// Package store provides storage backends for LeadPipe.
//
// Two backends share one SQL implementation: SQLite (the default, a file in the
// state directory) and PostgreSQL. Both carry leads, their communication log,
// appointment slots, knowledge-base chunks, durable jobs, and inbound dedup records.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for a DSN:
// "postgres" for postgres:// URLs and key=value connection strings, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Store is the persistence contract for leads, communications, slots, and knowledge.
type Store interface {
	// CreateLead assigns id, lead code, timestamps, and status new, then inserts the lead.
	// Returns models.ErrDuplicateLead if the email is already registered.
	CreateLead(ctx context.Context, lead *models.Lead) error
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	GetLeadByEmail(ctx context.Context, email string) (*models.Lead, error)
	GetLeadByPhone(ctx context.Context, phone string) (*models.Lead, error)
	// ListLeads returns leads with the given status, newest first. An empty status lists all leads.
	ListLeads(ctx context.Context, status models.LeadStatus) ([]models.Lead, error)
	// UpdateLead writes the lead's mutable fields and appends comms in one transaction.
	// The status change is checked against the stored status with models.CanTransition.
	UpdateLead(ctx context.Context, lead *models.Lead, comms ...models.Communication) error
	UpdateLeadStatus(ctx context.Context, id string, status models.LeadStatus) (*models.Lead, error)

	AddCommunication(ctx context.Context, comm *models.Communication) error
	// ListCommunications returns a lead's communications in chronological order.
	ListCommunications(ctx context.Context, leadID string) ([]models.Communication, error)

	// CreateSlots inserts slots, skipping any whose start time already exists, and
	// returns how many were inserted.
	CreateSlots(ctx context.Context, slots []models.AppointmentSlot) (int, error)
	GetSlot(ctx context.Context, id string) (*models.AppointmentSlot, error)
	// ListSlots returns slots starting in [from, to). An empty status lists all statuses.
	ListSlots(ctx context.Context, from, to time.Time, status models.SlotStatus) ([]models.AppointmentSlot, error)
	FindSlotByStart(ctx context.Context, start time.Time) (*models.AppointmentSlot, error)
	// BookSlot marks an available slot as booked. It returns models.ErrSlotUnavailable
	// if the slot was not available at the moment of the write.
	BookSlot(ctx context.Context, slotID, leadID, reason, method string) (*models.AppointmentSlot, error)

	// ReplaceKnowledge swaps every chunk stored under title for the given chunks.
	ReplaceKnowledge(ctx context.Context, title string, chunks []models.KnowledgeChunk) error
	ListKnowledge(ctx context.Context) ([]models.KnowledgeChunk, error)

	Close() error
}

// Backend is a full storage backend: the domain store plus the job and dedup repositories.
type Backend interface {
	Store
	JobRepo
	DedupRepo
}

// Open selects and opens a backend for the DSN.
func Open(dsn string) (Backend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
