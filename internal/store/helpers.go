package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rebindDollar rewrites ? placeholders as $1, $2, ... for PostgreSQL.
// Queries in this package never contain a literal question mark.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a unique-constraint failure on either backend.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

const leadColumns = `id, lead_code, first_name, last_name, email, phone_number, inquiry_notes, inquiry_date,
	status, nurture_attempts, ai_summary, ai_drafted_reply, preferred_channel, created_at, updated_at`

func scanLead(row rowScanner) (*models.Lead, error) {
	var l models.Lead
	err := row.Scan(
		&l.ID, &l.LeadCode, &l.FirstName, &l.LastName, &l.Email, &l.PhoneNumber, &l.InquiryNotes, &l.InquiryDate,
		&l.Status, &l.NurtureAttempts, &l.AISummary, &l.AIDraftedReply, &l.PreferredChannel, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

const communicationColumns = `id, lead_id, type, direction, content, sent_at`

func scanCommunication(row rowScanner) (models.Communication, error) {
	var c models.Communication
	err := row.Scan(&c.ID, &c.LeadID, &c.Type, &c.Direction, &c.Content, &c.SentAt)
	if err != nil {
		return c, fmt.Errorf("scan communication failed: %w", err)
	}
	return c, nil
}

const slotColumns = `id, start_time, end_time, status, lead_id, reason_for_visit, booked_by_method, created_at, updated_at`

func scanSlot(row rowScanner) (*models.AppointmentSlot, error) {
	var s models.AppointmentSlot
	var leadID sql.NullString
	err := row.Scan(
		&s.ID, &s.StartTime, &s.EndTime, &s.Status, &leadID, &s.ReasonForVisit, &s.BookedByMethod,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.LeadID = leadID.String
	return &s, nil
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
