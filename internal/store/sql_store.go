package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/google/uuid"
)

// sqlStore implements Store, JobRepo, and DedupRepo over database/sql.
// SQLite and PostgreSQL share it; only placeholders differ.
type sqlStore struct {
	db     *sql.DB
	name   string
	dollar bool
	now    func() time.Time
}

func newSQLStore(db *sql.DB, name string, dollar bool) *sqlStore {
	return &sqlStore{db: db, name: name, dollar: dollar, now: time.Now}
}

// pool is the connection-pool surface of *sql.DB that backends tune.
type pool interface {
	SetMaxOpenConns(n int)
	SetMaxIdleConns(n int)
	SetConnMaxLifetime(d time.Duration)
}

const openTimeout = 10 * time.Second

// openDB opens driver/dsn, applies the pool settings, verifies the connection
// and runs the idempotent schema script.
func openDB(driver, dsn, schema string, tune func(pool)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	tune(db)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		slog.Error("store.openDB: ping failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		slog.Error("store.openDB: migrations failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("store.openDB: database ready", "driver", driver)
	return db, nil
}

// Compile-time checks.
var (
	_ Backend = (*SQLiteStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)

func (s *sqlStore) q(query string) string {
	if s.dollar {
		return rebindDollar(query)
	}
	return query
}

func (s *sqlStore) timestamp() time.Time {
	return s.now().UTC()
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database")
	return s.db.Close()
}

func (s *sqlStore) CreateLead(ctx context.Context, lead *models.Lead) error {
	if err := lead.Validate(); err != nil {
		return err
	}
	now := s.timestamp()
	lead.ID = uuid.NewString()
	lead.LeadCode = models.NewLeadCode(lead.ID)
	lead.Status = models.LeadStatusNew
	lead.NurtureAttempts = 0
	if lead.InquiryDate.IsZero() {
		lead.InquiryDate = now
	}
	lead.InquiryDate = lead.InquiryDate.UTC()
	lead.PreferredChannel = lead.Channel()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO leads (`+leadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		lead.ID, lead.LeadCode, lead.FirstName, lead.LastName, lead.Email, lead.PhoneNumber, lead.InquiryNotes,
		lead.InquiryDate, lead.Status, lead.NurtureAttempts, lead.AISummary, lead.AIDraftedReply,
		lead.PreferredChannel, lead.CreatedAt, lead.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrDuplicateLead
		}
		slog.Error(s.name+" CreateLead failed", "error", err, "email", lead.Email)
		return fmt.Errorf("failed to insert lead: %w", err)
	}
	slog.Debug(s.name+" CreateLead succeeded", "leadID", lead.ID, "leadCode", lead.LeadCode)
	return nil
}

func (s *sqlStore) getLeadBy(ctx context.Context, q execer, column, value string) (*models.Lead, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+leadColumns+` FROM leads WHERE `+column+` = ?`), value)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrLeadNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetLead failed", "error", err, column, value)
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return lead, nil
}

func (s *sqlStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	return s.getLeadBy(ctx, s.db, "id", id)
}

func (s *sqlStore) GetLeadByEmail(ctx context.Context, email string) (*models.Lead, error) {
	return s.getLeadBy(ctx, s.db, "email", strings.TrimSpace(email))
}

// GetLeadByPhone returns the most recently created lead with the phone number.
func (s *sqlStore) GetLeadByPhone(ctx context.Context, phone string) (*models.Lead, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, models.ErrLeadNotFound
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+leadColumns+` FROM leads WHERE phone_number = ?
		ORDER BY created_at DESC LIMIT 1`), phone)
	lead, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrLeadNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetLeadByPhone failed", "error", err)
		return nil, fmt.Errorf("failed to get lead by phone: %w", err)
	}
	return lead, nil
}

func (s *sqlStore) ListLeads(ctx context.Context, status models.LeadStatus) ([]models.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" ListLeads query failed", "error", err, "status", status)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			slog.Error(s.name+" ListLeads scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		leads = append(leads, *lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	return leads, nil
}

func (s *sqlStore) UpdateLead(ctx context.Context, lead *models.Lead, comms ...models.Communication) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.getLeadBy(ctx, tx, "id", lead.ID)
	if err != nil {
		return err
	}
	if !models.CanTransition(current.Status, lead.Status) {
		slog.Warn(s.name+" UpdateLead rejected transition", "leadID", lead.ID, "from", current.Status, "to", lead.Status)
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidStatusTransition, current.Status, lead.Status)
	}

	now := s.timestamp()
	_, err = tx.ExecContext(ctx, s.q(`UPDATE leads SET first_name = ?, last_name = ?, phone_number = ?,
		status = ?, nurture_attempts = ?, ai_summary = ?, ai_drafted_reply = ?, preferred_channel = ?, updated_at = ?
		WHERE id = ?`),
		lead.FirstName, lead.LastName, lead.PhoneNumber, lead.Status, lead.NurtureAttempts,
		lead.AISummary, lead.AIDraftedReply, lead.Channel(), now, lead.ID,
	)
	if err != nil {
		slog.Error(s.name+" UpdateLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to update lead: %w", err)
	}

	for i := range comms {
		comms[i].LeadID = lead.ID
		if err := s.insertCommunication(ctx, tx, &comms[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error(s.name+" UpdateLead commit failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to commit lead update: %w", err)
	}
	lead.UpdatedAt = now
	slog.Debug(s.name+" UpdateLead succeeded", "leadID", lead.ID, "status", lead.Status, "comms", len(comms))
	return nil
}

func (s *sqlStore) UpdateLeadStatus(ctx context.Context, id string, status models.LeadStatus) (*models.Lead, error) {
	if !models.IsValidLeadStatus(status) {
		return nil, models.ErrInvalidLeadStatus
	}
	lead, err := s.GetLead(ctx, id)
	if err != nil {
		return nil, err
	}
	lead.Status = status
	if err := s.UpdateLead(ctx, lead); err != nil {
		return nil, err
	}
	return lead, nil
}

func (s *sqlStore) insertCommunication(ctx context.Context, q execer, c *models.Communication) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SentAt.IsZero() {
		c.SentAt = s.timestamp()
	}
	c.SentAt = c.SentAt.UTC()
	_, err := q.ExecContext(ctx, s.q(`INSERT INTO communications (`+communicationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, c.LeadID, c.Type, c.Direction, c.Content, c.SentAt,
	)
	if err != nil {
		slog.Error(s.name+" AddCommunication failed", "error", err, "leadID", c.LeadID, "type", c.Type)
		return fmt.Errorf("failed to insert communication: %w", err)
	}
	return nil
}

func (s *sqlStore) AddCommunication(ctx context.Context, c *models.Communication) error {
	return s.insertCommunication(ctx, s.db, c)
}

func (s *sqlStore) ListCommunications(ctx context.Context, leadID string) ([]models.Communication, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+communicationColumns+` FROM communications
		WHERE lead_id = ? ORDER BY sent_at ASC, seq ASC`), leadID)
	if err != nil {
		slog.Error(s.name+" ListCommunications query failed", "error", err, "leadID", leadID)
		return nil, fmt.Errorf("failed to query communications: %w", err)
	}
	defer rows.Close()

	var comms []models.Communication
	for rows.Next() {
		c, err := scanCommunication(rows)
		if err != nil {
			return nil, err
		}
		comms = append(comms, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate communication rows: %w", err)
	}
	return comms, nil
}

func (s *sqlStore) CreateSlots(ctx context.Context, slots []models.AppointmentSlot) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	created := 0
	for i := range slots {
		slot := &slots[i]
		if slot.ID == "" {
			slot.ID = uuid.NewString()
		}
		if slot.Status == "" {
			slot.Status = models.SlotStatusAvailable
		}
		slot.StartTime = slot.StartTime.UTC().Truncate(time.Second)
		slot.EndTime = slot.EndTime.UTC().Truncate(time.Second)
		slot.CreatedAt = now
		slot.UpdatedAt = now
		res, err := tx.ExecContext(ctx, s.q(`INSERT INTO appointment_slots (`+slotColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (start_time) DO NOTHING`),
			slot.ID, slot.StartTime, slot.EndTime, slot.Status, nilIfEmpty(slot.LeadID),
			slot.ReasonForVisit, slot.BookedByMethod, slot.CreatedAt, slot.UpdatedAt,
		)
		if err != nil {
			slog.Error(s.name+" CreateSlots insert failed", "error", err, "start", slot.StartTime)
			return 0, fmt.Errorf("failed to insert slot: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit slots: %w", err)
	}
	slog.Debug(s.name+" CreateSlots succeeded", "requested", len(slots), "created", created)
	return created, nil
}

func (s *sqlStore) GetSlot(ctx context.Context, id string) (*models.AppointmentSlot, error) {
	return s.getSlotBy(ctx, s.db, "id", id)
}

func (s *sqlStore) getSlotBy(ctx context.Context, q execer, column string, value interface{}) (*models.AppointmentSlot, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+slotColumns+` FROM appointment_slots WHERE `+column+` = ?`), value)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSlotNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetSlot failed", "error", err, column, value)
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return slot, nil
}

func (s *sqlStore) FindSlotByStart(ctx context.Context, start time.Time) (*models.AppointmentSlot, error) {
	return s.getSlotBy(ctx, s.db, "start_time", start.UTC().Truncate(time.Second))
}

func (s *sqlStore) ListSlots(ctx context.Context, from, to time.Time, status models.SlotStatus) ([]models.AppointmentSlot, error) {
	query := `SELECT ` + slotColumns + ` FROM appointment_slots WHERE start_time >= ? AND start_time < ?`
	args := []interface{}{from.UTC(), to.UTC()}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY start_time ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" ListSlots query failed", "error", err)
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	var slots []models.AppointmentSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan slot row: %w", err)
		}
		slots = append(slots, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate slot rows: %w", err)
	}
	return slots, nil
}

func (s *sqlStore) BookSlot(ctx context.Context, slotID, leadID, reason, method string) (*models.AppointmentSlot, error) {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE appointment_slots
		SET status = ?, lead_id = ?, reason_for_visit = ?, booked_by_method = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		models.SlotStatusBooked, leadID, reason, method, now, slotID, models.SlotStatusAvailable,
	)
	if err != nil {
		slog.Error(s.name+" BookSlot failed", "error", err, "slotID", slotID, "leadID", leadID)
		return nil, fmt.Errorf("failed to book slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read booking result: %w", err)
	}
	if n == 0 {
		// Either the slot does not exist or someone else holds it.
		if _, err := s.GetSlot(ctx, slotID); err != nil {
			return nil, err
		}
		slog.Info(s.name+" BookSlot: slot not available", "slotID", slotID, "leadID", leadID)
		return nil, models.ErrSlotUnavailable
	}
	slog.Debug(s.name+" BookSlot succeeded", "slotID", slotID, "leadID", leadID, "method", method)
	return s.GetSlot(ctx, slotID)
}

func (s *sqlStore) ReplaceKnowledge(ctx context.Context, title string, chunks []models.KnowledgeChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM knowledge_chunks WHERE title = ?`), title); err != nil {
		return fmt.Errorf("failed to clear knowledge for %q: %w", title, err)
	}
	now := s.timestamp()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.Title = title
		c.CreatedAt = now
		embedding, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("failed to encode embedding: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO knowledge_chunks (id, title, chunk_index, content, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`), c.ID, c.Title, c.ChunkIndex, c.Content, string(embedding), c.CreatedAt)
		if err != nil {
			slog.Error(s.name+" ReplaceKnowledge insert failed", "error", err, "title", title)
			return fmt.Errorf("failed to insert knowledge chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit knowledge: %w", err)
	}
	slog.Debug(s.name+" ReplaceKnowledge succeeded", "title", title, "chunks", len(chunks))
	return nil
}

func (s *sqlStore) ListKnowledge(ctx context.Context) ([]models.KnowledgeChunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, chunk_index, content, embedding, created_at
		FROM knowledge_chunks ORDER BY title, chunk_index`)
	if err != nil {
		slog.Error(s.name+" ListKnowledge query failed", "error", err)
		return nil, fmt.Errorf("failed to query knowledge: %w", err)
	}
	defer rows.Close()

	var chunks []models.KnowledgeChunk
	for rows.Next() {
		var c models.KnowledgeChunk
		var embedding string
		if err := rows.Scan(&c.ID, &c.Title, &c.ChunkIndex, &c.Content, &embedding, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge row: %w", err)
		}
		if err := json.Unmarshal([]byte(embedding), &c.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for chunk %s: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge rows: %w", err)
	}
	return chunks, nil
}
