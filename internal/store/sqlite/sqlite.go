package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/adaire-dev/matrix-crm-bridge/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Set connection pool limits
	db.SetMaxOpenConns(1) // SQLite works best with single connection
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup creates a new SQLite store and runs a setup function
// after applying the schema. Useful for tests to seed fixture rows.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	s, err := New(dbPath)
	if err != nil {
		return nil, err
	}

	if setup != nil {
		if err := setup(s.db); err != nil {
			s.db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== TicketLinkStore implementation ====

// CreateTicketLink records a new room→ticket binding.
func (s *SQLiteStore) CreateTicketLink(ctx context.Context, link *store.TicketLink) error {
	query := `
		INSERT INTO ticket_links (room_id, ticket_id, partner_id, partner_email)
		VALUES (?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, link.RoomID, link.TicketID, link.PartnerID, link.PartnerEmail)
	if err != nil {
		return fmt.Errorf("insert ticket link: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	link.ID = id
	return nil
}

// GetTicketLinkByRoom retrieves the link for a room.
func (s *SQLiteStore) GetTicketLinkByRoom(ctx context.Context, roomID string) (*store.TicketLink, error) {
	query := `
		SELECT id, room_id, ticket_id, partner_id, partner_email, created_at
		FROM ticket_links
		WHERE room_id = ?
	`
	return s.scanTicketLink(s.db.QueryRowContext(ctx, query, roomID))
}

// GetTicketLinkByTicket retrieves the link for a ticket.
func (s *SQLiteStore) GetTicketLinkByTicket(ctx context.Context, ticketID int64) (*store.TicketLink, error) {
	query := `
		SELECT id, room_id, ticket_id, partner_id, partner_email, created_at
		FROM ticket_links
		WHERE ticket_id = ?
	`
	return s.scanTicketLink(s.db.QueryRowContext(ctx, query, ticketID))
}

func (s *SQLiteStore) scanTicketLink(row *sql.Row) (*store.TicketLink, error) {
	var link store.TicketLink
	err := row.Scan(
		&link.ID,
		&link.RoomID,
		&link.TicketID,
		&link.PartnerID,
		&link.PartnerEmail,
		&link.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query ticket link: %w", err)
	}
	return &link, nil
}

// ==== EventStore implementation ====

// MarkEventProcessed records the event ID, returning true if it was new.
func (s *SQLiteStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	query := `
		INSERT OR IGNORE INTO processed_events (event_id)
		VALUES (?)
	`
	result, err := s.db.ExecContext(ctx, query, eventID)
	if err != nil {
		return false, fmt.Errorf("insert processed event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// UnmarkEvent releases a previously recorded event ID.
func (s *SQLiteStore) UnmarkEvent(ctx context.Context, eventID string) error {
	query := `DELETE FROM processed_events WHERE event_id = ?`
	_, err := s.db.ExecContext(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("delete processed event: %w", err)
	}
	return nil
}

// ==== SyncStateStore implementation ====

// GetSyncToken returns the stored token for the slot, or "" if none.
func (s *SQLiteStore) GetSyncToken(ctx context.Context, slot string) (string, error) {
	query := `SELECT token FROM sync_state WHERE slot = ?`
	var token string
	err := s.db.QueryRowContext(ctx, query, slot).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query sync token: %w", err)
	}
	return token, nil
}

// SetSyncToken stores the token for the slot.
func (s *SQLiteStore) SetSyncToken(ctx context.Context, slot, token string) error {
	query := `
		INSERT INTO sync_state (slot, token, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(slot) DO UPDATE SET token = excluded.token, updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query, slot, token)
	if err != nil {
		return fmt.Errorf("upsert sync token: %w", err)
	}
	return nil
}

// ==== MessageStore implementation ====

// SaveMessage persists a message to the archive.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO messages (room_id, sender, body, direction, ticket_id, event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		msg.RoomID, msg.Sender, msg.Body, string(msg.Direction), msg.TicketID, msg.EventID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	msg.ID = id
	return nil
}

// ListMessages retrieves archived messages with pagination.
func (s *SQLiteStore) ListMessages(ctx context.Context, limit int, beforeID *int64) ([]*store.Message, error) {
	var query string
	var args []interface{}

	if beforeID != nil {
		query = `
			SELECT id, room_id, sender, body, direction, ticket_id, event_id, created_at
			FROM messages
			WHERE id < ?
			ORDER BY id DESC
			LIMIT ?
		`
		args = []interface{}{*beforeID, limit}
	} else {
		query = `
			SELECT id, room_id, sender, body, direction, ticket_id, event_id, created_at
			FROM messages
			ORDER BY id DESC
			LIMIT ?
		`
		args = []interface{}{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var msg store.Message
		var direction string
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Sender, &msg.Body, &direction, &msg.TicketID, &msg.EventID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Direction = store.Direction(direction)
		messages = append(messages, &msg)
	}

	// Reverse to get chronological order
	for i := range len(messages) / 2 {
		messages[i], messages[len(messages)-1-i] = messages[len(messages)-1-i], messages[i]
	}

	return messages, rows.Err()
}

// CountMessages returns the number of archived messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// ==== OutboxStore implementation ====

// EnqueueOutbox adds a pending entry.
func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, entry *store.OutboxEntry) error {
	if entry.NextAttemptAt.IsZero() {
		entry.NextAttemptAt = time.Now().UTC()
	}
	entry.Status = store.OutboxStatusPending

	query := `
		INSERT INTO outbox (room_id, ticket_id, body, next_attempt_at, status)
		VALUES (?, ?, ?, ?, 'pending')
	`
	result, err := s.db.ExecContext(ctx, query, entry.RoomID, entry.TicketID, entry.Body, entry.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}

	entry.ID = id
	return nil
}

// ClaimDueOutbox returns pending entries whose next attempt is due.
// An entry is held back while an earlier pending entry exists for the
// same room, preserving per-room delivery order.
func (s *SQLiteStore) ClaimDueOutbox(ctx context.Context, now time.Time, limit int) ([]*store.OutboxEntry, error) {
	query := `
		SELECT o.id, o.room_id, o.ticket_id, o.body, o.attempts, o.next_attempt_at, o.status, o.last_error, o.created_at, o.updated_at
		FROM outbox o
		WHERE o.status = 'pending'
		  AND o.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.room_id = o.room_id AND p.status = 'pending' AND p.id < o.id
		  )
		ORDER BY o.id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox: %w", err)
	}
	defer rows.Close()

	var entries []*store.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// MarkOutboxSent flags an entry as delivered.
func (s *SQLiteStore) MarkOutboxSent(ctx context.Context, id int64) error {
	query := `
		UPDATE outbox
		SET status = 'sent', last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	return s.updateOutbox(ctx, query, id)
}

// MarkOutboxRetry reschedules an entry after a failed attempt.
func (s *SQLiteStore) MarkOutboxRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	query := `
		UPDATE outbox
		SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, attempts, nextAttempt, lastError, id)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	return checkOneRow(result)
}

// MarkOutboxFailed flags an entry as terminally failed.
func (s *SQLiteStore) MarkOutboxFailed(ctx context.Context, id int64, lastError string) error {
	query := `
		UPDATE outbox
		SET status = 'failed', last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, lastError, id)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	return checkOneRow(result)
}

// GetOutboxEntry retrieves an entry by ID.
func (s *SQLiteStore) GetOutboxEntry(ctx context.Context, id int64) (*store.OutboxEntry, error) {
	query := `
		SELECT id, room_id, ticket_id, body, attempts, next_attempt_at, status, last_error, created_at, updated_at
		FROM outbox
		WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	entry, err := scanOutboxEntry(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (s *SQLiteStore) updateOutbox(ctx context.Context, query string, id int64) error {
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	return checkOneRow(result)
}

func checkOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanOutboxEntry(scan func(...any) error) (*store.OutboxEntry, error) {
	var entry store.OutboxEntry
	var status string
	err := scan(
		&entry.ID,
		&entry.RoomID,
		&entry.TicketID,
		&entry.Body,
		&entry.Attempts,
		&entry.NextAttemptAt,
		&status,
		&entry.LastError,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan outbox entry: %w", err)
	}
	entry.Status = store.OutboxStatus(status)
	return &entry, nil
}

// Ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)
