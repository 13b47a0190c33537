package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TicketLink binds a Matrix room to its helpdesk ticket. A room has at
// most one link; the link survives restarts.
type TicketLink struct {
	ID           int64
	RoomID       string
	TicketID     int64
	PartnerID    int64
	PartnerEmail string
	CreatedAt    time.Time
}

// Direction says which way a relayed message travelled.
type Direction string

const (
	// DirectionInbound is Matrix → CRM.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound is CRM → Matrix.
	DirectionOutbound Direction = "outbound"
)

// Message is an archived relayed message.
type Message struct {
	ID        int64
	RoomID    string
	Sender    string
	Body      string
	Direction Direction
	TicketID  int64
	EventID   string
	CreatedAt time.Time
}

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxEntry is a CRM reply queued for delivery into a Matrix room.
type OutboxEntry struct {
	ID            int64
	RoomID        string
	TicketID      int64
	Body          string
	Attempts      int
	NextAttemptAt time.Time
	Status        OutboxStatus
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TicketLinkStore handles room↔ticket mapping persistence.
type TicketLinkStore interface {
	// CreateTicketLink records a new room→ticket binding.
	CreateTicketLink(ctx context.Context, link *TicketLink) error

	// GetTicketLinkByRoom retrieves the link for a room.
	// Returns ErrNotFound if the room is unlinked.
	GetTicketLinkByRoom(ctx context.Context, roomID string) (*TicketLink, error)

	// GetTicketLinkByTicket retrieves the link for a ticket.
	// Returns ErrNotFound if the ticket is unlinked.
	GetTicketLinkByTicket(ctx context.Context, ticketID int64) (*TicketLink, error)
}

// EventStore deduplicates Matrix events.
type EventStore interface {
	// MarkEventProcessed records the event ID, returning true if the
	// event was not seen before. A false result means the event has
	// already been relayed and must be skipped.
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)

	// UnmarkEvent releases a previously recorded event ID so a failed
	// relay can be redone on redelivery.
	UnmarkEvent(ctx context.Context, eventID string) error
}

// SyncStateStore persists sync stream positions.
type SyncStateStore interface {
	// GetSyncToken returns the stored token for the slot, or "" if none.
	GetSyncToken(ctx context.Context, slot string) (string, error)

	// SetSyncToken stores the token for the slot, replacing any prior value.
	SetSyncToken(ctx context.Context, slot, token string) error
}

// MessageStore archives relayed messages.
type MessageStore interface {
	// SaveMessage persists a message to the archive.
	SaveMessage(ctx context.Context, msg *Message) error

	// ListMessages retrieves archived messages in chronological order.
	// If beforeID is provided, returns messages older than that ID.
	ListMessages(ctx context.Context, limit int, beforeID *int64) ([]*Message, error)

	// CountMessages returns the number of archived messages.
	CountMessages(ctx context.Context) (int64, error)
}

// OutboxStore handles the CRM→Matrix delivery queue.
type OutboxStore interface {
	// EnqueueOutbox adds a pending entry. ID and timestamps are filled in.
	EnqueueOutbox(ctx context.Context, entry *OutboxEntry) error

	// ClaimDueOutbox returns pending entries whose next attempt is due.
	// A room with an earlier pending entry blocks its later entries so
	// per-room delivery order is preserved.
	ClaimDueOutbox(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error)

	// MarkOutboxSent flags an entry as delivered.
	MarkOutboxSent(ctx context.Context, id int64) error

	// MarkOutboxRetry reschedules an entry after a failed attempt.
	MarkOutboxRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error

	// MarkOutboxFailed flags an entry as terminally failed.
	MarkOutboxFailed(ctx context.Context, id int64, lastError string) error

	// GetOutboxEntry retrieves an entry by ID.
	GetOutboxEntry(ctx context.Context, id int64) (*OutboxEntry, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	TicketLinkStore
	EventStore
	SyncStateStore
	MessageStore
	OutboxStore

	// Close closes the underlying database connection.
	Close() error
}
