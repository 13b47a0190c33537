// Package bridge relays messages between a Matrix homeserver and a CRM
// helpdesk. Inbound Matrix messages become helpdesk tickets or ticket
// comments; CRM agent replies are queued for delivery back into the
// originating room.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adaire-dev/matrix-crm-bridge/internal/matrix"
	"github.com/adaire-dev/matrix-crm-bridge/internal/monitor"
	"github.com/adaire-dev/matrix-crm-bridge/internal/store"
)

var (
	// ErrTicketNotLinked is returned when a ticket has no Matrix room.
	ErrTicketNotLinked = errors.New("ticket not linked to a room")
	// ErrRoomNotLinked is returned when a room has no ticket.
	ErrRoomNotLinked = errors.New("room not linked to a ticket")
)

// CRMClient is the helpdesk surface the relay needs.
type CRMClient interface {
	FindOrCreatePartner(ctx context.Context, email, name string) (int64, error)
	CreateTicket(ctx context.Context, partnerID int64, subject, description string) (int64, error)
	AddTicketMessage(ctx context.Context, ticketID, authorID int64, body string) (int64, error)
}

// MatrixSender sends messages into Matrix rooms.
type MatrixSender interface {
	SendMessage(ctx context.Context, roomID string, content matrix.MessageContent) (string, error)
}

// Relay holds the bridging logic for both directions.
// Inbound handling is serialized: a single worker keeps the
// room→ticket mapping race-free without SQL-level upserts.
type Relay struct {
	store   store.Store
	crm     CRMClient
	sender  MatrixSender
	monitor *monitor.Monitor
	log     *zerolog.Logger

	mu sync.Mutex
}

// NewRelay creates a relay.
func NewRelay(st store.Store, crmClient CRMClient, sender MatrixSender, mon *monitor.Monitor, logger *zerolog.Logger) *Relay {
	return &Relay{
		store:   st,
		crm:     crmClient,
		sender:  sender,
		monitor: mon,
		log:     logger,
	}
}

// HandleMatrixMessage relays an inbound Matrix message into the CRM.
// The first message from a room opens a ticket; later messages append
// comments. Redelivered events (sync replay, webhook retry) are
// deduplicated by event ID and acknowledged without re-relaying.
func (r *Relay) HandleMatrixMessage(ctx context.Context, event matrix.MessageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh, err := r.store.MarkEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("dedup event %s: %w", event.EventID, err)
	}
	if !fresh {
		r.log.Debug().Str("event_id", event.EventID).Msg("event already relayed, skipping")
		return nil
	}

	r.monitor.Publish(monitor.Event{
		Kind:   monitor.EventMessageReceived,
		RoomID: event.RoomID,
		Sender: event.Sender,
		Body:   event.Body,
	})

	ticketID, err := r.relayToTicket(ctx, event)
	if err != nil {
		// Release the dedup marker so the event can be redone when the
		// sync batch is redelivered.
		if unmarkErr := r.store.UnmarkEvent(ctx, event.EventID); unmarkErr != nil {
			r.log.Error().Err(unmarkErr).Str("event_id", event.EventID).Msg("failed to release event marker")
		}
		return err
	}

	archived := &store.Message{
		RoomID:    event.RoomID,
		Sender:    event.Sender,
		Body:      event.Body,
		Direction: store.DirectionInbound,
		TicketID:  ticketID,
		EventID:   event.EventID,
	}
	if err := r.store.SaveMessage(ctx, archived); err != nil {
		r.log.Warn().Err(err).Str("event_id", event.EventID).Msg("failed to archive message")
	}

	return nil
}

func (r *Relay) relayToTicket(ctx context.Context, event matrix.MessageEvent) (int64, error) {
	link, err := r.store.GetTicketLinkByRoom(ctx, event.RoomID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("lookup ticket link for %s: %w", event.RoomID, err)
	}

	if link != nil {
		if _, err := r.crm.AddTicketMessage(ctx, link.TicketID, link.PartnerID, event.Body); err != nil {
			return 0, fmt.Errorf("append to ticket %d: %w", link.TicketID, err)
		}
		r.log.Info().
			Int64("ticket_id", link.TicketID).
			Str("room_id", event.RoomID).
			Str("sender", event.Sender).
			Msg("appended message to ticket")
		r.monitor.Publish(monitor.Event{
			Kind:     monitor.EventTicketUpdated,
			RoomID:   event.RoomID,
			TicketID: link.TicketID,
			Sender:   event.Sender,
			Body:     event.Body,
		})
		return link.TicketID, nil
	}

	email := partnerEmail(event.Sender)
	partnerID, err := r.crm.FindOrCreatePartner(ctx, email, event.Sender)
	if err != nil {
		return 0, fmt.Errorf("resolve partner for %s: %w", event.Sender, err)
	}

	subject := fmt.Sprintf("Matrix Support - %s", time.Now().UTC().Format("2006-01-02 15:04"))
	ticketID, err := r.crm.CreateTicket(ctx, partnerID, subject, event.Body)
	if err != nil {
		return 0, fmt.Errorf("create ticket for %s: %w", event.RoomID, err)
	}

	link = &store.TicketLink{
		RoomID:       event.RoomID,
		TicketID:     ticketID,
		PartnerID:    partnerID,
		PartnerEmail: email,
	}
	if err := r.store.CreateTicketLink(ctx, link); err != nil {
		return 0, fmt.Errorf("link room %s to ticket %d: %w", event.RoomID, ticketID, err)
	}

	r.log.Info().
		Int64("ticket_id", ticketID).
		Str("room_id", event.RoomID).
		Str("sender", event.Sender).
		Msg("opened ticket for room")
	r.monitor.Publish(monitor.Event{
		Kind:     monitor.EventTicketCreated,
		RoomID:   event.RoomID,
		TicketID: ticketID,
		Sender:   event.Sender,
		Body:     event.Body,
	})
	return ticketID, nil
}

// HandleTicketReply queues a CRM agent reply for delivery into the
// ticket's Matrix room. Returns the room ID and the outbox entry ID.
// Delivery itself happens asynchronously in the outbox worker.
func (r *Relay) HandleTicketReply(ctx context.Context, ticketID int64, author, body string) (string, int64, error) {
	link, err := r.store.GetTicketLinkByTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", 0, ErrTicketNotLinked
		}
		return "", 0, fmt.Errorf("lookup room for ticket %d: %w", ticketID, err)
	}

	if author == "" {
		author = "Support Agent"
	}

	entry := &store.OutboxEntry{
		RoomID:   link.RoomID,
		TicketID: ticketID,
		Body:     fmt.Sprintf("%s: %s", author, body),
	}
	if err := r.store.EnqueueOutbox(ctx, entry); err != nil {
		return "", 0, fmt.Errorf("enqueue reply for ticket %d: %w", ticketID, err)
	}

	archived := &store.Message{
		RoomID:    link.RoomID,
		Sender:    author,
		Body:      body,
		Direction: store.DirectionOutbound,
		TicketID:  ticketID,
	}
	if err := r.store.SaveMessage(ctx, archived); err != nil {
		r.log.Warn().Err(err).Int64("ticket_id", ticketID).Msg("failed to archive reply")
	}

	r.log.Info().
		Int64("ticket_id", ticketID).
		Str("room_id", link.RoomID).
		Int64("outbox_id", entry.ID).
		Msg("queued ticket reply")
	r.monitor.Publish(monitor.Event{
		Kind:     monitor.EventReplyEnqueued,
		RoomID:   link.RoomID,
		TicketID: ticketID,
		Sender:   author,
		Body:     body,
	})
	return link.RoomID, entry.ID, nil
}

// SendDirect sends a message straight into a room, bypassing the
// outbox. Used by the manual send endpoint.
func (r *Relay) SendDirect(ctx context.Context, roomID, body string) (string, error) {
	eventID, err := r.sender.SendMessage(ctx, roomID, matrix.NewTextMessage(body))
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", roomID, err)
	}

	archived := &store.Message{
		RoomID:    roomID,
		Sender:    "bridge",
		Body:      body,
		Direction: store.DirectionOutbound,
		EventID:   eventID,
	}
	if err := r.store.SaveMessage(ctx, archived); err != nil {
		r.log.Warn().Err(err).Str("room_id", roomID).Msg("failed to archive direct send")
	}
	return eventID, nil
}

// TicketLink exposes the room↔ticket binding for the admin API.
func (r *Relay) TicketLink(ctx context.Context, ticketID int64) (*store.TicketLink, error) {
	link, err := r.store.GetTicketLinkByTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTicketNotLinked
		}
		return nil, err
	}
	return link, nil
}

// partnerEmail derives a stable CRM contact address from a Matrix user
// ID: "@alice:example.com" becomes "alice@example.com". Senders without
// the expected shape fall back to a synthetic matrix.invalid address.
func partnerEmail(sender string) string {
	trimmed := strings.TrimPrefix(sender, "@")
	localpart, server, found := strings.Cut(trimmed, ":")
	if !found || localpart == "" || server == "" {
		return trimmed + "@matrix.invalid"
	}
	return localpart + "@" + server
}
