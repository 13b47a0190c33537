package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adaire-dev/matrix-crm-bridge/internal/matrix"
	"github.com/adaire-dev/matrix-crm-bridge/internal/monitor"
	"github.com/adaire-dev/matrix-crm-bridge/internal/store"
)

// claimBatchSize bounds how many entries one tick delivers.
const claimBatchSize = 16

// maxBackoff caps the delay between delivery attempts.
const maxBackoff = 5 * time.Minute

// OutboxConfig tunes the delivery worker.
type OutboxConfig struct {
	// Interval is how often the worker polls for due entries.
	Interval time.Duration
	// MaxAttempts is the number of delivery attempts before an entry
	// is marked failed.
	MaxAttempts int
	// BaseBackoff is the delay after the first failed attempt; it
	// doubles per attempt up to maxBackoff.
	BaseBackoff time.Duration
}

// Outbox delivers queued CRM replies into Matrix rooms with retry.
// Matrix transaction IDs make a redelivered send idempotent server-side,
// so an entry interrupted between send and the sent-mark does not
// duplicate the message visible to users.
type Outbox struct {
	store   store.OutboxStore
	sender  MatrixSender
	monitor *monitor.Monitor
	cfg     OutboxConfig
	log     *zerolog.Logger
}

// NewOutbox creates the delivery worker.
func NewOutbox(st store.OutboxStore, sender MatrixSender, mon *monitor.Monitor, cfg OutboxConfig, logger *zerolog.Logger) *Outbox {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	return &Outbox{
		store:   st,
		sender:  sender,
		monitor: mon,
		cfg:     cfg,
		log:     logger,
	}
}

// Run polls and delivers until the context is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick delivers one batch of due entries. Exposed for tests.
func (o *Outbox) Tick(ctx context.Context) {
	entries, err := o.store.ClaimDueOutbox(ctx, time.Now().UTC(), claimBatchSize)
	if err != nil {
		o.log.Error().Err(err).Msg("failed to claim outbox entries")
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		o.deliver(ctx, entry)
	}
}

func (o *Outbox) deliver(ctx context.Context, entry *store.OutboxEntry) {
	eventID, err := o.sender.SendMessage(ctx, entry.RoomID, matrix.NewTextMessage(entry.Body))
	if err == nil {
		if markErr := o.store.MarkOutboxSent(ctx, entry.ID); markErr != nil {
			o.log.Error().Err(markErr).Int64("outbox_id", entry.ID).Msg("delivered but failed to mark sent")
			return
		}
		o.log.Info().
			Int64("outbox_id", entry.ID).
			Str("room_id", entry.RoomID).
			Str("event_id", eventID).
			Msg("delivered reply")
		o.monitor.Publish(monitor.Event{
			Kind:     monitor.EventReplyDelivered,
			RoomID:   entry.RoomID,
			TicketID: entry.TicketID,
			Body:     entry.Body,
		})
		return
	}

	attempts := entry.Attempts + 1
	if attempts >= o.cfg.MaxAttempts {
		o.log.Error().Err(err).
			Int64("outbox_id", entry.ID).
			Int("attempts", attempts).
			Msg("reply delivery failed permanently")
		if markErr := o.store.MarkOutboxFailed(ctx, entry.ID, err.Error()); markErr != nil {
			o.log.Error().Err(markErr).Int64("outbox_id", entry.ID).Msg("failed to mark entry failed")
		}
		o.monitor.Publish(monitor.Event{
			Kind:     monitor.EventReplyFailed,
			RoomID:   entry.RoomID,
			TicketID: entry.TicketID,
			Body:     entry.Body,
		})
		return
	}

	next := time.Now().UTC().Add(o.backoff(attempts))
	o.log.Warn().Err(err).
		Int64("outbox_id", entry.ID).
		Int("attempt", attempts).
		Time("next_attempt", next).
		Msg("reply delivery failed, will retry")
	if markErr := o.store.MarkOutboxRetry(ctx, entry.ID, attempts, next, err.Error()); markErr != nil {
		o.log.Error().Err(markErr).Int64("outbox_id", entry.ID).Msg("failed to reschedule entry")
	}
}

// backoff doubles per attempt: base, 2*base, 4*base, ... capped.
func (o *Outbox) backoff(attempts int) time.Duration {
	d := o.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
