package matrix

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// defaultLongPoll is the server-side long-poll hold for normal /sync
// calls when no sync_timeout is configured. 30 seconds matches the
// client-server spec recommendation.
const defaultLongPoll = 30 * time.Second

// retryTimeout is the server-side timeout in milliseconds used after a
// /sync error. Short so the retry completes quickly.
const retryTimeout = 1000

// maxSyncRetries is the number of consecutive /sync failures before the
// syncer backs off with a full errorPause instead of hammering the server.
const maxSyncRetries = 5

// errorPause is how long the syncer sleeps after exhausting quick retries.
const errorPause = 30 * time.Second

// TokenStore persists the /sync position across restarts.
type TokenStore interface {
	// GetSyncToken returns the stored token for the slot, or "" if none.
	GetSyncToken(ctx context.Context, slot string) (string, error)
	// SetSyncToken stores the token for the slot.
	SetSyncToken(ctx context.Context, slot, token string) error
}

// MessageHandler consumes a text message from the sync stream. Returning
// an error leaves the sync token unadvanced so the batch is redelivered.
type MessageHandler func(ctx context.Context, event MessageEvent) error

// tokenSlot names the bridge's position in the sync stream.
const tokenSlot = "matrix"

// Syncer runs the /sync long-poll loop, extracting m.room.message
// timeline events from joined rooms and delivering them to a handler.
// The bridge's own messages and non-text msgtypes are skipped.
//
// The sync token is persisted only after the whole batch is handled, so
// a crash mid-batch redelivers the batch; the relay's event dedup makes
// that redelivery harmless.
type Syncer struct {
	client   *Client
	tokens   TokenStore
	handler  MessageHandler
	filter   string
	longPoll time.Duration
	log      *zerolog.Logger

	started chan struct{}
	stopped chan struct{}
}

// NewSyncer builds a syncer around the client. The handler is invoked
// sequentially, in server delivery order. longPoll is the /sync hold
// time; zero means the 30s default.
func NewSyncer(client *Client, tokens TokenStore, handler MessageHandler, longPoll time.Duration, logger *zerolog.Logger) *Syncer {
	if longPoll <= 0 {
		longPoll = defaultLongPoll
	}
	return &Syncer{
		client:   client,
		tokens:   tokens,
		handler:  handler,
		filter:   buildMessageFilter(),
		longPoll: longPoll,
		log:      logger,
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// buildMessageFilter constructs the inline /sync filter: timeline
// restricted to m.room.message, presence and account data suppressed.
func buildMessageFilter() string {
	top := map[string]any{
		"room": map[string]any{
			"timeline": map[string]any{"types": []string{"m.room.message"}},
			"state":    map[string]any{"types": []string{}},
		},
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}
	data, _ := json.Marshal(top)
	return string(data)
}

// Running reports whether the sync loop has started and not yet exited.
func (s *Syncer) Running() bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case <-s.started:
		return true
	default:
		return false
	}
}

// Run blocks, long-polling /sync until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	close(s.started)
	defer close(s.stopped)

	since, err := s.tokens.GetSyncToken(ctx, tokenSlot)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to load sync token, starting from live")
		since = ""
	}
	if since == "" {
		// No stored position: take a zero-timeout sync to obtain the
		// current next_batch without replaying history into the CRM.
		response, err := s.client.Sync(ctx, SyncOptions{SetTimeout: true, Timeout: 0, Filter: s.filter})
		if err != nil {
			return err
		}
		since = response.NextBatch
		if err := s.tokens.SetSyncToken(ctx, tokenSlot, since); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist initial sync token")
		}
		s.log.Info().Str("next_batch", since).Msg("anchored sync position")
	} else {
		s.log.Info().Str("next_batch", since).Msg("resuming sync position")
	}

	var retries int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		syncTimeout := int(s.longPoll / time.Millisecond)
		if retries > 0 {
			syncTimeout = retryTimeout
		}
		response, err := s.client.Sync(ctx, SyncOptions{
			Since:      since,
			SetTimeout: true,
			Timeout:    syncTimeout,
			Filter:     s.filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			retries++
			s.client.CloseIdleConnections()
			if retries > maxSyncRetries {
				s.log.Error().Err(err).Int("attempts", retries).Msg("sync failing, backing off")
				retries = 0
				select {
				case <-time.After(errorPause):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			s.log.Warn().Err(err).Int("attempt", retries).Msg("sync error, retrying")
			continue
		}
		retries = 0

		if err := s.dispatch(ctx, response); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Leave `since` unadvanced: the next sync redelivers the
			// batch and already-relayed events dedup away.
			s.log.Error().Err(err).Msg("handler failed, batch will be redelivered")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		since = response.NextBatch
		if err := s.tokens.SetSyncToken(ctx, tokenSlot, since); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist sync token")
		}
	}
}

func (s *Syncer) dispatch(ctx context.Context, response *SyncResponse) error {
	for roomID, joined := range response.Rooms.Join {
		for _, event := range joined.Timeline.Events {
			if event.Type != "m.room.message" {
				continue
			}
			if event.Sender == s.client.UserID() {
				continue
			}

			var content MessageContent
			if err := json.Unmarshal(event.Content, &content); err != nil {
				s.log.Debug().Str("event_id", event.EventID).Msg("skipping message with unparseable content")
				continue
			}
			if content.MsgType != "m.text" {
				continue
			}

			message := MessageEvent{
				EventID:       event.EventID,
				RoomID:        roomID,
				Sender:        event.Sender,
				Body:          content.Body,
				MsgType:       content.MsgType,
				FormattedBody: content.FormattedBody,
				Timestamp:     event.OriginServerTS,
			}
			if err := s.handler(ctx, message); err != nil {
				return err
			}
		}
	}
	return nil
}
