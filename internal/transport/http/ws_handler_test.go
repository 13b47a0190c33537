package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/adaire-dev/matrix-crm-bridge/internal/matrix"
	"github.com/adaire-dev/matrix-crm-bridge/internal/monitor"
)

func TestEventsSocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.server.Handler)
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/ws/events?token=garbage")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestEventsSocketReplaysAndStreams(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t)

	ts := httptest.NewServer(env.server.Handler)
	t.Cleanup(ts.Close)

	// An event published before connecting is replayed from the buffer.
	if err := env.relay.HandleMatrixMessage(t.Context(), matrix.MessageEvent{
		EventID: "$e1",
		RoomID:  "!help:example.com",
		Sender:  "@alice:example.com",
		Body:    "help",
		MsgType: "m.text",
	}); err != nil {
		t.Fatalf("HandleMatrixMessage failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/events?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Replay: message_received then ticket_created.
	var first monitor.Event
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read replayed event: %v", err)
	}
	if first.Kind != monitor.EventMessageReceived {
		t.Fatalf("expected message_received first, got %q", first.Kind)
	}

	var second monitor.Event
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatalf("read second replayed event: %v", err)
	}
	if second.Kind != monitor.EventTicketCreated {
		t.Fatalf("expected ticket_created, got %q", second.Kind)
	}

	// A live event published after connecting arrives too.
	link, err := env.store.GetTicketLinkByRoom(t.Context(), "!help:example.com")
	if err != nil {
		t.Fatalf("expected room link: %v", err)
	}
	if _, _, err := env.relay.HandleTicketReply(t.Context(), link.TicketID, "Dana", "on it"); err != nil {
		t.Fatalf("HandleTicketReply failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		var event monitor.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			t.Fatalf("read live event: %v", err)
		}
		if event.Kind == monitor.EventReplyEnqueued {
			if event.TicketID != link.TicketID {
				t.Errorf("unexpected live event: %+v", event)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for live event")
		}
	}
}
