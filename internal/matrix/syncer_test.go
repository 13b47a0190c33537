package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]string)}
}

func (m *memTokenStore) GetSyncToken(_ context.Context, slot string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[slot], nil
}

func (m *memTokenStore) SetSyncToken(_ context.Context, slot, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[slot] = token
	return nil
}

func textEvent(eventID, sender, body string) Event {
	content, _ := json.Marshal(MessageContent{MsgType: "m.text", Body: body})
	return Event{EventID: eventID, Type: "m.room.message", Sender: sender, Content: content}
}

func syncBatch(nextBatch, roomID string, events ...Event) SyncResponse {
	return SyncResponse{
		NextBatch: nextBatch,
		Rooms: SyncRooms{
			Join: map[string]JoinedRoom{
				roomID: {Timeline: Timeline{Events: events}},
			},
		},
	}
}

// scriptedServer serves one SyncResponse per /sync call, then cancels
// the run context so the loop exits.
func scriptedServer(t *testing.T, cancel context.CancelFunc, responses []SyncResponse) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var sinceLog []string
	call := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		sinceLog = append(sinceLog, r.URL.Query().Get("since"))
		if call >= len(responses) {
			cancel()
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"errcode":"M_UNKNOWN","error":"script exhausted"}`))
			return
		}
		response := responses[call]
		call++
		json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(server.Close)
	return server, &sinceLog
}

func newSyncerForServer(t *testing.T, server *httptest.Server, tokens TokenStore, handler MessageHandler) *Syncer {
	t.Helper()
	client, err := NewClient(ClientConfig{
		HomeserverURL: server.URL,
		AccessToken:   "syt_test_token",
		UserID:        "@bridge:example.com",
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	logger := zerolog.Nop()
	return NewSyncer(client, tokens, handler, 5*time.Second, &logger)
}

func TestSyncerAnchorsThenDeliversMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, sinceLog := scriptedServer(t, cancel, []SyncResponse{
		{NextBatch: "s1"}, // anchor sync, no stored token
		syncBatch("s2", "!help:example.com",
			textEvent("$e1", "@alice:example.com", "hello"),
			textEvent("$e2", "@bridge:example.com", "own message, skipped"),
			Event{EventID: "$e3", Type: "m.room.member", Sender: "@alice:example.com"},
		),
	})

	var delivered []MessageEvent
	tokens := newMemTokenStore()
	syncer := newSyncerForServer(t, server, tokens, func(_ context.Context, event MessageEvent) error {
		delivered = append(delivered, event)
		return nil
	})

	err := syncer.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivered message, got %d: %+v", len(delivered), delivered)
	}
	if delivered[0].EventID != "$e1" || delivered[0].RoomID != "!help:example.com" || delivered[0].Body != "hello" {
		t.Errorf("unexpected delivered event: %+v", delivered[0])
	}

	// s2 was persisted after the batch was handled.
	token, _ := tokens.GetSyncToken(context.Background(), "matrix")
	if token != "s2" {
		t.Errorf("expected persisted token s2, got %q", token)
	}

	// First call anchors with no since, second polls from s1.
	log := *sinceLog
	if len(log) < 2 || log[0] != "" || log[1] != "s1" {
		t.Errorf("unexpected since progression: %v", log)
	}
}

func TestSyncerResumesFromStoredToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, sinceLog := scriptedServer(t, cancel, []SyncResponse{
		{NextBatch: "s101"},
	})

	tokens := newMemTokenStore()
	tokens.SetSyncToken(context.Background(), "matrix", "s100")

	syncer := newSyncerForServer(t, server, tokens, func(_ context.Context, _ MessageEvent) error {
		return nil
	})
	_ = syncer.Run(ctx)

	log := *sinceLog
	if len(log) == 0 || log[0] != "s100" {
		t.Errorf("expected first poll from stored token, got %v", log)
	}
}

func TestSyncerHoldsTokenOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batch := syncBatch("s2", "!help:example.com", textEvent("$e1", "@alice:example.com", "hello"))
	server, sinceLog := scriptedServer(t, cancel, []SyncResponse{
		{NextBatch: "s1"},
		batch,
		batch, // redelivered after the handler failure
	})

	tokens := newMemTokenStore()
	var calls int
	syncer := newSyncerForServer(t, server, tokens, func(_ context.Context, _ MessageEvent) error {
		calls++
		if calls == 1 {
			return errors.New("crm unavailable")
		}
		return nil
	})
	_ = syncer.Run(ctx)

	if calls != 2 {
		t.Fatalf("expected handler called twice, got %d", calls)
	}
	// The failed batch was re-requested from the same position.
	log := *sinceLog
	if len(log) < 3 || log[1] != "s1" || log[2] != "s1" {
		t.Errorf("expected batch re-poll from s1, got %v", log)
	}
	token, _ := tokens.GetSyncToken(context.Background(), "matrix")
	if token != "s2" {
		t.Errorf("expected token advanced to s2 after successful retry, got %q", token)
	}
}

func TestSyncerSkipsNonTextContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	imageContent, _ := json.Marshal(MessageContent{MsgType: "m.image", Body: "cat.png"})
	server, _ := scriptedServer(t, cancel, []SyncResponse{
		{NextBatch: "s1"},
		syncBatch("s2", "!help:example.com",
			Event{EventID: "$img", Type: "m.room.message", Sender: "@alice:example.com", Content: imageContent},
		),
	})

	var delivered int
	syncer := newSyncerForServer(t, server, newMemTokenStore(), func(_ context.Context, _ MessageEvent) error {
		delivered++
		return nil
	})
	_ = syncer.Run(ctx)

	if delivered != 0 {
		t.Errorf("expected no deliveries for non-text content, got %d", delivered)
	}
}

func TestSyncerUsesConfiguredLongPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var timeouts []string
	call := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		timeouts = append(timeouts, r.URL.Query().Get("timeout"))
		if call > 0 {
			cancel()
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"errcode":"M_UNKNOWN","error":"done"}`))
			return
		}
		call++
		json.NewEncoder(w).Encode(SyncResponse{NextBatch: "s1"})
	}))
	t.Cleanup(server.Close)

	syncer := newSyncerForServer(t, server, newMemTokenStore(), func(_ context.Context, _ MessageEvent) error {
		return nil
	})
	_ = syncer.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(timeouts) < 2 {
		t.Fatalf("expected at least 2 sync calls, got %d", len(timeouts))
	}
	if timeouts[0] != "0" {
		t.Errorf("expected zero-timeout anchor sync, got %q", timeouts[0])
	}
	if timeouts[1] != "5000" {
		t.Errorf("expected configured 5s long-poll, got %q", timeouts[1])
	}
}

func TestSyncerRunningLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, _ := scriptedServer(t, cancel, []SyncResponse{
		{NextBatch: "s1"},
		syncBatch("s2", "!help:example.com",
			textEvent("$e1", "@alice:example.com", "hello"),
		),
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	syncer := newSyncerForServer(t, server, newMemTokenStore(), func(_ context.Context, _ MessageEvent) error {
		close(entered)
		<-release
		return nil
	})

	if syncer.Running() {
		t.Error("expected not running before Run starts")
	}

	done := make(chan struct{})
	go func() {
		_ = syncer.Run(ctx)
		close(done)
	}()

	<-entered
	if !syncer.Running() {
		t.Error("expected running while the loop is handling a batch")
	}
	close(release)

	<-done
	if syncer.Running() {
		t.Error("expected not running after Run returns")
	}
}
