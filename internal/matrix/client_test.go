package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		HomeserverURL: server.URL,
		AccessToken:   "syt_test_token",
		UserID:        "@bridge:example.com",
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{AccessToken: "tok"}); err == nil {
		t.Error("expected error for missing homeserver URL")
	}
	if _, err := NewClient(ClientConfig{HomeserverURL: "http://localhost"}); err == nil {
		t.Error("expected error for missing access token")
	}
}

func TestWhoAmI(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer syt_test_token" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode(WhoAmIResponse{UserID: "@bridge:example.com"})
	})

	userID, err := client.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if userID != "@bridge:example.com" {
		t.Errorf("unexpected user ID %q", userID)
	}
}

func TestSendMessageUsesUniqueTransactionIDs(t *testing.T) {
	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		paths = append(paths, r.URL.Path)

		var content MessageContent
		if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if content.MsgType != "m.text" {
			t.Errorf("unexpected msgtype %q", content.MsgType)
		}
		json.NewEncoder(w).Encode(SendEventResponse{EventID: "$abc"})
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		eventID, err := client.SendMessage(ctx, "!room:example.com", NewTextMessage("hi"))
		if err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if eventID != "$abc" {
			t.Errorf("unexpected event ID %q", eventID)
		}
	}

	if len(paths) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(paths))
	}
	for _, p := range paths {
		if !strings.Contains(p, "/send/m.room.message/") {
			t.Errorf("unexpected send path %s", p)
		}
	}
	if paths[0] == paths[1] {
		t.Error("expected distinct transaction IDs per send")
	}
}

func TestSyncPassesQueryParameters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("since") != "s42" {
			t.Errorf("unexpected since %q", q.Get("since"))
		}
		if q.Get("timeout") != "30000" {
			t.Errorf("unexpected timeout %q", q.Get("timeout"))
		}
		if q.Get("filter") == "" {
			t.Error("expected filter to be set")
		}
		json.NewEncoder(w).Encode(SyncResponse{NextBatch: "s43"})
	})

	response, err := client.Sync(context.Background(), SyncOptions{
		Since:      "s42",
		SetTimeout: true,
		Timeout:    30000,
		Filter:     `{"room":{}}`,
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if response.NextBatch != "s43" {
		t.Errorf("unexpected next batch %q", response.NextBatch)
	}
}

func TestErrorResponseParsing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"You are not invited to this room."}`))
	})

	_, err := client.JoinRoom(context.Background(), "!secret:example.com")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsError(err, ErrCodeForbidden) {
		t.Errorf("expected M_FORBIDDEN, got %v", err)
	}
}

func TestErrorResponseNonJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	})

	_, err := client.WhoAmI(context.Background())
	if !IsError(err, ErrCodeUnknown) {
		t.Errorf("expected M_UNKNOWN fallback, got %v", err)
	}
}
