package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adaire-dev/matrix-crm-bridge/internal/crm"
	"github.com/adaire-dev/matrix-crm-bridge/internal/store"
)

func doJSON(t *testing.T, env *testEnv, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	env.server.Handler.ServeHTTP(resp, req)
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := doJSON(t, env, http.MethodGet, "/health", "", nil)
	if resp.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("expected ok status, got %q", health.Status)
	}
	if health.Sync != "running" {
		t.Errorf("expected running sync state, got %q", health.Sync)
	}
}

func TestLoginEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := doJSON(t, env, http.MethodPost, "/api/login", "", LoginRequest{
		Username: "operator",
		Password: "password123",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var authResp AuthResponse
	json.Unmarshal(resp.Body.Bytes(), &authResp)
	if authResp.Token == "" {
		t.Fatal("expected token in response")
	}

	// Wrong password is rejected.
	resp = doJSON(t, env, http.MethodPost, "/api/login", "", LoginRequest{
		Username: "operator",
		Password: "wrong",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong password, got %d", resp.Code)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := doJSON(t, env, http.MethodGet, "/api/messages", "", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.Code)
	}

	resp = doJSON(t, env, http.MethodGet, "/api/messages", "garbage-token", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", resp.Code)
	}
}

func TestListMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t)

	for i := 0; i < 3; i++ {
		msg := &store.Message{
			RoomID:    "!help:example.com",
			Sender:    "@alice:example.com",
			Body:      fmt.Sprintf("msg%d", i),
			Direction: store.DirectionInbound,
		}
		if err := env.store.SaveMessage(t.Context(), msg); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	resp := doJSON(t, env, http.MethodGet, "/api/messages?limit=2", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var list MessageListResponse
	json.Unmarshal(resp.Body.Bytes(), &list)
	if list.Total != 3 {
		t.Errorf("expected total 3, got %d", list.Total)
	}
	if len(list.Messages) != 2 {
		t.Errorf("expected 2 messages in page, got %d", len(list.Messages))
	}

	resp = doJSON(t, env, http.MethodGet, "/api/messages?limit=banana", token, nil)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", resp.Code)
	}
}

func TestSendMessageEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t)

	resp := doJSON(t, env, http.MethodPost, "/api/rooms/!help:example.com/send", token, SendRequest{
		Body: "scheduled maintenance tonight",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var sendResp SendResponse
	json.Unmarshal(resp.Body.Bytes(), &sendResp)
	if sendResp.EventID != "$sent1" {
		t.Errorf("unexpected event ID %q", sendResp.EventID)
	}
	if len(env.sender.sent) != 1 {
		t.Errorf("expected one send, got %v", env.sender.sent)
	}
}

func TestReplyTicketEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t)

	link := &store.TicketLink{RoomID: "!help:example.com", TicketID: 42, PartnerID: 7}
	if err := env.store.CreateTicketLink(t.Context(), link); err != nil {
		t.Fatalf("CreateTicketLink failed: %v", err)
	}

	resp := doJSON(t, env, http.MethodPost, "/api/tickets/42/reply", token, ReplyRequest{
		Body:   "restart the printer",
		Author: "Dana",
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}

	var replyResp ReplyResponse
	json.Unmarshal(resp.Body.Bytes(), &replyResp)
	if replyResp.RoomID != "!help:example.com" || replyResp.OutboxID == 0 {
		t.Errorf("unexpected reply response: %+v", replyResp)
	}

	// Unlinked ticket.
	resp = doJSON(t, env, http.MethodPost, "/api/tickets/999/reply", token, ReplyRequest{Body: "hi"})
	if resp.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unlinked ticket, got %d", resp.Code)
	}

	// Malformed ticket ID.
	resp = doJSON(t, env, http.MethodPost, "/api/tickets/abc/reply", token, ReplyRequest{Body: "hi"})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad ticket ID, got %d", resp.Code)
	}
}

func TestGetTicketEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t)

	env.crm.tickets = []crm.Ticket{{ID: 42, Name: "Printer fire", Priority: "2"}}
	link := &store.TicketLink{
		RoomID:       "!help:example.com",
		TicketID:     42,
		PartnerID:    7,
		PartnerEmail: "alice@example.com",
	}
	if err := env.store.CreateTicketLink(t.Context(), link); err != nil {
		t.Fatalf("CreateTicketLink failed: %v", err)
	}

	resp := doJSON(t, env, http.MethodGet, "/api/tickets/42", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var ticket TicketResponse
	json.Unmarshal(resp.Body.Bytes(), &ticket)
	if ticket.RoomID != "!help:example.com" || ticket.Name != "Printer fire" {
		t.Errorf("unexpected ticket response: %+v", ticket)
	}

	resp = doJSON(t, env, http.MethodGet, "/api/tickets/999", token, nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unlinked ticket, got %d", resp.Code)
	}
}
