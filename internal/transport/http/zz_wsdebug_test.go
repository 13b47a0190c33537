package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/adaire-dev/matrix-crm-bridge/internal/matrix"
)

func TestWSDebugRaw(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t)
	ts := httptest.NewServer(env.server.Handler)
	t.Cleanup(ts.Close)

	if err := env.relay.HandleMatrixMessage(t.Context(), matrix.MessageEvent{
		EventID: "$e1", RoomID: "!help:example.com", Sender: "@alice:example.com", Body: "help", MsgType: "m.text",
	}); err != nil {
		t.Fatalf("HandleMatrixMessage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/events?token=" + token
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%+v)", err, resp)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	typ, data, err := conn.Read(ctx)
	t.Logf("read: typ=%v data=%q err=%v", typ, string(data), err)
}
