package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/adaire-dev/matrix-crm-bridge/internal/monitor"
)

func TestWSDebugGinWrapped(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t)

	mon := monitor.New(10)
	mon.Publish(monitor.Event{Kind: monitor.EventMessageReceived, Body: "pre"})
	logger := zerolog.Nop()
	h := NewEventsHandler(mon, env.auth, &logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/ws/events", gin.WrapH(h))

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws/events?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	typ, data, err := conn.Read(ctx)
	t.Logf("gin-wrapped read: typ=%v data=%q err=%v", typ, string(data), err)
}
