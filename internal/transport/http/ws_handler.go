package http

import (
	"context"
	"errors"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/adaire-dev/matrix-crm-bridge/internal/auth"
	"github.com/adaire-dev/matrix-crm-bridge/internal/monitor"
)

// EventsHandler streams bridge activity events over WebSocket. New
// connections first receive the recent event buffer, then live events.
type EventsHandler struct {
	monitor     *monitor.Monitor
	authService *auth.Service
	log         *zerolog.Logger
}

// NewEventsHandler builds a new WebSocket events handler.
func NewEventsHandler(mon *monitor.Monitor, authService *auth.Service, logger *zerolog.Logger) stdhttp.Handler {
	return &EventsHandler{monitor: mon, authService: authService, log: logger}
}

func (h *EventsHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	// Browsers cannot set headers on WebSocket upgrades, so the token
	// travels as a query parameter.
	token := r.URL.Query().Get("token")
	if _, err := h.authService.ValidateToken(token); err != nil {
		h.log.Debug().Err(err).Msg("ws events auth rejected")
		stdhttp.Error(w, "invalid token", stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replay, events, unsubscribe := h.monitor.SubscribeWithReplay()
	defer unsubscribe()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, replay, events)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
			status = websocket.StatusInternalError
			reason = err.Error()
			h.log.Warn().Err(err).Msg("ws events connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// readLoop drains client frames so pings and close frames are handled.
func (h *EventsHandler) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

func (h *EventsHandler) writeLoop(ctx context.Context, conn *websocket.Conn, replay []monitor.Event, events <-chan monitor.Event) error {
	for _, event := range replay {
		if err := wsjson.Write(ctx, conn, event); err != nil {
			return err
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				h.log.Error().Err(err).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
