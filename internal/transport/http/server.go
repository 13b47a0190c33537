package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/adaire-dev/matrix-crm-bridge/internal/auth"
	"github.com/adaire-dev/matrix-crm-bridge/internal/bridge"
	"github.com/adaire-dev/matrix-crm-bridge/internal/config"
	"github.com/adaire-dev/matrix-crm-bridge/internal/monitor"
	"github.com/adaire-dev/matrix-crm-bridge/internal/store"
)

// NewServer builds the HTTP server with all bridge routes.
func NewServer(relay *bridge.Relay, authService *auth.Service, st store.Store, crm TicketReader, mon *monitor.Monitor, syncRunning func() bool, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(logger))

	limiter := newRateLimiter(cfg.WebhookRateLimit)
	limiter.startReset(make(chan struct{}))

	adminHandlers := NewAdminHandlers(authService, st, relay, crm, syncRunning, logger)
	webhookHandlers := NewWebhookHandlers(relay, cfg.MatrixWebhookSecret, cfg.CRMWebhookSecret, limiter, logger)
	wsHandler := NewEventsHandler(mon, authService, logger)

	router.GET("/health", adminHandlers.Health)
	router.POST("/api/login", adminHandlers.Login)

	router.POST("/api/matrix/webhook", webhookHandlers.MatrixWebhook)
	router.POST("/api/crm/webhook", webhookHandlers.CRMWebhook)

	authorized := router.Group("/api")
	authorized.Use(AuthMiddleware(authService, logger))
	{
		authorized.GET("/messages", adminHandlers.ListMessages)
		authorized.POST("/rooms/:room_id/send", adminHandlers.SendMessage)
		authorized.POST("/tickets/:ticket_id/reply", adminHandlers.ReplyTicket)
		authorized.GET("/tickets/:ticket_id", adminHandlers.GetTicket)
	}

	router.GET("/ws/events", gin.WrapH(wsHandler))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
