package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/rs/zerolog"

	"github.com/adaire-dev/matrix-crm-bridge/internal/bridge"
	"github.com/adaire-dev/matrix-crm-bridge/internal/matrix"
)

// Signature headers carried by inbound webhooks.
const (
	HeaderMatrixSignature = "X-Matrix-Signature"
	HeaderCRMSignature    = "X-Crm-Signature"
	HeaderTimestamp       = "X-Timestamp"
)

// maxWebhookBody caps webhook payload size.
const maxWebhookBody = 1 << 20

// WebhookHandlers receives push notifications from the homeserver side
// and from the CRM side and feeds them into the relay.
type WebhookHandlers struct {
	relay        *bridge.Relay
	matrixSecret string
	crmSecret    string
	limiter      *rateLimiter
	log          *zerolog.Logger
}

// NewWebhookHandlers creates a new webhook handlers instance.
func NewWebhookHandlers(relay *bridge.Relay, matrixSecret, crmSecret string, limiter *rateLimiter, logger *zerolog.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		relay:        relay,
		matrixSecret: matrixSecret,
		crmSecret:    crmSecret,
		limiter:      limiter,
		log:          logger,
	}
}

// MatrixWebhookRequest represents a pushed Matrix room event.
type MatrixWebhookRequest struct {
	Type    string `json:"type" binding:"required"`
	EventID string `json:"event_id"`
	RoomID  string `json:"room_id"`
	Sender  string `json:"sender"`
	Content struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	} `json:"content"`
	OriginServerTS int64 `json:"origin_server_ts"`
}

// CRMWebhookRequest represents a pushed helpdesk event.
type CRMWebhookRequest struct {
	EventType string `json:"event_type" binding:"required"`
	TicketID  int64  `json:"ticket_id"`
	Author    string `json:"author"`
	Body      string `json:"body"`
}

// WebhookResponse acknowledges a processed webhook.
type WebhookResponse struct {
	Status string `json:"status"`
}

// MatrixWebhook ingests a Matrix event pushed by the homeserver.
// POST /api/matrix/webhook
func (h *WebhookHandlers) MatrixWebhook(c *gin.Context) {
	body, ok := h.readVerified(c, h.matrixSecret, HeaderMatrixSignature)
	if !ok {
		return
	}

	var req MatrixWebhookRequest
	if err := bindBody(c, body, &req); err != nil {
		h.log.Debug().Err(err).Msg("invalid matrix webhook payload")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	// Membership and other non-message events are acknowledged and dropped.
	if req.Type != "m.room.message" {
		c.JSON(http.StatusOK, WebhookResponse{Status: "ignored"})
		return
	}
	if req.EventID == "" || req.RoomID == "" || req.Sender == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing event fields"})
		return
	}

	event := matrix.MessageEvent{
		EventID:   req.EventID,
		RoomID:    req.RoomID,
		Sender:    req.Sender,
		Body:      req.Content.Body,
		MsgType:   req.Content.MsgType,
		Timestamp: req.OriginServerTS,
	}

	if err := h.relay.HandleMatrixMessage(c.Request.Context(), event); err != nil {
		h.log.Error().Err(err).Str("event_id", req.EventID).Msg("failed to relay webhook event")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{Status: "accepted"})
}

// CRMWebhook ingests a helpdesk event pushed by the CRM automation.
// POST /api/crm/webhook
func (h *WebhookHandlers) CRMWebhook(c *gin.Context) {
	body, ok := h.readVerified(c, h.crmSecret, HeaderCRMSignature)
	if !ok {
		return
	}

	var req CRMWebhookRequest
	if err := bindBody(c, body, &req); err != nil {
		h.log.Debug().Err(err).Msg("invalid crm webhook payload")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	switch req.EventType {
	case "helpdesk.ticket.message":
		if req.TicketID == 0 || req.Body == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing ticket_id or body"})
			return
		}
		_, _, err := h.relay.HandleTicketReply(c.Request.Context(), req.TicketID, req.Author, req.Body)
		if err != nil {
			if errors.Is(err, bridge.ErrTicketNotLinked) {
				c.JSON(http.StatusNotFound, ErrorResponse{Error: "ticket is not linked to a room"})
				return
			}
			h.log.Error().Err(err).Int64("ticket_id", req.TicketID).Msg("failed to queue ticket reply")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
			return
		}
		c.JSON(http.StatusOK, WebhookResponse{Status: "queued"})
	case "helpdesk.ticket.created":
		// Tickets created from the Matrix side already have a link;
		// tickets created inside the CRM get one on their first reply.
		c.JSON(http.StatusOK, WebhookResponse{Status: "acknowledged"})
	default:
		c.JSON(http.StatusOK, WebhookResponse{Status: "ignored"})
	}
}

// readVerified applies the rate limit, reads the body and checks its
// signature. On failure it writes the error response and returns false.
func (h *WebhookHandlers) readVerified(c *gin.Context, secret, sigHeader string) ([]byte, bool) {
	if !h.limiter.allow() {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read request body"})
		return nil, false
	}

	if err := verifySignature(secret, c.GetHeader(HeaderTimestamp), c.GetHeader(sigHeader), body); err != nil {
		h.log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("webhook signature rejected")
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid signature"})
		return nil, false
	}

	return body, true
}

// bindBody unmarshals an already-read body through gin's validator so
// binding tags still apply.
func bindBody(c *gin.Context, body []byte, obj any) error {
	if err := json.Unmarshal(body, obj); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(obj)
}
