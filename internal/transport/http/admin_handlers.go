package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/adaire-dev/matrix-crm-bridge/internal/auth"
	"github.com/adaire-dev/matrix-crm-bridge/internal/bridge"
	"github.com/adaire-dev/matrix-crm-bridge/internal/crm"
	"github.com/adaire-dev/matrix-crm-bridge/internal/store"
)

// defaultMessageLimit is the page size for the message archive.
const defaultMessageLimit = 50

// TicketReader reads helpdesk tickets from the CRM.
type TicketReader interface {
	SearchTickets(ctx context.Context, domain []any) ([]crm.Ticket, error)
}

// AdminHandlers provides HTTP handlers for the operator API.
type AdminHandlers struct {
	authService *auth.Service
	store       store.Store
	relay       *bridge.Relay
	crm         TicketReader
	syncRunning func() bool
	log         *zerolog.Logger
}

// NewAdminHandlers creates a new admin handlers instance. syncRunning
// reports whether the Matrix sync loop is alive; nil means no syncer.
func NewAdminHandlers(authService *auth.Service, st store.Store, relay *bridge.Relay, crmClient TicketReader, syncRunning func() bool, logger *zerolog.Logger) *AdminHandlers {
	return &AdminHandlers{
		authService: authService,
		store:       st,
		relay:       relay,
		crm:         crmClient,
		syncRunning: syncRunning,
		log:         logger,
	}
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents the authentication response body.
type AuthResponse struct {
	Token string `json:"token"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse represents an archived message in API responses.
type MessageResponse struct {
	ID        int64  `json:"id"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Direction string `json:"direction"`
	TicketID  int64  `json:"ticket_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// MessageListResponse wraps a page of archived messages.
type MessageListResponse struct {
	Messages []MessageResponse `json:"messages"`
	Total    int64             `json:"total"`
}

// SendRequest represents the manual room send request body.
type SendRequest struct {
	Body string `json:"body" binding:"required"`
}

// SendResponse carries the resulting Matrix event ID.
type SendResponse struct {
	EventID string `json:"event_id"`
}

// ReplyRequest represents the ticket reply request body.
type ReplyRequest struct {
	Body   string `json:"body" binding:"required"`
	Author string `json:"author"`
}

// ReplyResponse acknowledges a queued reply.
type ReplyResponse struct {
	RoomID   string `json:"room_id"`
	OutboxID int64  `json:"outbox_id"`
}

// TicketResponse describes a linked ticket.
type TicketResponse struct {
	TicketID     int64  `json:"ticket_id"`
	RoomID       string `json:"room_id"`
	PartnerID    int64  `json:"partner_id"`
	PartnerEmail string `json:"partner_email"`
	CreatedAt    string `json:"created_at"`
	Name         string `json:"name,omitempty"`
	Priority     string `json:"priority,omitempty"`
}

// HealthResponse reports service liveness, sync state and archive size.
type HealthResponse struct {
	Status   string `json:"status"`
	Sync     string `json:"sync"`
	Messages int64  `json:"messages"`
}

// Health reports liveness, sync loop state and the archived message count.
// GET /health
func (h *AdminHandlers) Health(c *gin.Context) {
	total, err := h.store.CountMessages(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to count messages")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	sync := "stopped"
	if h.syncRunning != nil && h.syncRunning() {
		sync = "running"
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Sync: sync, Messages: total})
}

// Login handles operator login.
// POST /api/login
func (h *AdminHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid login request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := h.authService.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
			return
		}
		h.log.Error().Err(err).Str("username", req.Username).Msg("failed to login operator")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	h.log.Info().Str("username", req.Username).Msg("operator logged in")
	c.JSON(http.StatusOK, AuthResponse{Token: token})
}

// ListMessages returns a page of the bridged message archive.
// GET /api/messages?limit=50&before=<id>
func (h *AdminHandlers) ListMessages(c *gin.Context) {
	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = parsed
	}

	var beforeID *int64
	if raw := c.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid before cursor"})
			return
		}
		beforeID = &parsed
	}

	messages, err := h.store.ListMessages(c.Request.Context(), limit, beforeID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list messages")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	total, err := h.store.CountMessages(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to count messages")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		response = append(response, MessageResponse{
			ID:        msg.ID,
			RoomID:    msg.RoomID,
			Sender:    msg.Sender,
			Body:      msg.Body,
			Direction: string(msg.Direction),
			TicketID:  msg.TicketID,
			EventID:   msg.EventID,
			CreatedAt: msg.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	c.JSON(http.StatusOK, MessageListResponse{Messages: response, Total: total})
}

// SendMessage sends a message directly into a Matrix room.
// POST /api/rooms/:room_id/send
func (h *AdminHandlers) SendMessage(c *gin.Context) {
	roomID := c.Param("room_id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing room_id"})
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	eventID, err := h.relay.SendDirect(c.Request.Context(), roomID, req.Body)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", roomID).Msg("failed to send message")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "failed to send message"})
		return
	}

	c.JSON(http.StatusOK, SendResponse{EventID: eventID})
}

// ReplyTicket queues a reply from a helpdesk ticket into its room.
// POST /api/tickets/:ticket_id/reply
func (h *AdminHandlers) ReplyTicket(c *gin.Context) {
	ticketID, err := strconv.ParseInt(c.Param("ticket_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid ticket_id"})
		return
	}

	var req ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	roomID, outboxID, err := h.relay.HandleTicketReply(c.Request.Context(), ticketID, req.Author, req.Body)
	if err != nil {
		if errors.Is(err, bridge.ErrTicketNotLinked) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "ticket is not linked to a room"})
			return
		}
		h.log.Error().Err(err).Int64("ticket_id", ticketID).Msg("failed to queue reply")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	c.JSON(http.StatusAccepted, ReplyResponse{RoomID: roomID, OutboxID: outboxID})
}

// GetTicket returns the room link and CRM fields for a ticket.
// GET /api/tickets/:ticket_id
func (h *AdminHandlers) GetTicket(c *gin.Context) {
	ticketID, err := strconv.ParseInt(c.Param("ticket_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid ticket_id"})
		return
	}

	link, err := h.relay.TicketLink(c.Request.Context(), ticketID)
	if err != nil {
		if errors.Is(err, bridge.ErrTicketNotLinked) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "ticket is not linked to a room"})
			return
		}
		h.log.Error().Err(err).Int64("ticket_id", ticketID).Msg("failed to load ticket link")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := TicketResponse{
		TicketID:     link.TicketID,
		RoomID:       link.RoomID,
		PartnerID:    link.PartnerID,
		PartnerEmail: link.PartnerEmail,
		CreatedAt:    link.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}

	// Ticket fields are best effort; the link is the authoritative part.
	domain := []any{[]any{"id", "=", ticketID}}
	if tickets, err := h.crm.SearchTickets(c.Request.Context(), domain); err != nil {
		h.log.Warn().Err(err).Int64("ticket_id", ticketID).Msg("failed to read ticket from crm")
	} else if len(tickets) > 0 {
		response.Name = tickets[0].Name
		response.Priority = tickets[0].Priority
	}

	c.JSON(http.StatusOK, response)
}
