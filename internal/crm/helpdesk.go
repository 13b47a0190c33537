package crm

import (
	"context"
	"fmt"
)

// Ticket is the subset of helpdesk ticket fields the bridge reads.
type Ticket struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Priority string `json:"priority"`
}

// FindOrCreatePartner returns the partner ID for the given email,
// creating the partner record if none exists.
func (c *Client) FindOrCreatePartner(ctx context.Context, email, name string) (int64, error) {
	var ids []int64
	domain := []any{[]any{"email", "=", email}}
	if err := c.ExecuteKw(ctx, "res.partner", "search", []any{domain}, nil, &ids); err != nil {
		return 0, fmt.Errorf("search partner: %w", err)
	}
	if len(ids) > 0 {
		return ids[0], nil
	}

	var partnerID int64
	record := map[string]any{"name": name, "email": email}
	if err := c.ExecuteKw(ctx, "res.partner", "create", []any{record}, nil, &partnerID); err != nil {
		return 0, fmt.Errorf("create partner: %w", err)
	}
	c.log.Info().Int64("partner_id", partnerID).Str("email", email).Msg("created crm partner")
	return partnerID, nil
}

// CreateTicket opens a new helpdesk ticket and returns its ID.
func (c *Client) CreateTicket(ctx context.Context, partnerID int64, subject, description string) (int64, error) {
	record := map[string]any{
		"name":        subject,
		"description": description,
		"partner_id":  partnerID,
		"priority":    "1",
	}

	var ticketID int64
	if err := c.ExecuteKw(ctx, "helpdesk.ticket", "create", []any{record}, nil, &ticketID); err != nil {
		return 0, fmt.Errorf("create ticket: %w", err)
	}
	c.log.Info().Int64("ticket_id", ticketID).Str("subject", subject).Msg("created crm ticket")
	return ticketID, nil
}

// AddTicketMessage posts a comment on an existing ticket.
func (c *Client) AddTicketMessage(ctx context.Context, ticketID, authorID int64, body string) (int64, error) {
	record := map[string]any{
		"body":         body,
		"model":        "helpdesk.ticket",
		"res_id":       ticketID,
		"message_type": "comment",
		"author_id":    authorID,
	}

	var messageID int64
	if err := c.ExecuteKw(ctx, "mail.message", "create", []any{record}, nil, &messageID); err != nil {
		return 0, fmt.Errorf("add ticket message: %w", err)
	}
	return messageID, nil
}

// SearchTickets returns tickets matching the domain filter.
func (c *Client) SearchTickets(ctx context.Context, domain []any) ([]Ticket, error) {
	var tickets []Ticket
	kwargs := map[string]any{"fields": []string{"id", "name", "priority"}}
	if err := c.ExecuteKw(ctx, "helpdesk.ticket", "search_read", []any{domain}, kwargs, &tickets); err != nil {
		return nil, fmt.Errorf("search tickets: %w", err)
	}
	return tickets, nil
}
