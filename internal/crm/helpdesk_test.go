package crm

import (
	"context"
	"testing"
)

func TestFindOrCreatePartnerExisting(t *testing.T) {
	odoo := &fakeOdoo{uid: 7, results: []any{[]int64{33}}}
	client := newTestCRM(t, odoo)

	partnerID, err := client.FindOrCreatePartner(context.Background(), "alice@example.com", "@alice:example.com")
	if err != nil {
		t.Fatalf("FindOrCreatePartner failed: %v", err)
	}
	if partnerID != 33 {
		t.Errorf("expected existing partner 33, got %d", partnerID)
	}

	// login + search only; no create for an existing partner.
	if len(odoo.calls) != 2 {
		t.Errorf("expected 2 rpc calls, got %d", len(odoo.calls))
	}
}

func TestFindOrCreatePartnerCreates(t *testing.T) {
	odoo := &fakeOdoo{uid: 7, results: []any{[]int64{}, float64(34)}}
	client := newTestCRM(t, odoo)

	partnerID, err := client.FindOrCreatePartner(context.Background(), "bob@example.com", "@bob:example.com")
	if err != nil {
		t.Fatalf("FindOrCreatePartner failed: %v", err)
	}
	if partnerID != 34 {
		t.Errorf("expected created partner 34, got %d", partnerID)
	}

	last := odoo.calls[len(odoo.calls)-1]
	if last.Args[4] != "create" {
		t.Errorf("expected create call, got %v", last.Args)
	}
}

func TestCreateTicket(t *testing.T) {
	odoo := &fakeOdoo{uid: 7, results: []any{float64(900)}}
	client := newTestCRM(t, odoo)

	ticketID, err := client.CreateTicket(context.Background(), 34, "Matrix Support - 2026-08-31 12:00", "help me")
	if err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}
	if ticketID != 900 {
		t.Errorf("expected ticket 900, got %d", ticketID)
	}

	last := odoo.calls[len(odoo.calls)-1]
	if last.Args[3] != "helpdesk.ticket" || last.Args[4] != "create" {
		t.Errorf("unexpected call: %v", last.Args)
	}
}

func TestAddTicketMessage(t *testing.T) {
	odoo := &fakeOdoo{uid: 7, results: []any{float64(5000)}}
	client := newTestCRM(t, odoo)

	messageID, err := client.AddTicketMessage(context.Background(), 900, 34, "follow-up")
	if err != nil {
		t.Fatalf("AddTicketMessage failed: %v", err)
	}
	if messageID != 5000 {
		t.Errorf("expected message 5000, got %d", messageID)
	}

	last := odoo.calls[len(odoo.calls)-1]
	if last.Args[3] != "mail.message" {
		t.Errorf("expected mail.message model, got %v", last.Args[3])
	}
}
