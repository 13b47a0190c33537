package http

import (
	"context"
	stdhttp "net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adaire-dev/matrix-crm-bridge/internal/auth"
	"github.com/adaire-dev/matrix-crm-bridge/internal/bridge"
	"github.com/adaire-dev/matrix-crm-bridge/internal/config"
	"github.com/adaire-dev/matrix-crm-bridge/internal/crm"
	"github.com/adaire-dev/matrix-crm-bridge/internal/matrix"
	"github.com/adaire-dev/matrix-crm-bridge/internal/monitor"
	"github.com/adaire-dev/matrix-crm-bridge/internal/store"
	"github.com/adaire-dev/matrix-crm-bridge/internal/store/sqlite"
)

// stubCRM satisfies both the relay's helpdesk surface and TicketReader.
type stubCRM struct {
	nextTicketID int64
	comments     map[int64][]string
	tickets      []crm.Ticket
}

func newStubCRM() *stubCRM {
	return &stubCRM{nextTicketID: 500, comments: make(map[int64][]string)}
}

func (s *stubCRM) FindOrCreatePartner(_ context.Context, _, _ string) (int64, error) {
	return 100, nil
}

func (s *stubCRM) CreateTicket(_ context.Context, _ int64, _, description string) (int64, error) {
	s.nextTicketID++
	s.comments[s.nextTicketID] = []string{description}
	return s.nextTicketID, nil
}

func (s *stubCRM) AddTicketMessage(_ context.Context, ticketID, _ int64, body string) (int64, error) {
	s.comments[ticketID] = append(s.comments[ticketID], body)
	return int64(len(s.comments[ticketID])), nil
}

func (s *stubCRM) SearchTickets(_ context.Context, _ []any) ([]crm.Ticket, error) {
	return s.tickets, nil
}

type stubSender struct {
	sent []string
}

func (s *stubSender) SendMessage(_ context.Context, roomID string, content matrix.MessageContent) (string, error) {
	s.sent = append(s.sent, roomID+"|"+content.Body)
	return "$sent1", nil
}

type testEnv struct {
	server *stdhttp.Server
	store  store.Store
	crm    *stubCRM
	sender *stubSender
	relay  *bridge.Relay
	auth   *auth.Service
	cfg    *config.Config
}

// newTestEnv builds a full server over an in-memory store with stubbed
// external systems.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hash, err := auth.HashPassword("password123")
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"
	cfg.JWTIssuer = "test"
	cfg.JWTAudience = "test"
	cfg.AdminUsername = "operator"
	cfg.AdminPasswordHash = hash
	if mutate != nil {
		mutate(&cfg)
	}

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour,
	}
	authService := auth.NewService(cfg.AdminUsername, cfg.AdminPasswordHash, jwtConfig)

	stubbedCRM := newStubCRM()
	sender := &stubSender{}
	disabledLogger := zerolog.Nop()
	mon := monitor.New(cfg.MonitorCapacity)
	relay := bridge.NewRelay(st, stubbedCRM, sender, mon, &disabledLogger)

	server := NewServer(relay, authService, st, stubbedCRM, mon, func() bool { return true }, &cfg, &disabledLogger)

	return &testEnv{
		server: server,
		store:  st,
		crm:    stubbedCRM,
		sender: sender,
		relay:  relay,
		auth:   authService,
		cfg:    &cfg,
	}
}

// login returns a valid operator token.
func (env *testEnv) login(t *testing.T) string {
	t.Helper()
	token, err := env.auth.Login("operator", "password123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return token
}
