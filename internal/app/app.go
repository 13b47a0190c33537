package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
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
	transporthttp "github.com/adaire-dev/matrix-crm-bridge/internal/transport/http"
)

// App wires together the relay, workers and transport layers.
type App struct {
	server          *stdhttp.Server
	syncer          *matrix.Syncer
	outbox          *bridge.Outbox
	store           store.Store
	shutdownTimeout time.Duration
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	matrixClient, err := matrix.NewClient(matrix.ClientConfig{
		HomeserverURL: cfg.HomeserverURL,
		AccessToken:   cfg.MatrixAccessToken,
		UserID:        cfg.MatrixUserID,
		Logger:        logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init matrix client: %w", err)
	}

	crmClient, err := crm.NewClient(crm.ClientConfig{
		URL:      cfg.CRMURL,
		Database: cfg.CRMDatabase,
		Username: cfg.CRMUsername,
		Password: cfg.CRMPassword,
		Logger:   logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init crm client: %w", err)
	}

	mon := monitor.New(cfg.MonitorCapacity)
	relay := bridge.NewRelay(st, crmClient, matrixClient, mon, logger)

	outbox := bridge.NewOutbox(st, matrixClient, mon, bridge.OutboxConfig{
		Interval:    cfg.OutboxInterval,
		MaxAttempts: cfg.OutboxMaxAttempts,
		BaseBackoff: cfg.OutboxBaseBackoff,
	}, logger)

	syncer := matrix.NewSyncer(matrixClient, st, relay.HandleMatrixMessage, cfg.SyncTimeout, logger)

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      24 * time.Hour, // 24 hour token expiry
	}
	authService := auth.NewService(cfg.AdminUsername, cfg.AdminPasswordHash, jwtConfig)

	server := transporthttp.NewServer(relay, authService, st, crmClient, mon, syncer.Running, cfg, logger)

	return &App{
		server:          server,
		syncer:          syncer,
		outbox:          outbox,
		store:           st,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             logger,
	}, nil
}

// Run starts the workers and HTTP server and blocks until context
// cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go a.outbox.Run(workerCtx)
	go func() {
		if err := a.syncer.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			a.log.Error().Err(err).Msg("syncer stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
