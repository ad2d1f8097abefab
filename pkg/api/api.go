package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/llmrace/llmrace/pkg/config"
	"github.com/llmrace/llmrace/pkg/engine"
	"github.com/llmrace/llmrace/pkg/provider"
	"github.com/llmrace/llmrace/pkg/scorecard"
	"github.com/llmrace/llmrace/pkg/store"
	"github.com/llmrace/llmrace/pkg/telemetry"
	"github.com/llmrace/llmrace/pkg/vault"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	bus        telemetry.Bus
	registry   provider.Registry
	vault      *vault.Vault
	engine     engine.Engine
	scorecards *scorecard.Service
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start initializes the store, seeds config data, wires the engine, and
// starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	v, err := vault.New(s.cfg.Vault.SecretKey)
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}

	s.vault = v

	// Create and start the database store.
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	// Every provider type gets a settings row with defaults.
	if err := s.store.SeedProviderSettings(ctx); err != nil {
		return fmt.Errorf("seeding provider settings: %w", err)
	}

	// Seed demo data from config.
	if s.cfg.Seeds != nil {
		if err := s.seedFromConfig(ctx); err != nil {
			return fmt.Errorf("seeding config data: %w", err)
		}
	}

	s.bus = telemetry.NewBus(s.log, s.store)
	s.registry = provider.NewRegistry(s.log)
	s.scorecards = scorecard.NewService(s.log, s.store)

	s.engine = engine.NewEngine(
		s.log, &s.cfg.Engine, s.store, s.bus, s.registry, s.vault,
	)

	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	// Build router and start HTTP server.
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server, the engine, and the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.engine != nil {
		if err := s.engine.Stop(); err != nil {
			s.log.WithError(err).Warn("Engine stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
