// ABOUTME: Gateway orchestrator wiring store, auth, relay and transports together.
// ABOUTME: Manages the HTTP server lifecycle including websocket endpoints and graceful shutdown.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/agentlabs-dev/relay/internal/auth"
	"github.com/agentlabs-dev/relay/internal/config"
	"github.com/agentlabs-dev/relay/internal/httpapi"
	"github.com/agentlabs-dev/relay/internal/relay"
	"github.com/agentlabs-dev/relay/internal/store"
	"github.com/agentlabs-dev/relay/internal/ws"
)

// Gateway owns the relay-gateway server components. One HTTP server carries
// both the REST API and the realtime websocket endpoints.
type Gateway struct {
	config     *config.Config
	store      store.Store
	secrets    *auth.SecretManager
	tokens     *auth.JWTVerifier
	relay      *relay.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway instance from the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	secrets := auth.NewSecretManager(s, logger.With("component", "secrets"))
	tokens := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	relayHandler := relay.NewHandler(relay.Params{
		Conversations:      s,
		Messages:           s,
		Agents:             s,
		Members:            s,
		Credentials:        secrets,
		Tokens:             tokens,
		StreamIdleTimeout:  cfg.Relay.StreamIdleTimeout,
		StreamReapInterval: cfg.Relay.StreamReapInterval,
		Logger:             logger,
	})

	gw := &Gateway{
		config:  cfg,
		store:   s,
		secrets: secrets,
		tokens:  tokens,
		relay:   relayHandler,
		logger:  logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	ws.NewServer(relayHandler, cfg.Server.AllowedOrigins, logger).Register(mux)
	httpapi.NewServer(s, relayHandler, secrets, logger).Register(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Store exposes the underlying store, mainly for the init subcommand.
func (g *Gateway) Store() store.Store { return g.store }

// Secrets exposes the SDK secret manager for provisioning.
func (g *Gateway) Secrets() *auth.SecretManager { return g.secrets }

// Tokens exposes the member token issuer for provisioning.
func (g *Gateway) Tokens() *auth.JWTVerifier { return g.tokens }

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	// Background stream maintenance lives for the duration of the run.
	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go g.relay.Run(reapCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled by the time this executes.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
