// ABOUTME: Gateway wires the store, LLM providers, and turn service behind one HTTP server
// ABOUTME: Manages server lifecycle with graceful shutdown on context cancellation

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/neon-gateway/internal/auth"
	"github.com/2389/neon-gateway/internal/compaction"
	"github.com/2389/neon-gateway/internal/config"
	"github.com/2389/neon-gateway/internal/conversation"
	"github.com/2389/neon-gateway/internal/dedupe"
	"github.com/2389/neon-gateway/internal/inline"
	"github.com/2389/neon-gateway/internal/llm"
	"github.com/2389/neon-gateway/internal/llm/gemini"
	"github.com/2389/neon-gateway/internal/llm/openai"
	"github.com/2389/neon-gateway/internal/store"
	"github.com/2389/neon-gateway/internal/toolcall"
)

// turnSender starts conversation turns.
type turnSender interface {
	SendMessage(ctx context.Context, req *conversation.SendRequest) (*conversation.SendResponse, error)
}

// Gateway owns the HTTP server and the components behind it.
type Gateway struct {
	config       *config.Config
	store        store.Store
	conversation turnSender
	httpServer   *http.Server
	logger       *slog.Logger

	// requests remembers Idempotency-Key headers so client retries do not
	// start a second turn
	requests *dedupe.Cache[string]
}

const (
	idempotencyTTL     = 10 * time.Minute
	idempotencyMaxKeys = 10_000
)

// initStore opens the SQLite store, honoring NEON_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("NEON_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// newProviderFactory registers every supported LLM backend.
func newProviderFactory(invoker llm.ToolInvoker, logger *slog.Logger) *llm.Factory {
	factory := llm.NewFactory(invoker, logger)
	openai.Register(factory)
	gemini.Register(factory)
	return factory
}

// newInlineRegistry resolves inline markers against the agent's own tools and
// acknowledges anything else.
func newInlineRegistry(invoker llm.ToolInvoker) *inline.Registry {
	registry := inline.NewRegistry()
	registry.SetFallback(inline.ToolHandler(invoker, inline.Acknowledge))
	return registry
}

// serviceOptions maps the llm and conversation config sections onto the turn service.
func serviceOptions(cfg *config.Config) conversation.Options {
	providers := make(map[string]conversation.ProviderSettings, len(cfg.LLM.Providers))
	for name, p := range cfg.LLM.Providers {
		providers[name] = conversation.ProviderSettings{APIKey: p.APIKey, BaseURL: p.BaseURL, Model: p.Model}
	}
	return conversation.Options{
		DefaultProvider: cfg.LLM.DefaultProvider,
		DefaultModel:    cfg.LLM.DefaultModel,
		Providers:       providers,
		MaxAttempts:     cfg.Conversation.MaxAttempts,
	}
}

// New creates a Gateway with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	// Structured tool calls and inline markers share one invoker.
	invoker := toolcall.NewInvoker(&http.Client{Timeout: cfg.Tools.Timeout}, logger)
	factory := newProviderFactory(invoker, logger)
	controller := compaction.NewController(s, cfg.Conversation.SummaryBatchSize, logger)
	parser := inline.NewParser(newInlineRegistry(invoker), logger)
	convService := conversation.New(s, factory, controller, parser, serviceOptions(cfg), logger)

	logger.Info("gateway configured",
		"providers", factory.Names(),
		"default_provider", cfg.LLM.DefaultProvider,
		"max_attempts", cfg.Conversation.MaxAttempts,
		"summary_batch_size", controller.BatchSize())

	return newGateway(cfg, s, convService, verifier, logger), nil
}

// newGateway assembles a Gateway from already constructed parts.
func newGateway(cfg *config.Config, s store.Store, sender turnSender, verifier auth.TokenVerifier, logger *slog.Logger) *Gateway {
	gw := &Gateway{
		config:       cfg,
		store:        s,
		conversation: sender,
		logger:       logger.With("component", "gateway"),
		requests:     dedupe.New[string](idempotencyTTL, idempotencyMaxKeys),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	developers := auth.NewDeveloperTokens(s)
	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, developers, logger)(gw.apiRoutes()))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.serve(ctx, ln)
}

func (g *Gateway) serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	g.requests.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
