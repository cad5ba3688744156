// ABOUTME: Entry point for the neon-gateway conversation server
// ABOUTME: Provides serve, bootstrap, token, and health subcommands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/neon-gateway/internal/auth"
	"github.com/2389/neon-gateway/internal/config"
	"github.com/2389/neon-gateway/internal/gateway"
	"github.com/2389/neon-gateway/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                              _
 _ __   ___  ___  _ __         __ _  __ _| |_ _____      ____ _ _   _
| '_ \ / _ \/ _ \| '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | | |  __/ (_) | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|\___/|_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                              |___/                             |___/
`

const defaultConfigPath = "config.yaml"

// getConfigPath returns the config file to load.
// Priority: NEON_CONFIG env var > --config flag > ./config.yaml
func getConfigPath(args []string) string {
	if envPath := os.Getenv("NEON_CONFIG"); envPath != "" {
		return envPath
	}
	if v, ok := flagValue(args, "config"); ok {
		return v
	}
	return defaultConfigPath
}

// flagValue finds --name value or --name=value in args.
func flagValue(args []string, name string) (string, bool) {
	long := "--" + name
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == long && i+1 < len(args):
			return args[i+1], true
		case strings.HasPrefix(args[i], long+"="):
			return strings.TrimPrefix(args[i], long+"="), true
		}
	}
	return "", false
}

// hasFlag reports whether a bare --name switch is present.
func hasFlag(args []string, name string) bool {
	long := "--" + name
	for _, a := range args {
		if a == long || a == long+"=true" {
			return true
		}
	}
	return false
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: neon-gateway <command> [--config PATH]")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Start the gateway server")
		fmt.Println("  bootstrap --file SEED.yaml   Create an organization, tools, role, and agent")
		fmt.Println("  token --user ID [--ttl 24h]  Issue an API token for a user")
		fmt.Println("  token --user ID --developer [--name NAME]")
		fmt.Println("                               Issue a long-lived developer token")
		fmt.Println("  health                       Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "bootstrap":
		err = runBootstrap(ctx, args)
	case "token":
		err = runToken(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	configPath := getConfigPath(args)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s", cfg.LLM.DefaultProvider)
	if cfg.LLM.DefaultModel != "" {
		gray.Printf(" (%s)", cfg.LLM.DefaultModel)
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting neon-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runToken(ctx context.Context, args []string) error {
	userID, ok := flagValue(args, "user")
	if !ok || strings.TrimSpace(userID) == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath(args))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if hasFlag(args, "developer") {
		name, _ := flagValue(args, "name")
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer s.Close()

		token, err := issueDeveloperToken(ctx, s, userID, name)
		if err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Developer token for %s (send as %s)\n", userID, auth.DeveloperTokenHeader)
		color.New(color.FgYellow).Fprintln(os.Stderr, "    It will not be shown again.")
		fmt.Println(token)
		return nil
	}

	ttl := 24 * time.Hour
	if v, ok := flagValue(args, "ttl"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid --ttl %q", v)
		}
		ttl = d
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating verifier: %w", err)
	}
	token, err := verifier.Generate(userID, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Token for %s (expires in %s)\n", userID, ttl)
	fmt.Println(token)
	return nil
}

// issueDeveloperToken stores a new developer token and returns its plaintext.
func issueDeveloperToken(ctx context.Context, s auth.DeveloperTokenStore, userID, name string) (string, error) {
	if name == "" {
		name = "cli"
	}
	token, err := auth.NewDeveloperTokens(s).Issue(ctx, userID, name)
	if err != nil {
		return "", fmt.Errorf("issuing developer token: %w", err)
	}
	return token, nil
}

func runHealth(ctx context.Context, args []string) error {
	cfg, err := config.Load(getConfigPath(args))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{mu: &sync.Mutex{}, level: level})
}

// colorHandler prints one colorized line per record. The component attribute
// is pulled forward as a prefix.
type colorHandler struct {
	mu    *sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	var rest []slog.Attr
	collect := func(a slog.Attr) bool {
		if a.Key == "component" {
			buf.WriteString(color.BlueString("[" + a.Value.String() + "] "))
			return true
		}
		rest = append(rest, a)
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	buf.WriteString(r.Message)
	for _, a := range rest {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(os.Stdout, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &colorHandler{mu: h.mu, level: h.level, attrs: merged}
}

// WithGroup is a no-op; groups are flattened.
func (h *colorHandler) WithGroup(string) slog.Handler {
	return h
}
