// ABOUTME: Entry point for the signet signing daemon
// ABOUTME: Manages identities, the credential store, and the signing queue

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/signet/internal/auth"
	"github.com/2389/signet/internal/companion"
	"github.com/2389/signet/internal/config"
	"github.com/2389/signet/internal/credstore"
	"github.com/2389/signet/internal/httpapi"
	"github.com/2389/signet/internal/keys"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                  _
 ___(_) __ _ _ __   ___| |_
/ __| |/ _' | '_ \ / _ \ __|
\__ \ | (_| | | | |  __/ |_
|___/_|\__, |_| |_|\___|\__|
       |___/
`

// getConfigPath returns the path to the signet config file.
// Priority: SIGNET_CONFIG env var > XDG_CONFIG_HOME/signet/config.yaml > ~/.config/signet/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SIGNET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "signet", "config.yaml")
}

// getDataPath returns the path to the signet data directory.
// Priority: XDG_DATA_HOME/signet > ~/.local/share/signet
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "signet")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: signet <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the signing daemon")
		fmt.Println("  init     Create a new config file with generated secrets")
		fmt.Println("  status   Show daemon auth state and queue depth")
		fmt.Println("  keygen   Generate a new private key")
		fmt.Println("  secret   Generate a random 32-byte secret (base64)")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "status":
		err = runStatus(ctx)
	case "keygen":
		err = runKeygen()
	case "secret":
		err = runSecret()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Store.Path)

	if cfg.Companion.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Companion: ")
		cyan.Print(cfg.Companion.URL)
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting signet",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	store, err := credstore.NewSQLiteStore(cfg.Store.Path, cfg.Store.MasterKey)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer store.Close()

	// Companion wiring is optional; without it only local keys work.
	var conn *companion.Connection
	var tokens *auth.CallbackTokens
	if cfg.Companion.URL != "" {
		tokens, err = auth.NewCallbackTokens([]byte(cfg.Companion.CallbackSecret))
		if err != nil {
			return fmt.Errorf("creating callback tokens: %w", err)
		}
		conn = companion.NewConnection(companion.NewHTTPTransport(cfg.Companion.URL), tokens, logger)
		defer conn.Close()
	}

	svc := auth.New(store, conn, nil, auth.Options{
		Timeout:       cfg.Signing.Timeout,
		MaxConcurrent: cfg.Signing.MaxConcurrent,
	}, logger)
	svc.Start(ctx)

	api := httpapi.NewServer(svc, tokens, logger)
	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runStatus(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/v1/status", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// runKeygen generates a fresh private key and prints it alongside the derived
// public key in both hex and bech32 form. Nothing is persisted; to use the key,
// POST it to /v1/login/key on a running daemon.
func runKeygen() error {
	priv, err := keys.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	pub, err := keys.DerivePublicKey(priv)
	if err != nil {
		return fmt.Errorf("deriving public key: %w", err)
	}
	npub, err := keys.EncodeNpub(pub)
	if err != nil {
		return fmt.Errorf("encoding npub: %w", err)
	}

	yellow := color.New(color.FgYellow)

	fmt.Printf("private key: %s\n", priv)
	fmt.Printf("public key:  %s\n", pub)
	fmt.Printf("npub:        %s\n", npub)
	fmt.Println()
	yellow.Println("Keep the private key secret. Anyone holding it can sign as you.")
	return nil
}

func runSecret() error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	fmt.Println(base64.StdEncoding.EncodeToString(secret))
	return nil
}

// runInit creates a config file with freshly generated secrets. It refuses to
// overwrite an existing config.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "credentials.db")

	green := color.New(color.FgGreen)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		return fmt.Errorf("generating master key: %w", err)
	}
	callbackSecret := make([]byte, 32)
	if _, err := rand.Read(callbackSecret); err != nil {
		return fmt.Errorf("generating callback secret: %w", err)
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# signet configuration
# Generated by signet init

server:
  http_addr: "127.0.0.1:8480"

store:
  path: "%s"
  master_key: "%s"

# Uncomment to enable a companion signing app:
# companion:
#   url: "http://127.0.0.1:8481/request"
#   callback_secret: "%s"

signing:
  timeout: "15s"
  max_concurrent: 1

logging:
  level: "info"
  format: "text"
`, dbPath, base64.StdEncoding.EncodeToString(masterKey), base64.StdEncoding.EncodeToString(callbackSecret))

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Data directory: %s\n", dataPath)
	fmt.Println()
	fmt.Println("To start the daemon:")
	fmt.Println("  signet serve")

	return nil
}
