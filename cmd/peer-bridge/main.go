// ABOUTME: Entry point for the peer-bridge collaboration server
// ABOUTME: Connects peer agent classes and supervises downstream tool services

package main

import (
	"bufio"
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

	"github.com/fatih/color"

	"github.com/2389/peer-bridge/internal/bridge"
	"github.com/2389/peer-bridge/internal/config"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _ __   ___  ___ _ __      | |__  _ __(_) __| | __ _  ___
 | '_ \ / _ \/ _ \ '__|_____| '_ \| '__| |/ _' |/ _' |/ _ \
 | |_) |  __/  __/ | |______| |_) | |  | | (_| | (_| |  __/
 | .__/ \___|\___|_|        |_.__/|_|  |_|\__,_|\__, |\___|
 |_|                                            |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: PEER_BRIDGE_CONFIG env var > XDG_CONFIG_HOME/peer-bridge/bridge.yaml > ~/.config/peer-bridge/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PEER_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "peer-bridge", "bridge.yaml")
}

// getDataPath returns the path to the bridge data directory.
// Priority: XDG_DATA_HOME/peer-bridge > ~/.local/share/peer-bridge
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "peer-bridge")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: peer-bridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the bridge server")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  health    Check bridge health")
		fmt.Println("  peers     Show connected peer count")
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
	case "health":
		err = runHealth(ctx)
	case "peers":
		err = runPeers(ctx)
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
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:     %s\n", cfg.Server.Addr)
	if cfg.Server.CertFile != "" {
		green.Print("    ▶ ")
		fmt.Printf("TLS:        enabled\n")
	}
	if len(cfg.Downstream.Services) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Downstream: %d service(s)\n", len(cfg.Downstream.Services))
	}
	if cfg.Mirror.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Mirror:     %s\n", cfg.Mirror.Path)
	}
	fmt.Println()

	logger.Info("starting peer-bridge",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"downstream_services", len(cfg.Downstream.Services),
	)

	b, err := bridge.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	return b.Run(ctx)
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

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

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

func runHealth(ctx context.Context) error {
	_, status, err := queryBridge(ctx, "/health")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	fmt.Println("healthy")
	return nil
}

func runPeers(ctx context.Context) error {
	body, _, err := queryBridge(ctx, "/health/ready")
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(body))
	return nil
}

// queryBridge hits one of the bridge's health endpoints using the configured
// listen address.
func queryBridge(ctx context.Context, path string) (string, int, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", 0, fmt.Errorf("loading config: %w", err)
	}

	scheme := "http"
	if cfg.Server.CertFile != "" {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, cfg.Server.Addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("bridge check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("reading response: %w", err)
	}
	return string(body), resp.StatusCode, nil
}

// generateSecret returns a random URL-safe credential.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("peer-bridge configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultMirrorPath := filepath.Join(defaultDataPath, "mirror.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	addr := prompt(reader, "Listen address", "localhost:8080")

	fmt.Println("\n--- Peer Credentials ---")
	fmt.Println("Random credentials are generated for both peer classes.")
	secretA, err := generateSecret()
	if err != nil {
		return fmt.Errorf("generating peer-a credential: %w", err)
	}
	secretB, err := generateSecret()
	if err != nil {
		return fmt.Errorf("generating peer-b credential: %w", err)
	}
	signingKey, err := generateSecret()
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}

	fmt.Println("\n--- State Mirror ---")
	enableMirror := prompt(reader, "Enable durable state mirror?", "yes")
	mirrorPath := ""
	if strings.ToLower(enableMirror) == "yes" || strings.ToLower(enableMirror) == "y" {
		mirrorPath = prompt(reader, "Mirror database path", defaultMirrorPath)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# peer-bridge configuration\n")
	cfg.WriteString("# Generated by peer-bridge init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  addr: \"%s\"\n", addr))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString("  credentials:\n")
	cfg.WriteString(fmt.Sprintf("    peer-a: \"%s\"\n", secretA))
	cfg.WriteString(fmt.Sprintf("    peer-b: \"%s\"\n", secretB))
	cfg.WriteString("  permissions:\n")
	cfg.WriteString("    peer-a: [read, write, execute]\n")
	cfg.WriteString("    peer-b: [read, write, execute]\n")
	cfg.WriteString(fmt.Sprintf("  signing_key: \"%s\"\n", signingKey))
	cfg.WriteString("  token_ttl: \"24h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("rate_limit:\n")
	cfg.WriteString("  capacity: 60\n")
	cfg.WriteString("  window: \"1m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("timeouts:\n")
	cfg.WriteString("  handshake: \"10s\"\n")
	cfg.WriteString("  idle: \"5m\"\n")
	cfg.WriteString("  reaper_interval: \"1m\"\n")
	cfg.WriteString("  health_interval: \"30s\"\n")
	cfg.WriteString("  probe_timeout: \"1s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("downstream:\n")
	cfg.WriteString("  services: {}\n")
	cfg.WriteString("  # services:\n")
	cfg.WriteString("  #   search: \"http://localhost:9200/ping\"\n")
	cfg.WriteString("\n")

	if mirrorPath != "" {
		cfg.WriteString("mirror:\n")
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", mirrorPath))
		cfg.WriteString("  expiry: \"1h\"\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// 0600: the file holds credentials.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if mirrorPath != "" {
		if err := os.MkdirAll(filepath.Dir(mirrorPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	green.Printf("\n  ✓ Config written to %s\n", outputFile)
	fmt.Println("\n  Peer credentials (share with the respective agents):")
	fmt.Printf("    peer-a: %s\n", secretA)
	fmt.Printf("    peer-b: %s\n", secretB)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  peer-bridge serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
