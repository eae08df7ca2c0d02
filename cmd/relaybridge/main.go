// Package main is the CLI entry point for RelayBridge — an HTTP relay
// that sits between LLM API clients and a pool of upstream provider
// accounts.
//
// RelayBridge accepts Anthropic- and OpenAI-shaped chat requests,
// schedules them across configured accounts (with session affinity and
// health-based failover), streams SSE responses back verbatim, and
// records token usage and cost per request. Optionally, it translates
// Chinese prompts to English on the way in and assistant text back to
// Chinese on the way out, leaving code and tool payloads untouched.
//
// Architecture overview:
//
//	Client --> RelayBridge (:3200) --> Provider account pool
//	            |                        |
//	            +-- pick account ---------+
//	            |-- translate request (optional)
//	            |-- stream SSE back, translating text deltas (optional)
//	            |-- extract usage from stream
//	            +-- record usage + cost, update scheduler health
//
// CLI commands (cobra):
//
//	relaybridge              - First-run setup (writes default config)
//	relaybridge start [-d]   - Start relay (foreground or daemon)
//	relaybridge stop         - Stop relay
//	relaybridge status       - Show relay status + account pool
//	relaybridge accounts     - List configured accounts
//	relaybridge test         - Probe upstream connectivity
//	relaybridge usage        - Query usage records
//	relaybridge cache        - Translation cache stats / clear
//	relaybridge config       - View/edit configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaybridge/relaybridge/internal/account"
	"github.com/relaybridge/relaybridge/internal/apikey"
	"github.com/relaybridge/relaybridge/internal/config"
	"github.com/relaybridge/relaybridge/internal/dashboard"
	"github.com/relaybridge/relaybridge/internal/relay"
	"github.com/relaybridge/relaybridge/internal/scheduler"
	"github.com/relaybridge/relaybridge/internal/sse"
	"github.com/relaybridge/relaybridge/internal/translate"
	"github.com/relaybridge/relaybridge/internal/usagelog"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-24"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.relaybridge/ where all runtime
// state lives: config.yaml, accounts.yaml, apikeys.yaml, scheduler.yaml,
// and the usage/ directory.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybridge"
	}
	return filepath.Join(home, ".relaybridge")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the RelayBridge config/state directory.
var configDir string

// verbose enables debug-level logging.
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "relaybridge",
	Short: "RelayBridge — LLM API relay with account pooling and translation",
	Long: `RelayBridge is an HTTP relay between LLM API clients and a pool of
upstream provider accounts. It schedules requests across accounts,
streams responses back, records usage and cost, and can translate
Chinese prompts to English in and assistant text back to Chinese out.

Run 'relaybridge start' to start the relay, or run 'relaybridge' with
no arguments to set up the config directory.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to RelayBridge config and state directory",
	)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures the process-wide slog default.
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// ============================================================================
// relaybridge start — Start the relay server
// ============================================================================

// daemonMode controls whether the relay runs in the background (-d flag).
var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the RelayBridge relay server",
	Long: `Start the RelayBridge relay server. By default runs in the foreground.
Use -d for daemon/background mode.

The relay binds to the address in ~/.relaybridge/config.yaml (default:
127.0.0.1:3200). Both the API surface and the web dashboard are served
on this port:
  - Anthropic-shaped: POST http://127.0.0.1:3200/v1/messages
  - OpenAI-shaped:    POST http://127.0.0.1:3200/v1/chat/completions
  - Dashboard:        http://127.0.0.1:3200/dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run relay in daemon/background mode")
}

// runStart initializes all subsystems and starts the HTTP server:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.relaybridge/config.yaml
//  3. Load the account pool and API keys
//  4. Open the usage log (JSONL + SQLite index)
//  5. Create the scheduler and translation service
//  6. Wire the relay and dashboard onto one mux
//  7. Write PID file, watch config files for hot-reload
//  8. Listen and block until SIGINT/SIGTERM or HTTP shutdown
func runStart(cmd *cobra.Command, args []string) error {
	// When -d is passed and we're NOT the re-exec'd child, spawn a
	// detached child and exit. RELAYBRIDGE_DAEMONIZED=1 distinguishes the
	// parent from the child — Go can't fork() safely because the runtime
	// is multi-threaded, so daemonization is a re-exec.
	if daemonMode && os.Getenv("RELAYBRIDGE_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	setupLogging()

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	// --- Step 1: Load configuration ---
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// --- Step 2: Load the account pool ---
	accounts, err := account.NewStore(filepath.Join(configDir, "accounts.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	if len(accounts.IDs()) == 0 {
		fmt.Println("[relaybridge] Warning: no accounts configured — add accounts to accounts.yaml")
	} else {
		fmt.Printf("[relaybridge] Loaded %d accounts\n", len(accounts.IDs()))
	}

	// --- Step 3: Load client API keys ---
	// An empty apikeys.yaml means the relay accepts unauthenticated
	// requests — fine for a loopback-only bind, which is the default.
	keys, err := apikey.NewStore(filepath.Join(configDir, "apikeys.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load api keys: %w", err)
	}
	if keys.Empty() {
		fmt.Println("[relaybridge] No client API keys configured — relay accepts all requests")
	}

	// --- Step 4: Open the usage log ---
	usageLog, err := usagelog.Open(filepath.Join(configDir, "usage"))
	if err != nil {
		return fmt.Errorf("failed to open usage log: %w", err)
	}
	defer usageLog.Close()

	// --- Step 5: Scheduler and translation ---
	pool, err := scheduler.NewPool(accounts, filepath.Join(configDir, "scheduler.yaml"))
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	var translateSvc *translate.Service
	var reqTranslator *translate.RequestTranslator
	if cfg.Translation.Enabled {
		translateSvc = translate.NewService(translate.Config{
			Enabled:   true,
			AccountID: cfg.Translation.AccountID,
			Model:     cfg.Translation.Model,
			MaxTokens: cfg.Translation.MaxTokens,
			CacheSize: cfg.Translation.CacheSize,
			CacheTTL:  time.Duration(cfg.Translation.CacheTTLHours) * time.Hour,
		}, accounts)
		reqTranslator = translate.NewRequestTranslator(translateSvc)
		fmt.Printf("[relaybridge] Translation enabled (account: %s, model: %s)\n",
			cfg.Translation.AccountID, cfg.Translation.Model)
	}

	headerFilter, err := relay.NewHeaderFilter(cfg.Relay.HeaderAllowlist)
	if err != nil {
		return fmt.Errorf("failed to compile header allowlist: %w", err)
	}

	// --- Step 6: Dashboard (before relay, so we can wire broadcast) ---
	var dash *dashboard.Dashboard
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Options{
			Accounts:  accounts,
			Usage:     usageLog,
			Pool:      pool,
			Translate: translateSvc,
			Version:   version,
			StartedAt: time.Now(),
		})
	}

	relayOpts := relay.Options{
		Config:        cfg,
		Accounts:      accounts,
		Keys:          keys,
		Selector:      pool,
		Scheduler:     pool,
		Recorder:      usageLog,
		Cost:          relay.NewTableCalculator(cfg.Pricing),
		Headers:       headerFilter,
		ReqTranslator: reqTranslator,
		TranslateSvc:  translateSvc,
	}
	if dash != nil {
		relayOpts.OnEvent = func(e relay.Event) {
			dash.BroadcastEvent(e)
		}
	}
	relayServer := relay.New(relayOpts)

	// --- Step 7: HTTP mux ---
	// The relay and dashboard share one port:
	//   /v1/*       -> relay handler (provider-shaped API surface)
	//   /api/test   -> connection-test harness (owned by the relay)
	//   /dashboard* -> dashboard UI + WebSocket feed
	//   /api/*      -> dashboard REST API
	//   /health     -> health check (used by `relaybridge status`)
	//   /shutdown   -> graceful shutdown trigger (used by `relaybridge stop`)
	mux := http.NewServeMux()

	mux.Handle("/v1/", relayServer)
	mux.HandleFunc("/api/test", relayServer.ServeTest)

	if dash != nil {
		mux.Handle("/dashboard", dash)
		mux.Handle("/dashboard/", dash)
		mux.Handle("/dashboard/ws", dash.WebSocketHandler())
		mux.Handle("/api/", dash.APIHandler())
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	// Shutdown endpoint — cross-platform stop (works on Windows where
	// Unix signals are unavailable). POST from loopback only.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	// --- Step 8: HTTP server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout or ReadTimeout — streaming responses can run
		// for minutes. The relay's requestTimeoutMs bounds the upstream
		// call at the request level, not the HTTP server level.
	}

	pidFile := filepath.Join(configDir, "relaybridge.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// --- Step 9: Hot-reload watcher ---
	// accounts.yaml and apikeys.yaml reload without a restart: add an
	// account or rotate a client key and the next request sees it.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnAccountsChange: func() {
			if reloadErr := accounts.Reload(); reloadErr != nil {
				slog.Warn("failed to reload accounts", "error", reloadErr)
			}
		},
		OnAPIKeysChange: func() {
			if reloadErr := keys.Reload(); reloadErr != nil {
				slog.Warn("failed to reload api keys", "error", reloadErr)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 10: Graceful shutdown on SIGINT/SIGTERM or HTTP /shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[relaybridge] Relay listening on http://%s\n", addr)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[relaybridge] Dashboard at http://%s/dashboard\n", addr)
		}
		if !daemonMode {
			fmt.Println("[relaybridge] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[relaybridge] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[relaybridge] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Give in-flight requests 10 seconds to drain. Streaming responses
	// mid-flight get a chance to deliver their final events.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[relaybridge] Shutdown error: %v\n", shutdownErr)
	}

	fmt.Println("[relaybridge] Stopped")
	return nil
}

// spawnDaemon re-executes the relaybridge binary as a detached background
// process. The parent prints the child PID and exits immediately. The
// child detects RELAYBRIDGE_DAEMONIZED=1 at the top of runStart and runs
// the relay normally.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "relaybridge.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"start"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "RELAYBRIDGE_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[relaybridge] Relay started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[relaybridge] Log file: %s\n", logPath)
	fmt.Println("[relaybridge] Use 'relaybridge stop' to stop the relay")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[relaybridge] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

// writePIDFile writes the current process ID to the given file path.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback checks if a remote address is a loopback address. Used to
// restrict the /shutdown endpoint to local-only access.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// relaybridge stop — Stop the relay server
// ============================================================================

// stopCmd stops a running relay. Tries HTTP /shutdown first
// (cross-platform), then falls back to PID file + SIGTERM on Unix.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running RelayBridge relay",
	Long: `Stop a running RelayBridge relay. Tries HTTP shutdown first
(cross-platform), then falls back to PID file + SIGTERM on Unix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Strategy 1: HTTP shutdown (works everywhere including Windows).
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[relaybridge] Stop signal sent to relay")
			os.Remove(filepath.Join(configDir, "relaybridge.pid"))
			return nil
		}
	}

	// Strategy 2: PID file + SIGTERM (Unix only).
	if runtime.GOOS == "windows" {
		return fmt.Errorf("relay is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "relaybridge.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("relay is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop relay (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[relaybridge] Sent stop signal to relay (PID %d)\n", pid)
	return nil
}

// ============================================================================
// relaybridge status — Show relay status
// ============================================================================

// statusCmd queries the running relay via HTTP (/health, /api/status,
// /api/accounts) for live in-memory state rather than stale disk files.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status and account pool health",
	Long: `Display whether the RelayBridge relay is running, its listen address,
24h usage totals, and the health of every configured account.

Queries the live relay process for accurate real-time data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

// statusAccountJSON is the JSON schema returned by GET /api/accounts.
// Only the fields needed for display are decoded.
type statusAccountJSON struct {
	ID          string  `json:"id"`
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Translation bool    `json:"translation"`
	Healthy     bool    `json:"healthy"`
	Reason      string  `json:"reason"`
	DailyQuota  float64 `json:"daily_quota"`
	QuotaUsed   float64 `json:"quota_used"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[relaybridge] Status: NOT RUNNING")
		fmt.Printf("[relaybridge] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[relaybridge] Status: RUNNING")
	fmt.Printf("[relaybridge] Listening on: %s\n", addr)

	accountsResp, err := client.Get(addr + "/api/accounts")
	if err != nil {
		fmt.Println("[relaybridge] Could not query account data (dashboard API may be disabled)")
		return nil
	}
	defer accountsResp.Body.Close()

	body, err := io.ReadAll(accountsResp.Body)
	if err != nil {
		fmt.Println("[relaybridge] Could not read account data")
		return nil
	}

	var accounts []statusAccountJSON
	if err := json.Unmarshal(body, &accounts); err != nil {
		fmt.Println("[relaybridge] Could not parse account data")
		return nil
	}

	if len(accounts) == 0 {
		fmt.Println("[relaybridge] No accounts configured — add accounts to accounts.yaml")
		return nil
	}

	fmt.Printf("[relaybridge] Accounts: %d total\n", len(accounts))
	fmt.Println()
	fmt.Printf("  %-15s %-12s %-30s %-12s %-12s %-12s\n",
		"ACCOUNT", "PROVIDER", "MODEL", "TRANSLATE", "HEALTH", "QUOTA")
	fmt.Printf("  %-15s %-12s %-30s %-12s %-12s %-12s\n",
		"-------", "--------", "-----", "---------", "------", "-----")
	for _, a := range accounts {
		health := "healthy"
		if !a.Healthy {
			health = a.Reason
			if health == "" {
				health = "unhealthy"
			}
		}
		trans := "off"
		if a.Translation {
			trans = "on"
		}
		quota := "-"
		if a.DailyQuota > 0 {
			quota = fmt.Sprintf("$%.2f/$%.2f", a.QuotaUsed, a.DailyQuota)
		}
		fmt.Printf("  %-15s %-12s %-30s %-12s %-12s %-12s\n",
			a.ID, a.Provider, a.Model, trans, health, quota)
	}
	return nil
}

// ============================================================================
// relaybridge accounts — List configured accounts
// ============================================================================

// accountsCmd lists the account pool from accounts.yaml. Reads from disk
// so it works whether or not the relay is running. Secrets are redacted.
var accountsCmd = &cobra.Command{
	Use:   "accounts [account-id]",
	Short: "List accounts or show details for a specific account",
	Long: `List all accounts from accounts.yaml with their provider, endpoint,
and translation setting. Optionally provide an account ID for details.
API keys are never printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccounts(cmd, args)
	},
}

func runAccounts(cmd *cobra.Command, args []string) error {
	store, err := account.NewStore(filepath.Join(configDir, "accounts.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	if len(args) == 1 {
		acc, err := store.Resolve(args[0])
		if err != nil {
			return fmt.Errorf("account %q not found", args[0])
		}
		fmt.Printf("Account: %s\n", acc.ID)
		fmt.Printf("  Provider:    %s\n", acc.Provider)
		fmt.Printf("  Endpoint:    %s\n", acc.BaseAPI)
		fmt.Printf("  API key:     %s\n", redactKey(acc.APIKey))
		fmt.Printf("  Model:       %s\n", acc.DefaultModel)
		fmt.Printf("  Translation: %v (%s -> %s)\n", acc.TranslationEnabled(), acc.SourceLang(), acc.TargetLang())
		if acc.Proxy != "" {
			fmt.Printf("  Proxy:       %s\n", acc.Proxy)
		}
		if acc.DailyQuota > 0 {
			fmt.Printf("  Quota:       $%.2f used of $%.2f daily\n", acc.QuotaUsed, acc.DailyQuota)
		}
		if !acc.LastUsedAt.IsZero() {
			fmt.Printf("  Last used:   %s\n", acc.LastUsedAt.Format(time.RFC3339))
		}
		return nil
	}

	accounts := store.List()
	if len(accounts) == 0 {
		fmt.Println("No accounts configured. Add accounts to accounts.yaml.")
		return nil
	}

	fmt.Printf("%-15s %-12s %-40s %-30s %-10s\n",
		"ACCOUNT", "PROVIDER", "ENDPOINT", "MODEL", "TRANSLATE")
	fmt.Printf("%-15s %-12s %-40s %-30s %-10s\n",
		"-------", "--------", "--------", "-----", "---------")
	for _, a := range accounts {
		trans := "off"
		if a.TranslationEnabled() {
			trans = "on"
		}
		fmt.Printf("%-15s %-12s %-40s %-30s %-10s\n",
			a.ID, a.Provider, a.BaseAPI, a.DefaultModel, trans)
	}
	return nil
}

// redactKey shows just enough of a secret to identify it.
func redactKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// ============================================================================
// relaybridge test — Probe upstream connectivity
// ============================================================================

// testCmd asks the running relay to probe upstream accounts via
// GET /api/test. Going through the relay (rather than probing from the
// CLI process) exercises the same client, proxy, and credential path
// real requests take. The endpoint streams SSE progress events
// (test_start, content, message_stop, test_complete) which are rendered
// live.
var testCmd = &cobra.Command{
	Use:   "test [account-id]",
	Short: "Test upstream connectivity for one or all accounts",
	Long: `Send a small streaming completion through each account's configured
endpoint and report reachability and latency. With an account ID, tests
only that account. Requires the relay to be running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTest(cmd, args)
	},
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	url := addr + "/api/test"
	if len(args) == 1 {
		url += "?account=" + args[0]
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("relay is not running at %s — start it with 'relaybridge start'", addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("connection test failed: %s", strings.TrimSpace(string(body)))
	}

	failures := 0
	var accum sse.Accumulator
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, evt := range accum.Feed(buf[:n]) {
				if !printTestEvent(evt) {
					failures++
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	for _, evt := range accum.Drain() {
		if !printTestEvent(evt) {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d account(s) failed the connection test", failures)
	}
	return nil
}

// printTestEvent renders one probe event. Returns false for a failed
// test_complete so the caller can count failures.
func printTestEvent(evt sse.Event) bool {
	switch evt.Name {
	case "test_start":
		var payload struct {
			Account string `json:"account"`
			Model   string `json:"model"`
		}
		if json.Unmarshal([]byte(evt.Data), &payload) == nil {
			fmt.Printf("  %-15s %s ... ", payload.Account, payload.Model)
		}
	case "content":
		// Streamed probe text is progress, not output; a dot per chunk.
		fmt.Print(".")
	case "test_complete":
		var payload struct {
			Success   bool   `json:"success"`
			Account   string `json:"account"`
			LatencyMs int64  `json:"latency_ms"`
			Error     string `json:"error"`
		}
		if json.Unmarshal([]byte(evt.Data), &payload) != nil {
			return true
		}
		if payload.Success {
			fmt.Printf(" OK (%dms)\n", payload.LatencyMs)
			return true
		}
		fmt.Printf(" FAIL (%dms): %s\n", payload.LatencyMs, payload.Error)
		return false
	}
	return true
}

// ============================================================================
// relaybridge usage — Query usage records
// ============================================================================

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Query usage records and cost totals",
	Long: `Query the usage log: recent records, filtered queries, aggregate
totals, and export. Reads from disk, so it works whether or not the
relay is running.`,
}

var (
	usageLimit   int
	usageAccount string
	usageAPIKey  string
	usageModel   string
	usageSince   string
	exportFormat string
)

func init() {
	usageCmd.AddCommand(usageTailCmd)
	usageCmd.AddCommand(usageQueryCmd)
	usageCmd.AddCommand(usageSumCmd)
	usageCmd.AddCommand(usageExportCmd)
}

var usageTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent usage records",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := usagelog.Open(filepath.Join(configDir, "usage"))
		if err != nil {
			return fmt.Errorf("failed to open usage log: %w", err)
		}
		defer log.Close()

		entries, err := log.Tail(usageLimit)
		if err != nil {
			return fmt.Errorf("failed to read usage log: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No usage records yet.")
			return nil
		}
		for _, e := range entries {
			printUsageEntry(e)
		}
		return nil
	},
}

func init() {
	usageTailCmd.Flags().IntVarP(&usageLimit, "limit", "n", 20, "Number of records to show")
}

var usageQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query usage records with filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := usagelog.Open(filepath.Join(configDir, "usage"))
		if err != nil {
			return fmt.Errorf("failed to open usage log: %w", err)
		}
		defer log.Close()

		entries, err := log.Query(usagelog.QueryParams{
			APIKey:  usageAPIKey,
			Account: usageAccount,
			Model:   usageModel,
			Since:   usageSince,
			Limit:   usageLimit,
		})
		if err != nil {
			return fmt.Errorf("usage query failed: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No matching usage records.")
			return nil
		}
		for _, e := range entries {
			printUsageEntry(e)
		}
		return nil
	},
}

func init() {
	usageQueryCmd.Flags().IntVarP(&usageLimit, "limit", "n", 50, "Maximum records to return")
	usageQueryCmd.Flags().StringVar(&usageAccount, "account", "", "Filter by account ID")
	usageQueryCmd.Flags().StringVar(&usageAPIKey, "api-key", "", "Filter by client API key ID")
	usageQueryCmd.Flags().StringVar(&usageModel, "model", "", "Filter by model name")
	usageQueryCmd.Flags().StringVar(&usageSince, "since", "", "Only records after (RFC3339 or duration like 24h)")
}

var usageSumCmd = &cobra.Command{
	Use:   "sum",
	Short: "Show aggregate usage totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := usagelog.Open(filepath.Join(configDir, "usage"))
		if err != nil {
			return fmt.Errorf("failed to open usage log: %w", err)
		}
		defer log.Close()

		totals, err := log.Sum(usagelog.QueryParams{
			APIKey:  usageAPIKey,
			Account: usageAccount,
			Model:   usageModel,
			Since:   usageSince,
		})
		if err != nil {
			return fmt.Errorf("usage sum failed: %w", err)
		}

		fmt.Printf("Requests:        %d\n", totals.Requests)
		fmt.Printf("Input tokens:    %d\n", totals.InputTokens)
		fmt.Printf("Output tokens:   %d\n", totals.OutputTokens)
		fmt.Printf("Cached reads:    %d\n", totals.CachedReadTokens)
		fmt.Printf("Cache creation:  %d\n", totals.CacheCreateTokens)
		fmt.Printf("Total tokens:    %d\n", totals.TotalTokens)
		fmt.Printf("Cost:            $%.4f\n", totals.Cost)
		return nil
	},
}

func init() {
	usageSumCmd.Flags().StringVar(&usageAccount, "account", "", "Filter by account ID")
	usageSumCmd.Flags().StringVar(&usageAPIKey, "api-key", "", "Filter by client API key ID")
	usageSumCmd.Flags().StringVar(&usageModel, "model", "", "Filter by model name")
	usageSumCmd.Flags().StringVar(&usageSince, "since", "", "Only records after (RFC3339 or duration like 24h)")
}

var usageExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the usage log",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := usagelog.Open(filepath.Join(configDir, "usage"))
		if err != nil {
			return fmt.Errorf("failed to open usage log: %w", err)
		}
		defer log.Close()

		return log.Export(os.Stdout, exportFormat)
	},
}

func init() {
	usageExportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: json, jsonl, or csv")
}

// printUsageEntry renders one usage record for terminal display.
func printUsageEntry(e usagelog.Entry) {
	flags := ""
	if e.Stream {
		flags += " stream"
	}
	if e.Translated {
		flags += " translated"
	}
	fmt.Printf("[%s] %s %s status=%d in=%d out=%d cost=$%.4f%s\n",
		e.Timestamp, e.Account, e.Model, e.Status,
		e.InputTokens, e.OutputTokens, e.Cost, flags)
}

// ============================================================================
// relaybridge cache — Translation cache operations
// ============================================================================

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Translation cache stats and maintenance",
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show translation cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := relayAPIGet("/api/cache")
		if err != nil {
			return err
		}
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the translation cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(addr+"/api/cache/clear", "application/json", nil)
		if err != nil {
			return fmt.Errorf("relay is not running at %s", addr)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("cache clear failed: %s", strings.TrimSpace(string(body)))
		}
		fmt.Println("[relaybridge] Translation cache cleared")
		return nil
	},
}

// relayAPIGet fetches one dashboard API endpoint from the running relay.
func relayAPIGet(path string) ([]byte, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + path)
	if err != nil {
		return nil, fmt.Errorf("relay is not running at %s — start it with 'relaybridge start'", addr)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// ============================================================================
// relaybridge config — View and edit configuration
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit relay configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file at %s (defaults in effect)\n", path)
				fmt.Println("Run 'relaybridge config generate' to create one.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := config.WriteDefault(path); err != nil {
				return fmt.Errorf("failed to write default config: %w", err)
			}
		}

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}

		edit := exec.Command(editor, path)
		edit.Stdin = os.Stdin
		edit.Stdout = os.Stdout
		edit.Stderr = os.Stderr
		if err := edit.Run(); err != nil {
			return fmt.Errorf("editor exited with error: %w", err)
		}

		// Validate the result so a broken edit is caught now, not at the
		// next start.
		if _, err := config.Load(path); err != nil {
			return fmt.Errorf("edited config is invalid: %w", err)
		}
		fmt.Println("[relaybridge] Config updated")
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s (remove it first to regenerate)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[relaybridge] Wrote default config to %s\n", path)
		return nil
	},
}

// ============================================================================
// First-time setup (root command with no args)
// ============================================================================

// runFirstTimeSetup creates the config directory and a default config if
// none exists, and prints a short getting-started guide.
func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[relaybridge] Created default config at %s\n", configPath)
	} else {
		fmt.Printf("[relaybridge] Config directory ready at %s\n", configDir)
	}

	accountsPath := filepath.Join(configDir, "accounts.yaml")
	if _, err := os.Stat(accountsPath); os.IsNotExist(err) {
		sample := `# RelayBridge upstream accounts, keyed by account id.
#
# accounts:
#   main:
#     provider: anthropic
#     base_api: https://api.anthropic.com/v1
#     api_key: sk-...
#     default_model: claude-sonnet-4
#     enable_translation: false
accounts: {}
`
		if err := os.WriteFile(accountsPath, []byte(sample), 0o600); err != nil {
			return fmt.Errorf("failed to write accounts template: %w", err)
		}
		fmt.Printf("[relaybridge] Created accounts template at %s\n", accountsPath)
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Add upstream accounts to %s\n", accountsPath)
	fmt.Println("  2. Run 'relaybridge start' to start the relay")
	fmt.Println("  3. Point your client at http://127.0.0.1:3200")
	return nil
}
