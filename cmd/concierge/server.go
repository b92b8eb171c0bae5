package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/concierge/internal/api"
	"github.com/kalambet/concierge/internal/config"
	"github.com/kalambet/concierge/internal/intent"
	"github.com/kalambet/concierge/internal/llm"
	"github.com/kalambet/concierge/internal/routing"
	"github.com/kalambet/concierge/internal/session"
	"github.com/kalambet/concierge/internal/storage"
	"github.com/kalambet/concierge/internal/tools"
	"github.com/kalambet/concierge/internal/vector"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the concierge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running concierge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show concierge system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "concierge.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "concierge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.EnsureAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice. The health check catches a live server even
	// when a stale PID file is lying around.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("concierge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("concierge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	providerOpts := llm.Options{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
	}
	chatOpts := providerOpts
	chatOpts.Model = cfg.Provider.ChatModel
	embedOpts := providerOpts
	embedOpts.Model = cfg.Provider.EmbedModel

	model := llm.NewClient(chatOpts)
	embedder := llm.NewEmbedder(embedOpts)

	vectors := vector.NewSQLiteIndex(store.DB())
	router := routing.New(embedder, vectors, store, cfg.Routing.TopK, cfg.Routing.ScoreThreshold)
	classifier := intent.New(embedder, model, vectors, cfg.Intent.ConfidenceGate)

	cacheMaxAge, err := time.ParseDuration(cfg.Tools.CacheMaxAge)
	if err != nil {
		slog.Warn("invalid tool cache max age, using 24h", "value", cfg.Tools.CacheMaxAge, "error", err)
		cacheMaxAge = 24 * time.Hour
	}
	discoveryTimeout, err := time.ParseDuration(cfg.Tools.DiscoveryTimeout)
	if err != nil {
		slog.Warn("invalid discovery timeout, using 15s", "value", cfg.Tools.DiscoveryTimeout, "error", err)
		discoveryTimeout = 15 * time.Second
	}
	toolCache := tools.NewCache(store, tools.NewDiscoverer(discoveryTimeout), cacheMaxAge)

	sessions := session.NewManager(store, model, router, cfg.Chat.HistoryLimit)

	handler := api.NewHandler(api.Deps{
		Store:      store,
		Sessions:   sessions,
		Router:     router,
		Classifier: classifier,
		Tools:      toolCache,
		Token:      apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "concierge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("concierge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop concierge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to concierge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Chat model", "%s", cfg.Provider.ChatModel)
	printStatus("Embed model", "%s", cfg.Provider.EmbedModel)
	printStatus("Routing threshold", "%.2f", cfg.Routing.ScoreThreshold)
	printStatus("Tool cache max age", "%s", cfg.Tools.CacheMaxAge)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
