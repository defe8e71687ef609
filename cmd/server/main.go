package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/executor"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/mcp"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/notify"
	"github.com/HyphaGroup/portcullis/internal/store"
	"github.com/HyphaGroup/portcullis/internal/stream"
	"github.com/HyphaGroup/portcullis/internal/workflow"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Portcullis home directory (default: ~/.portcullis)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("portcullis %s\n", Version)
		os.Exit(0)
	}

	homeDir := resolveHome(*dirFlag)

	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	dataDir := cfg.Server.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(homeDir, dataDir)
	}
	logDir := cfg.Server.LogDir
	if !filepath.IsAbs(logDir) {
		logDir = filepath.Join(homeDir, logDir)
	}

	if err := logger.Init(logDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitSlog(logDir, cfg.Server.LogJSON); err != nil {
		logger.Fatalf("Failed to initialize structured logger: %v", err)
	}

	logger.Info("portcullis %s starting", Version)
	logger.Printf("📁 Home directory: %s", homeDir)
	logger.Printf("📝 Logs directory: %s", logDir)

	st, err := store.NewStore(dataDir)
	if err != nil {
		logger.Fatalf("Failed to initialize store: %v", err)
	}
	defer func() { _ = st.Close() }()
	logger.Printf("🗄️  Database: %s/portcullis.db", dataDir)

	client := executor.NewClient(cfg.Executor)
	logger.Printf("🔌 Executor adapter: %s", cfg.Executor.BaseURL)

	notifier := notify.NewNotifier(cfg.Notify.WebhookURL)
	runner := workflow.NewExecutorRunner(st, client)
	machine := workflow.NewMachine(st, runner, notifier)
	streamer := stream.NewStreamer(st, cfg.Stream)
	mcpServer := mcp.NewServer(st, machine)

	sweeper := workflow.NewSweeper(st, cfg.Workflow)
	if err := sweeper.Start(); err != nil {
		logger.Fatalf("Failed to start gate sweeper: %v", err)
	}
	logger.Printf("⏰ Gate sweeper: %q, TTL %dh", cfg.Workflow.GateSweepCron, cfg.Workflow.GateTTLHours)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if err := st.Ping(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/sse/projects/{projectID}", stream.SSEHandler(streamer))
	r.Mount("/mcp", mcpServer.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Printf("🚀 Listening on %s (MCP at /mcp, streams at /sse)", cfg.Server.Address)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, shutting down...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("HTTP shutdown failed: %v", err)
		}

		sweeper.Stop()
		_ = st.Close()

		logger.Printf("✅ Shutdown complete")
		_ = logger.CloseSlog()
		_ = logger.Close()
	}
}

// resolveHome follows the precedence flag > PORTCULLIS_HOME > ~/.portcullis
func resolveHome(dirFlag string) string {
	if dirFlag != "" {
		return dirFlag
	}
	if env := os.Getenv("PORTCULLIS_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".portcullis"
	}
	return filepath.Join(home, ".portcullis")
}
