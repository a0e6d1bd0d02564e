// Command control-panel is the main entrypoint for the broadcast session
// API and background workers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: chat recorder and room poller (when platform
//     credentials are configured), segment maintenance, and the session
//     finalize scheduler.
//   - Exposes an HTTP server with session queries, admin controls, /healthz,
//     /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/aiapi"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/broadcast"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/config"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/db"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/ingest"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/platformapi"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/server"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("mhc-control-panel", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run migrations: versioned (golang-migrate) first, embedded SQL as a
	// fallback for deployments without a schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ingest: chat recorder and room poller share a viewer sample so chat
	// events carry the latest polled viewer count.
	sample := &ingest.ViewerSample{}
	platform := platformapi.New(cfg.PlatformAPIURL, cfg.PlatformTokenURL, cfg.PlatformClientID, cfg.PlatformSecret)
	if cfg.PlatformAPIURL != "" && cfg.Channel != "" {
		go ingest.StartRoomPoller(ctx, database, platform, cfg.Channel, sample)
	} else {
		slog.Info("room poller disabled (missing platform api url or channel)")
	}
	if err := cfg.ValidateIngestReady(); err == nil {
		go ingest.StartChatRecorder(ctx, database, *cfg, sample)
	} else {
		slog.Info("chat recorder disabled", slog.Any("err", err))
	}

	// Segment maintenance: incremental segment building and session stitching.
	go broadcast.StartSegmentMaintenanceJob(ctx, database)

	// Finalize scheduler. Restores persisted config and pause state, and
	// restarts automatically unless an operator explicitly stopped it before
	// the last shutdown.
	summarizer := aiapi.New(cfg.AISummaryURL, cfg.AISummaryKey)
	fin, err := broadcast.NewFinalizer(ctx, database, summarizer)
	if err != nil {
		slog.Error("failed to construct finalizer", slog.Any("err", err))
		os.Exit(1)
	}
	if fin.WasRunning() {
		if err := fin.Start(ctx); err != nil {
			slog.Error("failed to start finalizer", slog.Any("err", err))
		}
	} else {
		slog.Info("finalizer not started (operator stopped it previously)")
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (sessions/admin/health/status/metrics)
	go func() {
		if err := server.Start(ctx, database, fin, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal. The finalizer loop exits with the root
	// context; is_running stays true so the next boot resumes it.
	<-ctx.Done()
	slog.Info("shutting down")
}
