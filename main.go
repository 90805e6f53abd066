// Command streamwatch is the main entrypoint for the stream tracker and
// notifier. It:
//   - Loads configuration, the talent roster, and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Restores tracked stream state and reconciles interrupted side effects.
//   - Starts the upstream poller, the sharded dispatch workers, and the
//     retention pruner.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /streams,
//     and /metrics.
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
	"github.com/onnwee/streamwatch/cache"
	"github.com/onnwee/streamwatch/config"
	"github.com/onnwee/streamwatch/db"
	"github.com/onnwee/streamwatch/discord"
	"github.com/onnwee/streamwatch/holodex"
	"github.com/onnwee/streamwatch/server"
	"github.com/onnwee/streamwatch/telemetry"
	"github.com/onnwee/streamwatch/tracker"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

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
		// unknown level -> keep info but note once using temporary logger
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

	// Config and roster
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}
	roster, err := config.LoadRoster(cfg.TalentsFile)
	if err != nil {
		slog.Error("roster load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if len(roster.Guilds) == 0 {
		slog.Error("roster has no guild settings")
		os.Exit(1)
	}
	guild := roster.Guilds[0]
	slog.Info("roster loaded",
		slog.Int("talents", len(roster.Talents)),
		slog.String("guild", guild.GuildID))

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamwatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()
	slog.Info("telemetry ready", slog.Bool("tracing", telemetry.IsTracingEnabled()))

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
	migrationCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrationCtx, database); err != nil {
		cancelMigrate()
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	cancelMigrate()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Clients
	upstream := &holodex.Client{APIKey: cfg.HolodexAPIKey, BaseURL: cfg.HolodexBaseURL}
	chat := &discord.Client{Token: cfg.DiscordBotToken, BaseURL: cfg.DiscordBaseURL}

	// Store: restore the persisted snapshot, then replay side effects a crash
	// may have interrupted. Markers keep the replay idempotent.
	store := tracker.NewStore(database)
	if err := store.Restore(ctx); err != nil {
		slog.Error("failed to restore stream state", slog.Any("err", err))
		os.Exit(1)
	}

	dispatcher := tracker.NewDispatcher(store, chat, roster, guild, tracker.DispatcherOptions{
		Workers:      cfg.DispatchWorkers,
		QueueSize:    cfg.EventQueueSize,
		MaxAttempts:  cfg.DispatchMaxAttempts,
		BackoffBase:  cfg.DispatchBackoffBase,
		ArchiveDelay: cfg.ArchiveDelay,
	})
	// The dispatcher outlives the signal context: on shutdown the poller stops
	// first, then queued events drain within the grace period before the
	// workers are cancelled.
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	go func() {
		if err := dispatcher.Run(dispatchCtx); err != nil {
			slog.Error("dispatcher exited with error", slog.Any("err", err))
		}
	}()

	for _, ev := range store.Reconcile() {
		if err := dispatcher.Enqueue(ctx, ev); err != nil {
			slog.Error("failed to enqueue reconcile event", slog.Any("err", err))
			break
		}
	}

	if err := dispatcher.SweepOrphans(ctx); err != nil {
		slog.Warn("orphan channel sweep failed", slog.Any("err", err))
	}

	names, err := cache.NewNames(0, func(cctx context.Context, channelID string) (string, error) {
		ch, err := upstream.GetChannel(cctx, channelID)
		if err != nil {
			return "", err
		}
		return ch.Name, nil
	})
	if err != nil {
		slog.Error("failed to build channel name cache", slog.Any("err", err))
		os.Exit(1)
	}

	poller := tracker.NewPoller(upstream, store, dispatcher, roster, database, tracker.PollerOptions{
		Interval:    cfg.PollInterval,
		Timeout:     cfg.PollTimeout,
		MaxRetries:  cfg.PollMaxRetries,
		BackoffBase: cfg.PollBackoffBase,
		BackoffCap:  cfg.PollBackoffCap,
	}).WithNameCache(names)
	go poller.Run(ctx)
	go tracker.RunRetention(ctx, store, cfg.RetentionDays)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
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

	// HTTP server (health/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, store, dispatcher, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal, then give in-flight side effects a grace
	// period to finish before cancelling the workers. Anything still pending
	// when the grace period expires is replayed by reconciliation on the next
	// start.
	<-ctx.Done()
	slog.Info("shutting down", slog.Duration("grace", cfg.ShutdownGrace))
	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer cancelDrain()
	if err := dispatcher.Drain(drainCtx); err != nil {
		slog.Warn("shutdown grace expired with events pending",
			slog.Int("pending", dispatcher.QueueDepth()),
			slog.Any("err", err))
	}
	stopDispatch()
	slog.Info("shutdown complete")
}
