package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/auth"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/files"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/lifecycle"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/reaper"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
	"github.com/jkaninda/sanduku/internal/statuspoll"
	"github.com/jkaninda/sanduku/internal/storage"
	pgstore "github.com/jkaninda/sanduku/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sanduku/internal/storage/sqlite"
	"github.com/jkaninda/sanduku/internal/terminal"
	"github.com/jkaninda/sanduku/internal/workspace"
)

var (
	serverConfigPath string
	serverPort       int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Sanduku server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `sanduku --config path` and `sanduku server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", "", "path to config file (default "+config.DefaultConfigPath()+")")
		cmd.Flags().IntVar(&serverPort, "port", 0, "override HTTP listen port")
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadOrDefault(goutils.Env("SANDUKU_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}

	logger := newLogger(cfg.Log)
	logger.Info("starting sanduku server", slog.String("version", version))

	// Workspace.
	var ws *workspace.Workspace
	if cfg.Workspace != "" {
		ws, err = workspace.New(cfg.Workspace)
	} else {
		ws, err = workspace.Default()
	}
	if err != nil {
		return err
	}
	if err := ws.EnsureAll(); err != nil {
		return err
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	store, err := openStore(cfg, ws, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	logger.Info("storage ready", slog.String("driver", store.Driver()))

	reg := registry.New(store.Sessions(), logger)

	// Observability (nil when disabled in config).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	if obs != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}()
	}

	// Container runtime. The capability probe runs once; a missing Docker
	// daemon is fatal because every session operation needs it.
	var rt runtime.Runtime = runtime.NewDockerRuntime(runtime.DockerConfig{
		Image:          cfg.Runtime.Image,
		Shell:          cfg.Runtime.Shell,
		ExecTimeout:    cfg.Exec.Timeout(),
		StopGrace:      cfg.Runtime.StopGrace(),
		MemoryMB:       cfg.Runtime.MemoryMB,
		CPUCores:       cfg.Runtime.CPUCores,
		PIDsLimit:      cfg.Runtime.PIDsLimit,
		NetworkAllowed: cfg.Runtime.NetworkAllowed,
	}, logger)

	probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
	err = rt.Ping(probeCtx)
	cancelProbe()
	if err != nil {
		return fmt.Errorf("container runtime unavailable: %w", err)
	}

	if obs != nil && obs.Metrics != nil {
		rt = observability.NewInstrumentedRuntime(rt, obs.Metrics, obs.TracerOrNil())
	}

	// Lifecycle controller.
	controller := lifecycle.NewController(lifecycle.Config{
		StartTimeout: cfg.Lifecycle.StartTimeout(),
		StopTimeout:  cfg.Lifecycle.StopTimeout(),
		StartRetries: cfg.Lifecycle.StartRetries,
		RetryBackoff: cfg.Lifecycle.RetryBackoff(),
	}, store.Sessions(), rt, ws, logger)

	if obs != nil && obs.Metrics != nil {
		controller.AddListener(observability.NewTransitionRecorder(obs.Metrics))
	}

	// Reconcile records stranded by a previous crash, then watch handles.
	stranded, err := store.Sessions().ListTransitional(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions for recovery: %w", err)
	}
	controller.Recover(ctx, stranded)
	go controller.RunHealthMonitor(ctx, cfg.Lifecycle.HealthInterval())

	// Services.
	execSvc := executor.New(executor.Config{
		Timeout: cfg.Exec.Timeout(),
	}, controller, reg, logger)

	filesSvc := files.New(files.Config{
		MaxReadBytes: int64(cfg.Files.MaxReadKB) << 10,
		MaxDepth:     cfg.Files.MaxDepth,
	}, ws, reg, logger)

	statusSvc := statuspoll.New(store.Sessions(), logger, 0)

	// Authentication.
	keyring := auth.New(cfg.Server.APIKeys)
	if tok := cfg.Server.TerminalToken; tok != "" && len(cfg.Server.APIKeys) > 0 {
		keyring.AddAlias(tok, auth.UserID(cfg.Server.APIKeys[0]))
	}
	if len(keyring.Users()) == 0 {
		logger.Warn("no API keys configured, all requests will be rejected")
	}

	// Terminal gateway; it listens for lifecycle transitions so connected
	// clients see container_status frames.
	termGW := terminal.NewGateway(terminal.Config{
		ReplayBytes:   cfg.Terminal.ReplayKB << 10,
		OutboundQueue: cfg.Terminal.OutboundQueue,
	}, controller, reg, keyring, logger)
	controller.AddListener(termGW)

	// Idle reaper.
	if cfg.Reaper != nil && cfg.Reaper.Enabled {
		rp := reaper.New(reaper.Config{
			Enabled:     true,
			Schedule:    cfg.Reaper.Schedule,
			IdleTimeout: cfg.Reaper.IdleTimeout(),
		}, store.Sessions(), controller, logger)
		cancelReaper, err := rp.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting idle reaper: %w", err)
		}
		defer cancelReaper()
	}

	// HTTP gateway.
	var limiter *ratelimit.Limiter
	if rl := cfg.Server.RateLimit; rl != nil {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: rl.RequestsPerMinute,
			BurstSize:         rl.BurstSize,
		})
	}

	httpCfg := httpapi.Config{
		ListenAddr: cfg.Server.Addr(),
		APIKeys:    keyring.Users(),
	}
	if obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", store.Ping)
		obs.Health.AddCheck("runtime", rt.Ping)
	}

	gw := httpapi.NewGateway(httpCfg, reg, controller, execSvc, filesSvc, statusSvc, limiter, logger).
		WithHandler("/terminal", termGW.Handler())

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// openStore opens the configured storage backend. SQLite is the
// zero-config default with the database inside the workspace.
func openStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		path := ws.DatabasePath()
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				path = cfg.Storage.SQLite.Path
			}
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        path,
			JournalMode: journalMode,
		}, logger)
	}
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
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

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
