package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/tracker"
	"github.com/BaSui01/agentrelay/api/handlers"
	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/internal/server"
	"github.com/BaSui01/agentrelay/internal/telemetry"
)

// =============================================================================
// 🚪 origin 命令
// =============================================================================

func newOriginCommand(ctx *commandContext) *cobra.Command {
	var (
		port     int
		entryURL string
		migrate  bool
	)

	cmd := &cobra.Command{
		Use:   "origin",
		Short: "Start the origin service (submit, status, completion callback)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.HTTPPort = port
			}
			if entryURL != "" {
				cfg.Tracker.EntryURL = entryURL
			}
			if cfg.Tracker.EntryURL == "" {
				return errors.New("tracker entry_url is required")
			}

			logger := ctx.loggerFor(cfg)
			defer ctx.syncLogger()

			return runOrigin(cmd.Context(), cfg, backendOptions{Migrate: migrate}, logger)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP port, overrides server.http_port")
	cmd.Flags().StringVar(&entryURL, "entry", "", "Entry stage URL, overrides tracker.entry_url")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply database migrations before opening the sql chain store")

	return cmd
}

// originRuntime 持有入口进程的组件
type originRuntime struct {
	tracker  *tracker.Tracker
	handler  http.Handler
	backends *chainBackends
}

// buildOrigin 组装入口：跟踪器、提交与状态端点、完成回调。collector 可以为 nil。
func buildOrigin(ctx context.Context, cfg *config.Config, opts backendOptions, collector *metrics.Collector, logger *zap.Logger) (*originRuntime, error) {
	backends, err := openChainBackends(ctx, cfg, opts, logger)
	if err != nil {
		return nil, err
	}

	// 内存存储只在本进程可见，收不到阶段写入的跳转
	var chains persistence.ChainStore
	if cfg.ChainStore.Type != persistence.StoreTypeMemory {
		chains = backends.store
	}

	client := newStageClient(cfg, cfg.Origin.Name)

	tr := tracker.New(&tracker.Config{
		EntryURL:         cfg.Tracker.EntryURL,
		TerminalURL:      cfg.Tracker.TerminalURL,
		Dwell:            cfg.Tracker.Dwell,
		Ceiling:          cfg.Tracker.Ceiling,
		MaxProbeFailures: cfg.Tracker.MaxProbeFailures,
		ProbeTimeout:     cfg.Tracker.ProbeTimeout,
		Capacity:         cfg.Tracker.Capacity,
		TTL:              cfg.Tracker.TTL,
		CleanupInterval:  cfg.Tracker.CleanupInterval,
	}, client, chains, logger)

	origin := handlers.NewOriginHandler(handlers.OriginConfig{
		Name:          cfg.Origin.Name,
		EntryURL:      cfg.Tracker.EntryURL,
		CallbackURL:   cfg.Origin.CallbackURL,
		SubmitTimeout: cfg.Origin.SubmitTimeout,
		WatchInterval: cfg.Origin.WatchInterval,
		AllowedHosts:  cfg.Origin.AllowedHosts,
	}, client, tr, logger)

	health := handlers.NewHealthHandler(logger)
	health.RegisterCheck(handlers.NewPingCheck("entry_stage", func(ctx context.Context) error {
		return client.Health(ctx, cfg.Tracker.EntryURL)
	}))
	if chains != nil {
		for _, check := range backends.HealthChecks() {
			health.RegisterCheck(check)
		}
	}

	mux := http.NewServeMux()
	origin.Mount(mux)
	mux.HandleFunc("GET "+a2a.PathHealth, health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(logger),
	}
	if collector != nil {
		tr.SetObserver(collector)
		middlewares = append(middlewares, MetricsMiddleware(collector))
	}
	middlewares = append(middlewares, RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger))

	return &originRuntime{
		tracker:  tr,
		handler:  Chain(mux, middlewares...),
		backends: backends,
	}, nil
}

// runOrigin 启动入口服务并阻塞到收到关闭信号
func runOrigin(parent context.Context, cfg *config.Config, opts backendOptions, logger *zap.Logger) error {
	logger.Info("Starting AgentRelay origin",
		zap.String("entry_url", cfg.Tracker.EntryURL),
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, "origin", logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)
	rt, err := buildOrigin(ctx, cfg, opts, collector, logger)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return err
	}

	httpManager := server.NewManager(rt.handler, httpServerConfig(cfg), logger)
	httpManager.OnShutdown("chain_backends", rt.backends.Close)
	httpManager.OnShutdown("telemetry", providers.Shutdown)

	return serveUntilSignal(ctx, cfg, httpManager, logger, func() {
		rt.tracker.StartCleanupLoop(ctx)
	})
}
