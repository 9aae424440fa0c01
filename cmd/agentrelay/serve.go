package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/agent/discovery"
	"github.com/BaSui01/agentrelay/agent/handoff"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/stages"
	"github.com/BaSui01/agentrelay/api/handlers"
	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/internal/server"
	"github.com/BaSui01/agentrelay/internal/telemetry"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		kind    string
		port    int
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a pipeline stage (transcriber, extractor or storer)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if kind != "" {
				cfg.Stage.Kind = kind
			}
			if port > 0 {
				cfg.Server.HTTPPort = port
			}
			if err := cfg.ValidateStage(); err != nil {
				return err
			}

			logger := ctx.loggerFor(cfg)
			defer ctx.syncLogger()

			return runStage(cmd.Context(), cfg, backendOptions{Migrate: migrate}, logger)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "Stage kind, overrides stage.kind")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port, overrides server.http_port")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply database migrations before opening the sql chain store")

	return cmd
}

// stageRuntime 持有一个阶段进程的组件
type stageRuntime struct {
	name     string
	stage    *stages.Stage
	server   *a2a.HTTPServer
	handler  http.Handler
	backends *chainBackends
}

// buildStage 组装阶段：链路存储、发现、转发、协作者与阶段服务器。collector 可以为 nil。
func buildStage(ctx context.Context, cfg *config.Config, opts backendOptions, collector *metrics.Collector, logger *zap.Logger) (_ *stageRuntime, err error) {
	kind, err := stages.ParseKind(cfg.Stage.Kind)
	if err != nil {
		return nil, err
	}

	descriptors := a2a.NewDescriptorSource(cfg.Stage.DescriptorPath, cfg.Server.PublicURL).
		WithCapabilities(kind.Capabilities()...)
	name := cfg.Stage.Name
	if d, loadErr := descriptors.Load(); loadErr != nil {
		logger.Warn("stage descriptor unavailable, /.well-known/agent.json will return 404",
			zap.String("path", cfg.Stage.DescriptorPath), zap.Error(loadErr))
	} else if name == "" {
		name = d.Name
	}
	if name == "" {
		name = string(kind)
	}
	logger = logger.With(zap.String("stage", name))

	backends, err := openChainBackends(ctx, cfg, opts, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = backends.Close(context.Background())
		}
	}()

	client := newStageClient(cfg, name)
	if backends.cache != nil && cfg.Discovery.DescriptorCacheTTL > 0 {
		client.WithDescriptorCache(backends.cache)
	}

	peers, mode, err := discovery.ResolvePeers(cfg.Peers.PeerSet(), discovery.DefaultEnvProbe())
	if err != nil {
		return nil, err
	}
	if cfg.Server.PublicURL != "" {
		peers = discovery.Without(peers, cfg.Server.PublicURL)
	}
	logger.Info("peers resolved", zap.String("mode", string(mode)), zap.Int("count", len(peers)))

	discoverer := discovery.NewClient(peers, client, &discovery.ClientConfig{
		PeerTimeout: cfg.Discovery.PeerTimeout,
		Concurrency: cfg.Discovery.Concurrency,
	}, logger)

	dispatcher := handoff.NewDispatcher(discoverer, client, backends.store, &handoff.Config{
		Self:           name,
		ForwardTimeout: cfg.Dispatch.ForwardTimeout,
	}, logger)

	notifier := stages.NewNotifier(client, backends.store, cfg.Stage.NotifyTimeout, logger)

	processor := stages.NewHTTPProcessor(stages.HTTPProcessorConfig{
		Endpoint: cfg.Stage.ProcessorURL,
		Timeout:  cfg.Stage.ProcessorTimeout,
	}, logger)

	stage, err := stages.New(&stages.Config{
		Kind:            kind,
		Name:            name,
		AsyncDispatch:   cfg.Dispatch.Async,
		DispatchTimeout: cfg.Dispatch.Timeout,
		DispatchWorkers: cfg.Dispatch.Workers,
		DispatchQueue:   cfg.Dispatch.QueueSize,
	}, processor, dispatcher, notifier, logger)
	if err != nil {
		return nil, err
	}

	matcher := discovery.NewMatcher(&discovery.MatcherConfig{
		Profile:         discovery.ProfileFor(string(kind)),
		LexiconFallback: cfg.Stage.LexiconFallback,
	}, logger)

	srv := a2a.NewHTTPServer(&a2a.ServerConfig{
		StageName:       name,
		RequestTimeout:  cfg.Server.RequestTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		ResultCacheSize: cfg.Server.ResultCacheSize,
		ResultTTL:       cfg.Server.ResultTTL,
		Logger:          logger,
	}, descriptors, matcher, stage)
	stage.Mount(srv)

	health := handlers.NewHealthHandler(logger)
	for _, check := range backends.HealthChecks() {
		health.RegisterCheck(check)
	}
	srv.Handle("/ready", http.HandlerFunc(health.HandleReady))
	srv.Handle("/version", health.HandleVersion(Version, BuildTime, GitCommit))

	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(logger),
	}
	if collector != nil {
		discoverer.SetObserver(collector)
		dispatcher.SetObserver(collector)
		srv.SetObserver(collector)
		middlewares = append(middlewares, MetricsMiddleware(collector))
	}
	middlewares = append(middlewares, RateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger))

	return &stageRuntime{
		name:     name,
		stage:    stage,
		server:   srv,
		handler:  Chain(srv, middlewares...),
		backends: backends,
	}, nil
}

// registerShutdown 先等待进行中的转发，再关闭存储与连接
func (rt *stageRuntime) registerShutdown(m *server.Manager) {
	m.OnShutdown("stage", rt.stage.Shutdown)
	m.OnShutdown("chain_backends", rt.backends.Close)
}

// runStage 启动阶段并阻塞到收到关闭信号
func runStage(parent context.Context, cfg *config.Config, opts backendOptions, logger *zap.Logger) error {
	logger.Info("Starting AgentRelay stage",
		zap.String("kind", cfg.Stage.Kind),
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, cfg.Stage.Kind, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)
	rt, err := buildStage(ctx, cfg, opts, collector, logger)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return err
	}

	httpManager := server.NewManager(rt.handler, httpServerConfig(cfg), logger)
	rt.registerShutdown(httpManager)
	httpManager.OnShutdown("telemetry", providers.Shutdown)

	return serveUntilSignal(ctx, cfg, httpManager, logger, func() {
		rt.server.StartCleanupLoop(ctx, resultCleanupInterval(cfg.Server.ResultTTL))
	})
}

// serveUntilSignal 启动业务与指标监听，等待信号后依次关闭
func serveUntilSignal(ctx context.Context, cfg *config.Config, httpManager *server.Manager, logger *zap.Logger, started func()) error {
	var metricsManager *server.Manager
	if cfg.Metrics.Enabled {
		metricsManager = newMetricsServer(cfg, logger)
		if err := metricsManager.Start(); err != nil {
			_ = httpManager.Shutdown(context.Background())
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if err := httpManager.Start(); err != nil {
		if metricsManager != nil {
			_ = metricsManager.Shutdown(context.Background())
		}
		_ = httpManager.Shutdown(context.Background())
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if started != nil {
		started()
	}

	logger.Info("All servers started",
		zap.String("addr", httpManager.Addr()),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)

	err := httpManager.WaitForShutdown()
	if metricsManager != nil {
		if mErr := metricsManager.Shutdown(ctx); mErr != nil {
			logger.Error("Metrics server shutdown error", zap.Error(mErr))
		}
	}
	logger.Info("Graceful shutdown completed")
	return err
}

func newStageClient(cfg *config.Config, name string) *a2a.HTTPClient {
	cc := a2a.DefaultClientConfig()
	if cfg.Dispatch.ForwardTimeout > 0 {
		cc.Timeout = cfg.Dispatch.ForwardTimeout
	}
	cc.RetryCount = cfg.Discovery.RetryCount
	cc.DescriptorCacheTTL = cfg.Discovery.DescriptorCacheTTL
	cc.StageName = name
	return a2a.NewHTTPClient(cc)
}

func httpServerConfig(cfg *config.Config) server.Config {
	return server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
}

func newMetricsServer(cfg *config.Config, logger *zap.Logger) *server.Manager {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger.With(zap.String("listener", "metrics")))
}

// resultCleanupInterval 按结果保留时长推算清理周期
func resultCleanupInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}
