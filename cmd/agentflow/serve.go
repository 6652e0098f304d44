package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aescanero/agentflow/internal/application/agents"
	"github.com/aescanero/agentflow/internal/application/orchestrator"
	"github.com/aescanero/agentflow/internal/application/scheduler"
	"github.com/aescanero/agentflow/internal/config"
	"github.com/aescanero/agentflow/internal/ports"
	countermem "github.com/aescanero/agentflow/pkg/adapters/counter/memory"
	counterredis "github.com/aescanero/agentflow/pkg/adapters/counter/redis"
	eventsmem "github.com/aescanero/agentflow/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/agentflow/pkg/adapters/events/redis"
	"github.com/aescanero/agentflow/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/agentflow/pkg/adapters/parser/bpmn"
	"github.com/aescanero/agentflow/pkg/adapters/parser/yaml"
	storagemem "github.com/aescanero/agentflow/pkg/adapters/storage/memory"
	storageredis "github.com/aescanero/agentflow/pkg/adapters/storage/redis"
	"github.com/aescanero/agentflow/pkg/adapters/storage/sqlite"
	"github.com/aescanero/agentflow/pkg/adapters/transport"
	"github.com/aescanero/agentflow/pkg/api/grpc"
	httpapi "github.com/aescanero/agentflow/pkg/api/http"
	"github.com/aescanero/agentflow/pkg/api/websocket"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long:  "Run the orchestrator with the HTTP, websocket and gRPC APIs. Configuration is read from the environment.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// backends holds the adapters selected by configuration
type backends struct {
	redis   *goredis.Client
	store   ports.Store
	counter ports.LoadCounter
	bus     ports.EventBus
}

func (b *backends) close() error {
	var err error
	if b.bus != nil {
		err = multierr.Append(err, b.bus.Close())
	}
	if b.store != nil {
		err = multierr.Append(err, b.store.Close())
	}
	if b.redis != nil {
		err = multierr.Append(err, b.redis.Close())
	}
	return err
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}

	if cfg.UsesRedis() {
		b.redis = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		// Test Redis connection
		if err := b.redis.Ping(ctx).Err(); err != nil {
			_ = b.close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	switch cfg.StorageBackend {
	case "redis":
		b.store = storageredis.NewStore(b.redis, logger)
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				_ = b.close()
				return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			_ = b.close()
			return nil, err
		}
		b.store = store
	default:
		b.store = storagemem.NewInMemoryStore()
	}

	switch cfg.CounterBackend {
	case "redis":
		b.counter = counterredis.NewLoadCounter(b.redis, logger)
	default:
		b.counter = countermem.NewInMemoryLoadCounter()
	}

	switch cfg.EventsBackend {
	case "redis":
		bus, err := eventsredis.NewStreamsEventBus(
			b.redis,
			cfg.Redis.ConsumerGroup,
			fmt.Sprintf("agentflow-%d", os.Getpid()),
			cfg.Redis.StreamMaxLen,
			logger,
		)
		if err != nil {
			_ = b.close()
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		b.bus = bus
	default:
		b.bus = eventsmem.NewInMemoryEventBus(logger)
	}

	logger.Info("backends ready",
		zap.String("storage", cfg.StorageBackend),
		zap.String("events", cfg.EventsBackend),
		zap.String("counter", cfg.CounterBackend))
	return b, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting agentflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Error("backend close error", zap.Error(err))
		}
	}()

	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := prometheus.NewCollector(registry)

	// Initialize application components
	agentRegistry := agents.NewRegistry(b.counter, b.store, b.bus, metricsCollector, logger, cfg.Agents.HeartbeatTimeout)
	healthMonitor := agents.NewHealthMonitor(agentRegistry, metricsCollector,
		cfg.Agents.HealthCheckInterval, cfg.Agents.ProbeTimeout, logger)

	sched := scheduler.NewScheduler(scheduler.Config{
		Dispatchers:         cfg.Scheduler.Dispatchers,
		ExecutorPoolSize:    cfg.Scheduler.ExecutorPoolSize,
		QueueCapacity:       cfg.Scheduler.QueueCapacity,
		BackoffBase:         cfg.Scheduler.BackoffBase,
		BackoffMax:          cfg.Scheduler.BackoffMax,
		MaxDispatchAttempts: cfg.Scheduler.MaxDispatchAttempts,
		DefaultTimeout:      cfg.Timeouts.NodeExecutionTimeout,
		DefaultMaxRetries:   cfg.Scheduler.DefaultMaxRetries,
		PollInterval:        cfg.Scheduler.PollInterval,
	}, agentRegistry, b.store, b.bus, metricsCollector, logger)

	engine, err := orchestrator.NewEngine(b.store, sched, b.bus, metricsCollector, logger,
		cfg.Timeouts.GraphExecutionTimeout, cfg.Scheduler.GraphCacheSize)
	if err != nil {
		return err
	}

	transports := transport.NewFactory(transport.Config{
		AnthropicAPIKey:    cfg.LLM.APIKey,
		AnthropicModel:     cfg.LLM.DefaultModel,
		AnthropicMaxTokens: cfg.LLM.DefaultMaxTokens,
		AnthropicTimeout:   cfg.LLM.RequestTimeout,
		HTTPTimeout:        cfg.Agents.HTTPTimeout,
		Metrics:            metricsCollector,
		Logger:             logger,
	})

	manager := orchestrator.NewManager(b.store, engine, sched, agentRegistry, healthMonitor, transports, logger,
		bpmn.NewParser(),
		yaml.NewParser(),
		yaml.NewJSONParser(),
	)
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	if cfg.Agents.File != "" {
		if err := registerAgents(ctx, manager, cfg.Agents.File, logger); err != nil {
			shutdownManager(manager, cfg, logger)
			return err
		}
	}

	// Initialize API servers
	httpServer := httpapi.NewServer(&httpapi.Config{
		Port:     cfg.HTTPPort,
		APIKey:   cfg.APIKey,
		Manager:  manager,
		Gatherer: registry,
		Logger:   logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(b.bus, manager, logger))

	var grpcServer *grpc.Server
	if cfg.GRPCPort > 0 {
		grpcServer, err = grpc.NewServer(&grpc.Config{
			Port:          cfg.GRPCPort,
			Health:        manager,
			CheckInterval: cfg.Agents.HealthCheckInterval,
			Logger:        logger,
		})
		if err != nil {
			shutdownManager(manager, cfg, logger)
			return fmt.Errorf("failed to create gRPC server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	if grpcServer != nil {
		g.Go(grpcServer.Start)
	}

	logger.Info("agentflow started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("dispatchers", cfg.Scheduler.Dispatchers))

	// Wait for interrupt signal or a server failure
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()

		var err error
		if e := httpServer.Shutdown(shutdownCtx); e != nil {
			logger.Error("HTTP server shutdown error", zap.Error(e))
			err = multierr.Append(err, e)
		}
		if grpcServer != nil {
			if e := grpcServer.Shutdown(shutdownCtx); e != nil {
				logger.Error("gRPC server shutdown error", zap.Error(e))
				err = multierr.Append(err, e)
			}
		}
		return err
	})

	serveErr := g.Wait()
	shutdownManager(manager, cfg, logger)

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	logger.Info("agentflow shut down complete")
	return nil
}

func registerAgents(ctx context.Context, manager *orchestrator.Manager, path string, logger *zap.Logger) error {
	descs, err := config.LoadAgentsFile(path)
	if err != nil {
		return err
	}
	for i := range descs {
		agent, err := manager.RegisterAgent(ctx, &descs[i])
		if err != nil {
			return fmt.Errorf("failed to register agent %s: %w", descs[i].ID, err)
		}
		logger.Info("agent registered from file",
			zap.String("agent_id", agent.ID),
			zap.String("kind", agent.Kind),
			zap.Strings("capabilities", agent.CapabilityTags))
	}
	return nil
}

func shutdownManager(manager *orchestrator.Manager, cfg *config.Config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}
}
