package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/materlab/kiln/internal/application/leases"
	"github.com/materlab/kiln/internal/application/orchestrator"
	"github.com/materlab/kiln/internal/application/recovery"
	"github.com/materlab/kiln/internal/application/submit"
	"github.com/materlab/kiln/internal/application/workers"
	"github.com/materlab/kiln/internal/config"
	"github.com/materlab/kiln/internal/planfile"
	memartifacts "github.com/materlab/kiln/pkg/adapters/artifacts/memory"
	minioartifacts "github.com/materlab/kiln/pkg/adapters/artifacts/minio"
	memevents "github.com/materlab/kiln/pkg/adapters/events/memory"
	redisevents "github.com/materlab/kiln/pkg/adapters/events/redis"
	memleases "github.com/materlab/kiln/pkg/adapters/leases/memory"
	pgleases "github.com/materlab/kiln/pkg/adapters/leases/postgres"
	redisleases "github.com/materlab/kiln/pkg/adapters/leases/redis"
	"github.com/materlab/kiln/pkg/adapters/metrics/prometheus"
	pgdb "github.com/materlab/kiln/pkg/adapters/postgres"
	memprovision "github.com/materlab/kiln/pkg/adapters/provision/memory"
	"github.com/materlab/kiln/pkg/adapters/provision/toolchain"
	"github.com/materlab/kiln/pkg/adapters/scheduler/fake"
	"github.com/materlab/kiln/pkg/adapters/scheduler/slurm"
	memstorage "github.com/materlab/kiln/pkg/adapters/storage/memory"
	pgstorage "github.com/materlab/kiln/pkg/adapters/storage/postgres"
	redisstorage "github.com/materlab/kiln/pkg/adapters/storage/redis"
	"github.com/materlab/kiln/pkg/api/http"
	"github.com/materlab/kiln/pkg/api/websocket"
	"github.com/materlab/kiln/pkg/ports"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting kiln",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx := context.Background()

	// Shared clients, opened only when a selected backend needs them
	var redisClient *goredis.Client
	if cfg.Store.Backend == "redis" || cfg.Bus.Backend == "redis" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Store.Redis.Addr,
			Password:     cfg.Store.Redis.Password,
			DB:           cfg.Store.Redis.DB,
			PoolSize:     cfg.Store.Redis.PoolSize,
			MinIdleConns: cfg.Store.Redis.MinIdleConns,
			MaxRetries:   cfg.Store.Redis.MaxRetries,
			DialTimeout:  cfg.Store.Redis.DialTimeout,
			ReadTimeout:  cfg.Store.Redis.ReadTimeout,
			WriteTimeout: cfg.Store.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Store.Redis.Addr))
	}

	var db *sql.DB
	if cfg.Store.Backend == "postgres" {
		db, err = pgdb.Open(ctx, pgdb.Config{
			URL:             cfg.Store.Postgres.DSN,
			PingTimeout:     cfg.Store.Postgres.PingTimeout,
			MaxOpenConns:    cfg.Store.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Store.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Store.Postgres.ConnMaxIdleTime,
		})
		if err != nil {
			logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
		}
		logger.Info("connected to PostgreSQL")
	}

	// The lease store follows the state store backend so workflow
	// documents and the leases guarding them live in the same place.
	var (
		stateStore ports.StateStore
		leaseStore ports.LeaseStore
	)
	switch cfg.Store.Backend {
	case "redis":
		stateStore = redisstorage.NewStateStore(redisClient, logger)
		leaseStore = redisleases.NewStore(redisClient, logger)
	case "postgres":
		if err := pgstorage.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("failed to ensure workflow schema", zap.Error(err))
		}
		if err := pgleases.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("failed to ensure lease schema", zap.Error(err))
		}
		stateStore = pgstorage.NewStateStore(db)
		leaseStore = pgleases.NewStore(db)
	default:
		logger.Warn("using in-memory store, workflow state will not survive restarts")
		stateStore = memstorage.NewStateStore()
		leaseStore = memleases.NewStore()
	}

	var eventBus ports.EventBus
	if cfg.Bus.Backend == "redis" {
		consumerName := cfg.Bus.ConsumerName
		if consumerName == "" {
			consumerName = fmt.Sprintf("kiln-%d", os.Getpid())
		}
		eventBus, err = redisevents.NewStreamsEventBus(redisClient, cfg.Bus.ConsumerGroup, consumerName, logger)
		if err != nil {
			logger.Fatal("failed to create event bus", zap.Error(err))
		}
	} else {
		eventBus = memevents.NewEventBus()
	}

	var batchScheduler ports.Scheduler
	if cfg.Scheduler.Backend == "slurm" {
		batchScheduler = slurm.NewScheduler(slurm.Config{
			SbatchPath:    cfg.Scheduler.SbatchPath,
			SqueuePath:    cfg.Scheduler.SqueuePath,
			SacctPath:     cfg.Scheduler.SacctPath,
			ScancelPath:   cfg.Scheduler.ScancelPath,
			LaunchCommand: cfg.Scheduler.LaunchCommand,
			SubmitTimeout: cfg.Scheduler.SubmitTimeout,
			QueryTimeout:  cfg.Scheduler.QueryTimeout,
		}, logger)
	} else {
		logger.Warn("using fake scheduler, jobs only finish via the completion webhook")
		batchScheduler = fake.NewScheduler()
	}

	var provisioner ports.InputProvisioner
	if cfg.Provision.Backend == "toolchain" {
		provisioner, err = toolchain.NewProvisioner(toolchain.Config{
			Command:    cfg.Provision.Command,
			ScratchDir: cfg.Provision.ScratchDir,
			Timeout:    cfg.Provision.Timeout,
		}, logger)
		if err != nil {
			logger.Fatal("failed to create provisioner", zap.Error(err))
		}
	} else {
		provisioner = memprovision.NewProvisioner()
	}

	var artifactStore ports.ArtifactStore
	if cfg.Artifacts.Backend == "minio" {
		store, err := minioartifacts.NewStore(minioartifacts.Config{
			Endpoint:  cfg.Artifacts.Endpoint,
			AccessKey: cfg.Artifacts.AccessKey,
			SecretKey: cfg.Artifacts.SecretKey,
			UseSSL:    cfg.Artifacts.UseSSL,
			Region:    cfg.Artifacts.Region,
			Bucket:    cfg.Artifacts.Bucket,
		})
		if err != nil {
			logger.Fatal("failed to create artifact store", zap.Error(err))
		}
		if err := store.EnsureBucket(ctx, cfg.Artifacts.Region); err != nil {
			logger.Fatal("failed to ensure artifact bucket", zap.Error(err))
		}
		artifactStore = store
	} else {
		artifactStore = memartifacts.NewStore()
	}

	metricsCollector := prometheus.NewCollector()

	// Initialize application components
	leaseMgr := leases.NewManager(leaseStore, metricsCollector, logger, leases.Options{
		TTL:         cfg.Leases.TTL,
		BackoffBase: cfg.Leases.BackoffBase,
		BackoffMax:  cfg.Leases.BackoffMax,
	})

	submitter := submit.NewManager(
		stateStore,
		batchScheduler,
		provisioner,
		leaseMgr,
		metricsCollector,
		logger,
		submit.Options{
			MaxJobs:      cfg.Scheduler.MaxJobs,
			Reserve:      cfg.Scheduler.Reserve,
			LeaseTimeout: cfg.Leases.AcquireTimeout,
		},
	)

	planner := recovery.NewPlanner(recovery.Budgets{
		Convergence:    cfg.Recovery.ConvergenceBudget,
		Resources:      cfg.Recovery.ResourcesBudget,
		MalformedParam: cfg.Recovery.MalformedBudget,
		Unknown:        cfg.Recovery.UnknownBudget,
	})

	orchestratorMgr := orchestrator.NewManager(
		stateStore,
		eventBus,
		metricsCollector,
		leaseMgr,
		submitter,
		planner,
		artifactStore,
		logger,
		orchestrator.Options{MaterialLeaseTimeout: cfg.Leases.AcquireTimeout},
	)

	plans := planfile.NewLibrary()
	if cfg.Plans.TemplateDir != "" {
		plans, err = planfile.LoadDir(cfg.Plans.TemplateDir)
		if err != nil {
			logger.Fatal("failed to load plan templates", zap.Error(err))
		}
		logger.Info("loaded plan templates",
			zap.Strings("templates", plans.Names()),
			zap.String("dir", cfg.Plans.TemplateDir))
	}

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		eventBus,
		orchestratorMgr,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	poller := orchestrator.NewPoller(
		orchestratorMgr,
		stateStore,
		batchScheduler,
		eventBus,
		metricsCollector,
		logger,
		orchestrator.PollerOptions{Interval: cfg.Scheduler.PollInterval},
	)
	poller.Start(ctx)

	// Initialize API server
	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		WebhookToken: cfg.WebhookToken,
		Orchestrator: orchestratorMgr,
		Plans:        plans,
		Bus:          eventBus,
		Logger:       logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(eventBus, logger))

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("kiln started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("scheduler_backend", cfg.Scheduler.Backend))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown. Stop intake first, then the components that
	// drive workflows, then the transports underneath them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	poller.Stop()

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Error("PostgreSQL close error", zap.Error(err))
		}
	}

	logger.Info("kiln shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
