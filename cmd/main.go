package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitespeed/internal/config"
	"sitespeed/internal/core/job"
	"sitespeed/internal/health"
	"sitespeed/internal/logger"
	"sitespeed/internal/platform/amqp"
	rds "sitespeed/internal/platform/redis"
	tasks "sitespeed/internal/platform/tasks"
	"sitespeed/internal/queue"
	"sitespeed/internal/server"
	"sitespeed/internal/store/memory"
	"sitespeed/internal/store/mongo"
	"sitespeed/internal/store/rediscache"
	"sitespeed/internal/store/sqlstore"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

type recordStore interface {
	job.Store
	Close(ctx context.Context) error
}

func main() {
	logr := logger.New("main")

	cfg, err := config.Load()
	if err != nil {
		logr.LogFatal("invalid configuration", err)
	}
	logr.LogInfof("starting at %s (env=%s, store=%s)", cfg.HTTPAddr, cfg.AppEnv, cfg.Store.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Redis client
	redisSvc, err := rds.New(startCtx, rds.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logr.LogFatal("redis unavailable", err)
	}
	defer redisSvc.Close()

	store, err := openStore(startCtx, cfg)
	if err != nil {
		logr.LogFatal("record store unavailable", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logr.LogError("record store close", err)
		}
	}()

	// Broker is dialed on first publish; startup does not wait for it.
	session := amqp.NewSession(amqp.Options{
		URL:      cfg.AMQP.URL,
		Attempts: cfg.AMQP.ConnectAttempts,
		Backoff:  amqp.Backoff{Initial: cfg.AMQP.ReconnectInitial, Max: cfg.AMQP.ReconnectMax},
	})
	defer session.Close()

	queues, err := queue.LoadQueues(cfg.RegionQueuesFile)
	if err != nil {
		logr.LogFatal("region queue table", err)
	}
	router, err := queue.NewRouter(session, queues)
	if err != nil {
		logr.LogFatal("region queue router", err)
	}

	jobSvc := job.NewService(store, rediscache.New(redisSvc), router, job.Options{
		StatusTTL:          cfg.Status.TTL,
		StatusMaxAge:       cfg.Status.MaxAge,
		RecentLimit:        cfg.RecentTestsLimit,
		SweepPendingMaxAge: cfg.Sweep.PendingMaxAge,
		SweepBatchSize:     cfg.Sweep.BatchSize,
	})

	var runner *tasks.Runner
	if cfg.Sweep.Enabled {
		mux := tasks.NewMux()
		mux.HandleFunc(job.TaskTypeSweepStale, jobSvc.HandleSweepTask)
		runner = tasks.NewRunner(redisSvc.AsynqRedisOpt(), mux, tasks.Periodic{
			Task:     job.NewSweepTask("scheduled"),
			Interval: cfg.Sweep.Interval,
		})
		if err := runner.Start(); err != nil {
			logr.LogFatal("maintenance runner", err)
		}

		taskClient := tasks.New(redisSvc)
		if err := taskClient.Enqueue(job.NewSweepTask("startup"), tasks.QueueMaintenance, 0, cfg.Sweep.Interval); err != nil {
			logr.LogWarnf("startup sweep not enqueued: %v", err)
		}
		_ = taskClient.Close()
	}

	healthHandler := health.NewHealthHandler(map[string]health.Check{
		"redis":  redisSvc.HealthCheck,
		"store":  store.Ping,
		"broker": router.Ping,
	})

	// HTTP server
	app := server.NewApp(server.AppOptions{Name: "Sitespeed Core", CORSOrigins: cfg.CORSOrigins})
	server.RegisterRoutes(app, server.Dependencies{
		Jobs:                job.NewHandler(jobSvc),
		Health:              healthHandler,
		SubmitRatePerMinute: cfg.SubmitRatePerMinute,
	})
	app.Hooks().OnListen(func(fiber.ListenData) error {
		healthHandler.SetReady()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			return fmt.Errorf("server listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logr.LogInfo("Shutting down...")
		if runner != nil {
			runner.Shutdown()
		}
		return app.ShutdownWithTimeout(5 * time.Second)
	})

	if err := g.Wait(); err != nil {
		logr.LogError("stopped with error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config) (recordStore, error) {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		s, err := mongo.Connect(ctx, mongo.Options{
			URI:            cfg.Store.MongoURI,
			Database:       cfg.Store.MongoDatabase,
			ConnectTimeout: cfg.Store.MongoConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres, config.StoreSQLite:
		db, err := sqlstore.Open(sqlstore.Options{
			Driver:       cfg.Store.Driver,
			DSN:          cfg.Store.PostgresDSN,
			Path:         cfg.Store.SQLitePath,
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			Verbose:      !cfg.IsProduction(),
		})
		if err != nil {
			return nil, err
		}
		return ctxCloser{sqlstore.New(db)}, nil
	case config.StoreMemory:
		return ctxCloser{memory.NewStore()}, nil
	}
	return nil, fmt.Errorf("unknown record store %q", cfg.Store.Driver)
}

// ctxCloser adapts stores whose Close takes no context.
type ctxCloser struct {
	job.Store
}

func (c ctxCloser) Close(context.Context) error {
	if cl, ok := c.Store.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}
