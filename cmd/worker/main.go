// Command worker consumes one region's queue and reports measurements to the
// core. The region comes from the first argument or WORKER_REGION.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sitespeed/internal/config"
	"sitespeed/internal/core/job"
	"sitespeed/internal/logger"
	"sitespeed/internal/measure"
	"sitespeed/internal/platform/amqp"
	"sitespeed/internal/queue"
	"sitespeed/internal/worker"

	"golang.org/x/sync/errgroup"
)

type provider interface {
	measure.Provider
	Close() error
}

func main() {
	logr := logger.New("main")

	cfg, err := config.Load()
	if err != nil {
		logr.LogFatal("invalid configuration", err)
	}

	raw := cfg.Worker.Region
	if len(os.Args) > 1 {
		raw = os.Args[1]
	}
	region, err := job.ParseRegion(raw)
	if err != nil {
		logr.LogFatal("worker region must be one of us, eu, asia, india", err)
	}

	queues, err := queue.LoadQueues(cfg.RegionQueuesFile)
	if err != nil {
		logr.LogFatal("region queue table", err)
	}
	queueName, _ := queues.Queue(region)

	p, err := newProvider(cfg)
	if err != nil {
		logr.LogFatal("measurement provider", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			logr.LogError("provider close", err)
		}
	}()

	// The consumer resubscribes forever, so each dial round is bounded.
	session := amqp.NewSession(amqp.Options{
		URL:      cfg.AMQP.URL,
		Attempts: cfg.AMQP.ConnectAttempts,
		Backoff:  amqp.Backoff{Initial: cfg.AMQP.ReconnectInitial, Max: cfg.AMQP.ReconnectMax},
	})
	defer session.Close()

	tag := cfg.Worker.ConsumerTag
	if tag == "" {
		host, _ := os.Hostname()
		tag = "sitespeed-" + string(region) + "-" + host
	}
	consumer, err := worker.NewConsumer(worker.Options{
		Region:      region,
		Queue:       queueName,
		ConsumerTag: tag,
		Session:     session,
		Provider:    p,
		Reporter:    worker.NewHTTPReporter(cfg.Worker.CallbackURL, cfg.Worker.CallbackTimeout),
		Timeout:     cfg.Worker.MeasureTimeout,
		Retry:       amqp.Backoff{Initial: cfg.AMQP.ReconnectInitial, Max: cfg.AMQP.ReconnectMax},
	})
	if err != nil {
		logr.LogFatal("consumer", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logr.LogInfof("worker %s starting (provider=%s, callback=%s)", region, cfg.Worker.Provider, cfg.Worker.CallbackURL)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	if err := g.Wait(); err != nil {
		logr.LogError("worker stopped with error", err)
	}
	logr.LogInfo("worker stopped")
}

func newProvider(cfg config.Config) (provider, error) {
	if cfg.Worker.Provider == config.ProviderSynthetic {
		return nopCloser{measure.NewSynthetic(uint64(time.Now().UnixNano()), 500*time.Millisecond)}, nil
	}
	pw, err := measure.NewPlaywright(measure.PlaywrightOptions{
		NavigationTimeout: cfg.Worker.MeasureTimeout,
	})
	if err != nil {
		return nil, err
	}
	return pw, nil
}

type nopCloser struct{ measure.Provider }

func (nopCloser) Close() error { return nil }
