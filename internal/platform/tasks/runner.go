package tasks

import (
	"fmt"
	"time"

	"sitespeed/internal/logger"

	"github.com/hibiken/asynq"
)

// Periodic is a task the runner's scheduler enqueues every Interval.
type Periodic struct {
	Task     *asynq.Task
	Interval time.Duration
}

// Runner owns the maintenance server and scheduler.
type Runner struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *Mux
	periodic  []Periodic
	log       *logger.Logger
}

func NewRunner(opt asynq.RedisClientOpt, mux *Mux, periodic ...Periodic) *Runner {
	log := logger.New("Tasks")
	al := asynqLogger{log}
	return &Runner{
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: 1,
			Queues:      map[string]int{QueueMaintenance: 1},
			Logger:      al,
			LogLevel:    asynq.WarnLevel,
		}),
		scheduler: asynq.NewScheduler(opt, &asynq.SchedulerOpts{Logger: al, LogLevel: asynq.WarnLevel}),
		mux:       mux,
		periodic:  periodic,
		log:       log,
	}
}

func (r *Runner) SetLogger(l *logger.Logger) { r.log = l }

// Start registers the periodic tasks and starts both halves. It does not
// block.
func (r *Runner) Start() error {
	for _, p := range r.periodic {
		if p.Interval <= 0 {
			return fmt.Errorf("tasks: %s has no interval", p.Task.Type())
		}
		id, err := r.scheduler.Register(CronEvery(p.Interval), p.Task,
			asynq.Queue(QueueMaintenance), asynq.MaxRetry(0), asynq.Unique(p.Interval))
		if err != nil {
			return fmt.Errorf("tasks: register %s: %w", p.Task.Type(), err)
		}
		r.log.LogInfof("scheduled %s every %s (entry %s)", p.Task.Type(), p.Interval, id)
	}
	if err := r.server.Start(r.mux.Mux()); err != nil {
		return fmt.Errorf("tasks: start server: %w", err)
	}
	if err := r.scheduler.Start(); err != nil {
		r.server.Shutdown()
		return fmt.Errorf("tasks: start scheduler: %w", err)
	}
	return nil
}

func (r *Runner) Shutdown() {
	r.scheduler.Shutdown()
	r.server.Shutdown()
	r.log.LogInfo("maintenance runner stopped")
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct{ l *logger.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.LogFatal(fmt.Sprint(args...), nil) }
