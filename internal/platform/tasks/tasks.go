// Package tasks runs background maintenance on asynq: a scheduler that
// enqueues periodic tasks and a small server that processes them.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	rds "sitespeed/internal/platform/redis"

	"github.com/hibiken/asynq"
)

const QueueMaintenance = "maintenance"

type Client struct{ c *asynq.Client }

func New(r *rds.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

// Enqueue schedules task on queue. A non-zero unique window drops duplicates
// of the same task type and payload enqueued within it.
func (t *Client) Enqueue(task *asynq.Task, queue string, maxRetries int, unique time.Duration) error {
	opts := []asynq.Option{asynq.Queue(queue), asynq.MaxRetry(maxRetries)}
	if unique > 0 {
		opts = append(opts, asynq.Unique(unique))
	}
	_, err := t.c.Enqueue(task, opts...)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return nil
}

func (t *Client) Close() error { return t.c.Close() }

type Mux struct{ mux *asynq.ServeMux }

func NewMux() *Mux { return &Mux{mux: asynq.NewServeMux()} }

func (m *Mux) HandleFunc(t string, h func(ctx context.Context, task *asynq.Task) error) {
	m.mux.HandleFunc(t, h)
}

func (m *Mux) Mux() *asynq.ServeMux { return m.mux }

// CronEvery renders an interval as an asynq cron entry.
func CronEvery(d time.Duration) string { return "@every " + d.String() }
