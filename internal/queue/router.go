// Package queue routes dispatch payloads to the durable queue of their region.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitespeed/internal/core/job"
	"sitespeed/internal/logger"
	"sitespeed/internal/platform/amqp"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

var _ job.Publisher = (*Router)(nil)

type Router struct {
	session *amqp.Session
	queues  Table
	log     *logger.Logger
	now     func() time.Time
}

func NewRouter(session *amqp.Session, queues Table) (*Router, error) {
	if err := queues.Validate(); err != nil {
		return nil, err
	}
	return &Router{session: session, queues: queues, log: logger.New("Router"), now: time.Now}, nil
}

func (r *Router) SetLogger(l *logger.Logger) { r.log = l }

// Publish declares the region queue and sends d as a persistent message. A
// publish on a dropped channel is retried once on a fresh one.
func (r *Router) Publish(ctx context.Context, region job.Region, d job.Dispatch) error {
	name, ok := r.queues.Queue(region)
	if !ok {
		return job.ErrInvalidRegion
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("queue: encode dispatch: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    d.JobID,
		Timestamp:    r.now(),
		Body:         body,
	}

	for attempt := 1; ; attempt++ {
		ch, err := r.session.Channel(ctx)
		if err != nil {
			return fmt.Errorf("queue: broker unavailable: %w", err)
		}
		err = publish(ctx, ch, name, msg)
		if err == nil {
			r.log.LogDebugf("published job %s to %s", d.JobID, name)
			return nil
		}
		r.session.Invalidate(ch)
		if attempt >= 2 || !errors.Is(err, amqp091.ErrClosed) {
			return fmt.Errorf("queue: publish to %s: %w", name, err)
		}
		r.log.LogWarnf("channel closed while publishing to %s, retrying", name)
	}
}

func publish(ctx context.Context, ch amqp.Channel, name string, msg amqp091.Publishing) error {
	if _, err := DeclareQueue(ch, name); err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", name, false, false, msg)
}

// DeclareQueue ensures a durable, non-exclusive queue exists.
func DeclareQueue(ch amqp.Channel, name string) (amqp091.Queue, error) {
	return ch.QueueDeclare(name, true, false, false, false, nil)
}

// Ping reports whether the broker is reachable.
func (r *Router) Ping(ctx context.Context) error { return r.session.Ping(ctx) }
