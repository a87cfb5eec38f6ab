// Package worker consumes one region queue, measures each page and reports
// the outcome back to the core.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sitespeed/internal/core/job"
	"sitespeed/internal/logger"
	"sitespeed/internal/measure"
	"sitespeed/internal/platform/amqp"
	"sitespeed/internal/queue"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

const (
	ReasonTimeout     = "timeout"
	ReasonMeasurement = job.ReasonMeasurement
)

var errDeliveriesClosed = errors.New("worker: delivery channel closed")

type Options struct {
	Region      job.Region
	Queue       string
	ConsumerTag string
	Session     *amqp.Session
	Provider    measure.Provider
	Reporter    Reporter
	// Timeout bounds one measurement.
	Timeout time.Duration
	// Retry spaces out consumer re-subscriptions after the broker drops.
	Retry amqp.Backoff
}

type Consumer struct {
	opts     Options
	provider measure.Provider
	log      *logger.Logger
	sleep    func(context.Context, time.Duration) error
}

func NewConsumer(o Options) (*Consumer, error) {
	if !o.Region.Valid() {
		return nil, job.ErrInvalidRegion
	}
	if o.Queue == "" {
		return nil, fmt.Errorf("worker: no queue for region %s", o.Region)
	}
	if o.Session == nil || o.Provider == nil || o.Reporter == nil {
		return nil, errors.New("worker: session, provider and reporter are required")
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Minute
	}
	if o.Retry.Initial <= 0 {
		o.Retry = amqp.Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second}
	}
	return &Consumer{
		opts:     o,
		provider: measure.WithTimeout(o.Provider, o.Timeout),
		log:      logger.New("Worker").With("region", string(o.Region)),
		sleep:    sleep,
	}, nil
}

func (c *Consumer) SetLogger(l *logger.Logger) { c.log = l }

// Run consumes until ctx is cancelled, re-subscribing whenever the broker
// channel drops.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.LogInfof("consuming %s", c.opts.Queue)
	attempt := 0
	for {
		subscribed, err := c.consume(ctx)
		if ctx.Err() != nil {
			c.log.LogInfo("consumer stopped")
			return nil
		}
		if subscribed {
			attempt = 0
		}
		attempt++
		delay := c.opts.Retry.Delay(attempt)
		c.log.LogWarnf("consumer interrupted: %v (resubscribe in %s)", err, delay.Round(time.Millisecond))
		if err := c.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context) (bool, error) {
	ch, err := c.opts.Session.Channel(ctx)
	if err != nil {
		return false, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		c.opts.Session.Invalidate(ch)
		return false, fmt.Errorf("qos: %w", err)
	}
	if _, err := queue.DeclareQueue(ch, c.opts.Queue); err != nil {
		c.opts.Session.Invalidate(ch)
		return false, fmt.Errorf("declare %s: %w", c.opts.Queue, err)
	}
	deliveries, err := ch.Consume(c.opts.Queue, c.opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		c.opts.Session.Invalidate(ch)
		return false, fmt.Errorf("consume %s: %w", c.opts.Queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				c.opts.Session.Invalidate(ch)
				return true, errDeliveriesClosed
			}
			c.handle(ctx, d)
		}
	}
}

// handle runs the per-message protocol: measure, ack, then report. A
// shutdown during measurement leaves the message unacked for redelivery.
func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	var msg job.Dispatch
	if err := json.Unmarshal(d.Body, &msg); err != nil || strings.TrimSpace(msg.JobID) == "" {
		c.undecodable(ctx, d, msg, err)
		return
	}
	log := c.log.With("job_id", msg.JobID)
	log.LogInfof("measuring %s", msg.WebsiteURL)

	started := time.Now()
	m, err := c.provider.Measure(ctx, msg.WebsiteURL)
	if ctx.Err() != nil {
		log.LogWarn("shutdown during measurement, leaving message for redelivery")
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		log.LogError("ack failed", ackErr)
	}

	cb := c.callback(msg, m, err)
	if err != nil {
		log.LogWarnf("measurement failed after %s: %v", time.Since(started).Round(time.Millisecond), err)
	}
	c.report(ctx, log, cb)
}

// undecodable rejects a message that cannot be measured and still reports
// the failure, under whatever job id could be recovered from it.
func (c *Consumer) undecodable(ctx context.Context, d amqp091.Delivery, msg job.Dispatch, err error) {
	id := strings.TrimSpace(msg.JobID)
	if id == "" {
		id = recoverJobID(d.Body)
	}
	log := c.log.With("job_id", id)
	log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("undecodable message")

	if rerr := d.Reject(false); rerr != nil {
		log.LogError("reject undecodable message", rerr)
	}
	if id == "" {
		log.LogWarn("no job id recoverable; failure callback is best effort")
	}
	c.report(ctx, log, job.Callback{
		JobID:  id,
		Region: string(c.opts.Region),
		Status: string(job.StatusFailed),
		Error:  ReasonMeasurement,
	})
}

// recoverJobID pulls a string jobId out of a body that failed to decode as a
// whole.
func recoverJobID(body []byte) string {
	var fields map[string]json.RawMessage
	if json.Unmarshal(body, &fields) != nil {
		return ""
	}
	var id string
	if json.Unmarshal(fields["jobId"], &id) != nil {
		return ""
	}
	return strings.TrimSpace(id)
}

// report posts cb once the message is settled. Shutdown does not cancel it;
// the reporter's own timeout bounds the call.
func (c *Consumer) report(ctx context.Context, log *logger.Logger, cb job.Callback) {
	switch rerr := c.opts.Reporter.Report(context.WithoutCancel(ctx), cb); {
	case errors.Is(rerr, ErrDuplicate):
		log.LogInfo("core already had a result for this job")
	case rerr != nil:
		// Already settled; the core only learns of this job through the sweep.
		log.LogError("callback delivery failed", rerr)
	default:
		log.LogSuccessf("reported %s", reported(cb))
	}
}

func (c *Consumer) callback(msg job.Dispatch, m measure.Metrics, err error) job.Callback {
	cb := job.Callback{JobID: msg.JobID, Region: string(c.opts.Region)}
	if err != nil {
		cb.Status = string(job.StatusFailed)
		cb.Error = ReasonMeasurement
		if errors.Is(err, measure.ErrTimeout) {
			cb.Error = ReasonTimeout
		}
		return cb
	}
	load := m.LoadTime
	cb.LoadTime = &load
	cb.DOMContentLoaded = m.DOMContentLoaded
	cb.TTFB = m.FirstByteTime
	cb.FirstPaintTime = m.FirstPaintTime
	cb.FirstContentfulPaintTime = m.FirstContentfulPaintTime
	cb.TimeToInteractive = m.TimeToInteractive
	cb.NumberOfRequests = m.NumberOfRequests
	cb.PageSize = m.PageSize
	return cb
}

func reported(cb job.Callback) string {
	if cb.Failed() {
		return "failure: " + cb.Error
	}
	out := "load time " + job.FormatDuration(*cb.LoadTime)
	if cb.PageSize != nil {
		out += ", page size " + job.FormatBytes(*cb.PageSize)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
