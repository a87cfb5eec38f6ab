// Package amqptest provides in-memory broker fakes for tests.
package amqptest

import (
	"context"
	"errors"
	"io"
	"sync"

	"sitespeed/internal/platform/amqp"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

type Published struct {
	Queue string
	Msg   amqp091.Publishing
}

// Channel records every call and serves deliveries pushed by the test.
type Channel struct {
	mu         sync.Mutex
	Declared   []string
	Published  []Published
	Prefetch   int
	Consumers  []string
	PublishErr error
	ConsumeErr error
	Deliveries chan amqp091.Delivery

	notify []chan *amqp091.Error
	closed bool
}

func NewChannel() *Channel {
	return &Channel{Deliveries: make(chan amqp091.Delivery, 16)}
}

func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prefetch = prefetchCount
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.Queue{}, amqp091.ErrClosed
	}
	if !durable {
		return amqp091.Queue{}, errors.New("amqptest: queue must be durable")
	}
	c.Declared = append(c.Declared, name)
	return amqp091.Queue{Name: name}, nil
}

func (c *Channel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp091.ErrClosed
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.Published = append(c.Published, Published{Queue: key, Msg: msg})
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	if autoAck {
		return nil, errors.New("amqptest: manual ack required")
	}
	c.Consumers = append(c.Consumers, queue+"/"+consumer)
	return c.Deliveries, nil
}

func (c *Channel) NotifyClose(ch chan *amqp091.Error) chan *amqp091.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, ch)
	return ch
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown(nil)
	return nil
}

// Drop simulates the broker closing the channel with err.
func (c *Channel) Drop(err *amqp091.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown(err)
}

func (c *Channel) shutdown(err *amqp091.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	c.notify = nil
	if c.Deliveries != nil {
		close(c.Deliveries)
	}
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) PublishedMessages() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.Published...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Dialer hands out the given channels in order, then fails.
func Dialer(channels ...*Channel) (amqp.Dialer, *int) {
	var mu sync.Mutex
	calls := 0
	return func(string) (amqp.Channel, io.Closer, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if len(channels) == 0 {
			return nil, nil, errors.New("amqptest: dial refused")
		}
		ch := channels[0]
		channels = channels[1:]
		if ch == nil {
			return nil, nil, errors.New("amqptest: dial refused")
		}
		return ch, nopCloser{}, nil
	}, &calls
}

// Acknowledger records acks and nacks of deliveries.
type Acknowledger struct {
	mu     sync.Mutex
	Acked  []uint64
	Nacked []uint64
	OnAck  func(tag uint64)
}

func (a *Acknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	a.Acked = append(a.Acked, tag)
	hook := a.OnAck
	a.mu.Unlock()
	if hook != nil {
		hook(tag)
	}
	return nil
}

func (a *Acknowledger) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacked = append(a.Nacked, tag)
	return nil
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func (a *Acknowledger) AckedTags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.Acked...)
}

func (a *Acknowledger) NackedTags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.Nacked...)
}
