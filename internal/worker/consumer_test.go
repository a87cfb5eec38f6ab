package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sitespeed/internal/core/job"
	"sitespeed/internal/logger"
	"sitespeed/internal/measure"
	"sitespeed/internal/platform/amqp"
	"sitespeed/internal/platform/amqp/amqptest"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	cbs    []job.Callback
	err    error
	// hold runs before each report is recorded.
	hold func(context.Context)
}

func (r *recorder) note(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Report(ctx context.Context, cb job.Callback) error {
	r.mu.Lock()
	hold := r.hold
	r.mu.Unlock()
	if hold != nil {
		hold(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "report:"+cb.JobID)
	r.cbs = append(r.cbs, cb)
	return r.err
}

func (r *recorder) callbacks() []job.Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Callback(nil), r.cbs...)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type harness struct {
	consumer *Consumer
	reporter *recorder
	acks     *amqptest.Acknowledger
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

func start(t *testing.T, p measure.Provider, timeout time.Duration, channels ...*amqptest.Channel) *harness {
	t.Helper()
	dial, _ := amqptest.Dialer(channels...)
	s := amqp.NewSession(amqp.Options{
		Attempts: 1,
		Backoff:  amqp.Backoff{Initial: time.Millisecond, Max: time.Millisecond},
		Dialer:   dial,
	})
	s.SetLogger(logger.Nop())

	rec := &recorder{}
	c, err := NewConsumer(Options{
		Region:      job.RegionUS,
		Queue:       "us_queue",
		ConsumerTag: "test",
		Session:     s,
		Provider:    p,
		Reporter:    rec,
		Timeout:     timeout,
		Retry:       amqp.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	c.SetLogger(logger.Nop())

	acks := &amqptest.Acknowledger{OnAck: func(uint64) { rec.note("ack") }}
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{consumer: c, reporter: rec, acks: acks, cancel: cancel, done: make(chan struct{})}
	go func() {
		h.err = c.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}
}

func (h *harness) deliver(ch *amqptest.Channel, tag uint64, body []byte) {
	ch.Deliveries <- amqp091.Delivery{Acknowledger: h.acks, DeliveryTag: tag, Body: body}
}

func dispatch(t *testing.T, id string) []byte {
	t.Helper()
	b, err := json.Marshal(job.Dispatch{JobID: id, WebsiteURL: "https://example.com"})
	require.NoError(t, err)
	return b
}

func fixed(load float64) measure.Provider {
	return measure.ProviderFunc(func(context.Context, string) (measure.Metrics, error) {
		reqs := 12
		return measure.Metrics{LoadTime: load, NumberOfRequests: &reqs}, nil
	})
}

func TestConsumerSubscribesWithManualAckAndPrefetchOne(t *testing.T) {
	ch := amqptest.NewChannel()
	h := start(t, fixed(100), time.Second, ch)
	h.deliver(ch, 1, dispatch(t, "job-1"))

	require.Eventually(t, func() bool { return len(h.reporter.callbacks()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ch.Prefetch)
	assert.Equal(t, []string{"us_queue/test"}, ch.Consumers)
	assert.Contains(t, ch.Declared, "us_queue")
}

func TestConsumerAcksBeforeReporting(t *testing.T) {
	ch := amqptest.NewChannel()
	h := start(t, fixed(1234.5), time.Second, ch)
	h.deliver(ch, 7, dispatch(t, "job-7"))

	require.Eventually(t, func() bool { return len(h.reporter.callbacks()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ack", "report:job-7"}, h.reporter.log())
	assert.Equal(t, []uint64{7}, h.acks.AckedTags())

	cb := h.reporter.callbacks()[0]
	assert.Equal(t, "job-7", cb.JobID)
	assert.Equal(t, "us", cb.Region)
	assert.False(t, cb.Failed())
	require.NotNil(t, cb.LoadTime)
	assert.Equal(t, 1234.5, *cb.LoadTime)
	require.NotNil(t, cb.NumberOfRequests)
	assert.Equal(t, 12, *cb.NumberOfRequests)
}

func TestConsumerReportsTimeout(t *testing.T) {
	ch := amqptest.NewChannel()
	slow := measure.ProviderFunc(func(ctx context.Context, _ string) (measure.Metrics, error) {
		<-ctx.Done()
		return measure.Metrics{}, ctx.Err()
	})
	h := start(t, slow, 20*time.Millisecond, ch)
	h.deliver(ch, 1, dispatch(t, "slow"))

	require.Eventually(t, func() bool { return len(h.reporter.callbacks()) == 1 }, time.Second, 5*time.Millisecond)
	cb := h.reporter.callbacks()[0]
	assert.True(t, cb.Failed())
	assert.Equal(t, ReasonTimeout, cb.Error)
	assert.Nil(t, cb.LoadTime)
	assert.Equal(t, []uint64{1}, h.acks.AckedTags())
}

func TestConsumerReportsMeasurementFailure(t *testing.T) {
	ch := amqptest.NewChannel()
	broken := measure.ProviderFunc(func(context.Context, string) (measure.Metrics, error) {
		return measure.Metrics{}, errors.New("net::ERR_NAME_NOT_RESOLVED")
	})
	h := start(t, broken, time.Second, ch)
	h.deliver(ch, 1, dispatch(t, "dns"))

	require.Eventually(t, func() bool { return len(h.reporter.callbacks()) == 1 }, time.Second, 5*time.Millisecond)
	cb := h.reporter.callbacks()[0]
	assert.True(t, cb.Failed())
	assert.Equal(t, ReasonMeasurement, cb.Error)
}

func TestConsumerLeavesMessageUnackedOnShutdown(t *testing.T) {
	ch := amqptest.NewChannel()
	started := make(chan struct{})
	blocking := measure.ProviderFunc(func(ctx context.Context, _ string) (measure.Metrics, error) {
		close(started)
		<-ctx.Done()
		return measure.Metrics{}, ctx.Err()
	})
	h := start(t, blocking, time.Minute, ch)
	h.deliver(ch, 3, dispatch(t, "interrupted"))

	<-started
	h.cancel()
	select {
	case <-h.done:
		assert.NoError(t, h.err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Empty(t, h.acks.AckedTags())
	assert.Empty(t, h.acks.NackedTags())
	assert.Empty(t, h.reporter.callbacks())
}

func TestConsumerReportsFailureForMalformedMessages(t *testing.T) {
	ch := amqptest.NewChannel()
	h := start(t, fixed(1), time.Second, ch)
	h.deliver(ch, 1, []byte(`{"jobId":"job-7","websiteUrl":42}`))
	h.deliver(ch, 2, []byte("not json"))
	h.deliver(ch, 3, []byte(`{"websiteUrl":"https://example.com"}`))
	h.deliver(ch, 4, dispatch(t, "ok"))

	require.Eventually(t, func() bool { return len(h.reporter.callbacks()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3}, h.acks.NackedTags())
	assert.Equal(t, []uint64{4}, h.acks.AckedTags())

	cbs := h.reporter.callbacks()
	assert.Equal(t, []string{"job-7", "", ""}, []string{cbs[0].JobID, cbs[1].JobID, cbs[2].JobID})
	for _, cb := range cbs[:3] {
		assert.True(t, cb.Failed())
		assert.Equal(t, ReasonMeasurement, cb.Error)
		assert.Equal(t, "us", cb.Region)
		assert.Nil(t, cb.LoadTime)
	}
	assert.Equal(t, "ok", cbs[3].JobID)
	assert.False(t, cbs[3].Failed())
}

func TestRecoverJobID(t *testing.T) {
	cases := map[string]string{
		`{"jobId":"job-7","websiteUrl":42}`: "job-7",
		`{"jobId":" job-8 "}`:               "job-8",
		`{"jobId":7}`:                       "",
		`{"websiteUrl":"https://x"}`:        "",
		`[1,2]`:                             "",
		`not json`:                          "",
	}
	for body, want := range cases {
		assert.Equal(t, want, recoverJobID([]byte(body)), body)
	}
}

func TestConsumerFinishesReportDuringShutdown(t *testing.T) {
	ch := amqptest.NewChannel()
	h := start(t, fixed(1), time.Second, ch)

	entered, release := make(chan struct{}), make(chan struct{})
	var reportErr error
	h.reporter.mu.Lock()
	h.reporter.hold = func(ctx context.Context) {
		close(entered)
		<-release
		reportErr = ctx.Err()
	}
	h.reporter.mu.Unlock()

	h.deliver(ch, 1, dispatch(t, "late"))
	<-entered
	h.cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.NoError(t, reportErr)
	require.Len(t, h.reporter.callbacks(), 1)
	assert.Equal(t, "late", h.reporter.callbacks()[0].JobID)
	assert.Equal(t, []uint64{1}, h.acks.AckedTags())
}

func TestConsumerKeepsGoingWhenCallbackFails(t *testing.T) {
	ch := amqptest.NewChannel()
	h := start(t, fixed(1), time.Second, ch)
	h.reporter.mu.Lock()
	h.reporter.err = errors.New("connection refused")
	h.reporter.mu.Unlock()

	h.deliver(ch, 1, dispatch(t, "a"))
	h.deliver(ch, 2, dispatch(t, "b"))

	require.Eventually(t, func() bool { return len(h.reporter.callbacks()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, h.acks.AckedTags())
}

func TestConsumerResubscribesAfterBrokerDrop(t *testing.T) {
	first, second := amqptest.NewChannel(), amqptest.NewChannel()
	h := start(t, fixed(1), time.Second, first, second)

	h.deliver(first, 1, dispatch(t, "before"))
	require.Eventually(t, func() bool { return len(h.reporter.callbacks()) == 1 }, time.Second, 5*time.Millisecond)

	first.Drop(&amqp091.Error{Code: 320, Reason: "CONNECTION_FORCED"})
	h.deliver(second, 2, dispatch(t, "after"))

	require.Eventually(t, func() bool { return len(h.reporter.callbacks()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "after", h.reporter.callbacks()[1].JobID)
	assert.Equal(t, 1, second.Prefetch)
	assert.Equal(t, []string{"us_queue/test"}, second.Consumers)
}

func TestNewConsumerValidates(t *testing.T) {
	s := amqp.NewSession(amqp.Options{})
	_, err := NewConsumer(Options{Region: "mars", Queue: "q", Session: s, Provider: fixed(1), Reporter: &recorder{}})
	assert.ErrorIs(t, err, job.ErrInvalidRegion)

	_, err = NewConsumer(Options{Region: job.RegionEU, Session: s, Provider: fixed(1), Reporter: &recorder{}})
	assert.Error(t, err)

	_, err = NewConsumer(Options{Region: job.RegionEU, Queue: "eu_queue", Session: s})
	assert.Error(t, err)
}

func TestReportedSummary(t *testing.T) {
	load, size := 1500.0, int64(1536)
	assert.Equal(t, "failure: timeout", reported(job.Callback{Status: "failed", Error: "timeout"}))
	assert.Equal(t, "load time 1.50 s", reported(job.Callback{LoadTime: &load}))
	assert.Equal(t, "load time 1.50 s, page size 1.50 KB", reported(job.Callback{LoadTime: &load, PageSize: &size}))
}
