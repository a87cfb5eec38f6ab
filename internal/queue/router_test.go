package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitespeed/internal/core/job"
	"sitespeed/internal/logger"
	"sitespeed/internal/platform/amqp"
	"sitespeed/internal/platform/amqp/amqptest"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, channels ...*amqptest.Channel) *Router {
	t.Helper()
	dial, _ := amqptest.Dialer(channels...)
	s := amqp.NewSession(amqp.Options{
		Attempts: 1,
		Backoff:  amqp.Backoff{Initial: time.Millisecond, Max: time.Millisecond},
		Dialer:   dial,
	})
	s.SetLogger(logger.Nop())
	r, err := NewRouter(s, DefaultQueues())
	require.NoError(t, err)
	r.SetLogger(logger.Nop())
	return r
}

func TestPublishRoutesEachRegionToItsQueue(t *testing.T) {
	ch := amqptest.NewChannel()
	r := newTestRouter(t, ch)
	ctx := context.Background()

	for _, region := range job.Regions() {
		require.NoError(t, r.Publish(ctx, region, job.Dispatch{JobID: "job-" + string(region), WebsiteURL: "https://example.com"}))
	}

	msgs := ch.PublishedMessages()
	require.Len(t, msgs, 4)
	queues := map[string]bool{}
	for i, region := range job.Regions() {
		want, _ := DefaultQueues().Queue(region)
		assert.Equal(t, want, msgs[i].Queue)
		assert.Equal(t, amqp091.Persistent, msgs[i].Msg.DeliveryMode)
		assert.Equal(t, "application/json", msgs[i].Msg.ContentType)
		assert.Equal(t, "job-"+string(region), msgs[i].Msg.MessageId)

		var d job.Dispatch
		require.NoError(t, json.Unmarshal(msgs[i].Msg.Body, &d))
		assert.Equal(t, "job-"+string(region), d.JobID)
		queues[msgs[i].Queue] = true
	}
	assert.Len(t, queues, 4, "regions never share a queue")
	assert.Equal(t, []string{"us_queue", "eu_queue", "asia_queue", "india_queue"}, ch.Declared, "queue declared before every publish")
}

func TestPublishUnknownRegion(t *testing.T) {
	r := newTestRouter(t, amqptest.NewChannel())
	err := r.Publish(context.Background(), job.Region("mars"), job.Dispatch{JobID: "x"})
	assert.ErrorIs(t, err, job.ErrInvalidRegion)
}

func TestPublishRetriesOnceOnClosedChannel(t *testing.T) {
	first, second := amqptest.NewChannel(), amqptest.NewChannel()
	r := newTestRouter(t, first, second)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, job.RegionEU, job.Dispatch{JobID: "a"}))
	first.Drop(nil)

	require.NoError(t, r.Publish(ctx, job.RegionEU, job.Dispatch{JobID: "b"}))
	require.Len(t, second.PublishedMessages(), 1)
	assert.Equal(t, "b", second.PublishedMessages()[0].Msg.MessageId)
}

func TestPublishSurfacesBrokerErrors(t *testing.T) {
	ch := amqptest.NewChannel()
	ch.PublishErr = errors.New("resource locked")
	r := newTestRouter(t, ch)

	err := r.Publish(context.Background(), job.RegionUS, job.Dispatch{JobID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource locked")
}

func TestPublishBrokerDown(t *testing.T) {
	r := newTestRouter(t)
	err := r.Publish(context.Background(), job.RegionUS, job.Dispatch{JobID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
}

func TestLoadQueues(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	tbl, err := LoadQueues("")
	require.NoError(t, err)
	assert.Equal(t, DefaultQueues(), tbl)

	tbl, err = LoadQueues(write("ok.yaml", "queues:\n  us: perf.us\n  EU: perf.eu\n  asia: perf.asia\n  india: perf.india\n"))
	require.NoError(t, err)
	assert.Equal(t, "perf.eu", tbl[job.RegionEU])

	cases := map[string]string{
		"missing.yaml": "queues:\n  us: a\n  eu: b\n  asia: c\n",
		"dup.yaml":     "queues:\n  us: a\n  eu: a\n  asia: c\n  india: d\n",
		"unknown.yaml": "queues:\n  us: a\n  eu: b\n  asia: c\n  india: d\n  mars: e\n",
		"broken.yaml":  "queues: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadQueues(write(name, body))
			assert.Error(t, err)
		})
	}

	_, err = LoadQueues(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}
