package measure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTimeoutPassesThrough(t *testing.T) {
	p := WithTimeout(ProviderFunc(func(context.Context, string) (Metrics, error) {
		return Metrics{LoadTime: 42}, nil
	}), time.Second)

	m, err := p.Measure(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, 42.0, m.LoadTime)
}

func TestWithTimeoutExpiresEvenIfProviderIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := WithTimeout(ProviderFunc(func(context.Context, string) (Metrics, error) {
		<-release
		return Metrics{LoadTime: 1}, nil
	}), 20*time.Millisecond)

	start := time.Now()
	_, err := p.Measure(context.Background(), "https://slow.example.com")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithTimeoutMapsProviderDeadlineToTimeout(t *testing.T) {
	p := WithTimeout(ProviderFunc(func(ctx context.Context, _ string) (Metrics, error) {
		<-ctx.Done()
		return Metrics{}, errors.New("navigation aborted")
	}), 10*time.Millisecond)

	_, err := p.Measure(context.Background(), "https://slow.example.com")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWithTimeoutReportsParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := WithTimeout(ProviderFunc(func(ctx context.Context, _ string) (Metrics, error) {
		cancel()
		<-ctx.Done()
		return Metrics{}, ctx.Err()
	}), time.Minute)

	_, err := p.Measure(ctx, "https://example.com")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestWithTimeoutKeepsProviderErrors(t *testing.T) {
	boom := errors.New("net::ERR_NAME_NOT_RESOLVED")
	p := WithTimeout(ProviderFunc(func(context.Context, string) (Metrics, error) {
		return Metrics{}, boom
	}), time.Second)

	_, err := p.Measure(context.Background(), "https://nope.invalid")
	assert.ErrorIs(t, err, boom)
}

func TestSyntheticRanges(t *testing.T) {
	s := NewSynthetic(7, 0)
	for i := 0; i < 50; i++ {
		m, err := s.Measure(context.Background(), "https://example.com")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, m.LoadTime, 0.0)
		assert.Less(t, m.LoadTime, 5000.0)
		require.NotNil(t, m.DOMContentLoaded)
		assert.LessOrEqual(t, *m.DOMContentLoaded, m.LoadTime)
		require.NotNil(t, m.NumberOfRequests)
		assert.Positive(t, *m.NumberOfRequests)
	}
}

func TestSyntheticHonorsContext(t *testing.T) {
	s := NewSynthetic(1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Measure(ctx, "https://example.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMetricsFromTiming(t *testing.T) {
	m := metricsFromTiming(map[string]interface{}{
		"loadTime":             1234.5,
		"domContentLoaded":     800.0,
		"ttfb":                 120,
		"firstPaint":           nil,
		"firstContentfulPaint": 0.0,
		"timeToInteractive":    700.0,
		"pageSize":             2048.0,
	}, 3*time.Second, 17)

	assert.Equal(t, 1234.5, m.LoadTime)
	assert.Equal(t, 800.0, *m.DOMContentLoaded)
	assert.Equal(t, 120.0, *m.FirstByteTime)
	assert.Nil(t, m.FirstPaintTime)
	assert.Nil(t, m.FirstContentfulPaintTime)
	assert.Equal(t, int64(2048), *m.PageSize)
	assert.Equal(t, 17, *m.NumberOfRequests)

	m = metricsFromTiming(map[string]interface{}{"loadTime": 0.0}, 1500*time.Millisecond, 3)
	assert.Equal(t, 1500.0, m.LoadTime)
	assert.Nil(t, m.PageSize)
}
