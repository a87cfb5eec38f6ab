package measure

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"sitespeed/internal/logger"

	"github.com/playwright-community/playwright-go"
)

// timingScript reads navigation, paint and resource timing once the load
// event has fired.
const timingScript = `() => {
  const nav = performance.getEntriesByType('navigation')[0];
  const paint = performance.getEntriesByType('paint');
  const fp = paint.find(p => p.name === 'first-paint');
  const fcp = paint.find(p => p.name === 'first-contentful-paint');
  let bytes = nav ? (nav.transferSize || 0) : 0;
  for (const r of performance.getEntriesByType('resource')) bytes += r.transferSize || 0;
  return {
    loadTime: nav ? nav.loadEventEnd - nav.startTime : 0,
    domContentLoaded: nav ? nav.domContentLoadedEventEnd - nav.startTime : null,
    ttfb: nav ? nav.responseStart - nav.startTime : null,
    firstPaint: fp ? fp.startTime : null,
    firstContentfulPaint: fcp ? fcp.startTime : null,
    timeToInteractive: nav ? nav.domInteractive - nav.startTime : null,
    pageSize: bytes,
  };
}`

type PlaywrightOptions struct {
	// NavigationTimeout caps page.Goto; the caller's context still applies.
	NavigationTimeout time.Duration
	IgnoreHTTPSErrors bool
}

// Playwright measures pages in headless Chromium. One browser is shared and
// every measurement gets a fresh context.
type Playwright struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    PlaywrightOptions
	log     *logger.Logger
}

func NewPlaywright(opts PlaywrightOptions) (*Playwright, error) {
	log := logger.New("Playwright")
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 2 * time.Minute
	}

	pw, err := playwright.Run()
	if err != nil {
		log.LogErrorf("Failed to start Playwright: %v", err)
		return nil, fmt.Errorf("playwright initialization failed: %w", err)
	}

	args := []string{
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-gpu",
	}
	if opts.IgnoreHTTPSErrors {
		args = append(args, "--ignore-certificate-errors")
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args:     args,
	})
	if err != nil {
		_ = pw.Stop()
		log.LogErrorf("Failed to launch browser: %v", err)
		return nil, fmt.Errorf("browser launch failed: %w", err)
	}
	return &Playwright{pw: pw, browser: browser, opts: opts, log: log}, nil
}

func (p *Playwright) Measure(ctx context.Context, url string) (Metrics, error) {
	bctx, err := p.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:          &playwright.Size{Width: 1920, Height: 1080},
		DeviceScaleFactor: playwright.Float(1.0),
		IgnoreHttpsErrors: playwright.Bool(p.opts.IgnoreHTTPSErrors),
	})
	if err != nil {
		return Metrics{}, fmt.Errorf("browser context creation failed: %w", err)
	}
	defer bctx.Close()

	// Playwright calls do not take a context; closing the browser context
	// aborts any in-flight navigation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = bctx.Close()
		case <-stop:
		}
	}()

	page, err := bctx.NewPage()
	if err != nil {
		return Metrics{}, fmt.Errorf("page creation failed: %w", err)
	}

	var requests atomic.Int64
	page.OnRequest(func(playwright.Request) { requests.Add(1) })

	timeout := p.opts.NavigationTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	// Zero disables the playwright timeout.
	if timeout < time.Millisecond {
		return Metrics{}, context.DeadlineExceeded
	}

	started := time.Now()
	resp, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	})
	elapsed := time.Since(started)
	if ctx.Err() != nil {
		return Metrics{}, ctx.Err()
	}
	if err != nil {
		return Metrics{}, fmt.Errorf("navigation failed: %w", err)
	}
	if resp != nil && resp.Status() >= 400 {
		return Metrics{}, fmt.Errorf("navigation returned HTTP %d", resp.Status())
	}

	raw, err := page.Evaluate(timingScript)
	if err != nil {
		return Metrics{}, fmt.Errorf("read performance timing: %w", err)
	}
	timing, _ := raw.(map[string]interface{})
	m := metricsFromTiming(timing, elapsed, int(requests.Load()))
	p.log.LogDebugf("measured %s: load=%.0fms requests=%d", url, m.LoadTime, *m.NumberOfRequests)
	return m, nil
}

// metricsFromTiming converts the timing script result. A missing load
// timestamp falls back to the wall-clock navigation time.
func metricsFromTiming(t map[string]interface{}, elapsed time.Duration, requests int) Metrics {
	m := Metrics{
		DOMContentLoaded:         positive(t, "domContentLoaded"),
		FirstByteTime:            positive(t, "ttfb"),
		FirstPaintTime:           positive(t, "firstPaint"),
		FirstContentfulPaintTime: positive(t, "firstContentfulPaint"),
		TimeToInteractive:        positive(t, "timeToInteractive"),
		NumberOfRequests:         &requests,
	}
	if lt := positive(t, "loadTime"); lt != nil {
		m.LoadTime = *lt
	} else {
		m.LoadTime = float64(elapsed.Microseconds()) / 1000
	}
	if size := positive(t, "pageSize"); size != nil {
		n := int64(*size)
		m.PageSize = &n
	}
	return m
}

func positive(t map[string]interface{}, key string) *float64 {
	var f float64
	switch v := t[key].(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return nil
	}
	if f <= 0 {
		return nil
	}
	return &f
}

func (p *Playwright) Close() error {
	if err := p.browser.Close(); err != nil {
		p.log.LogWarnf("browser close: %v", err)
	}
	return p.pw.Stop()
}
