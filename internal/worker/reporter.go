package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sitespeed/internal/core/job"

	"github.com/go-resty/resty/v2"
)

// ErrDuplicate means the core already had a terminal state for the job.
var ErrDuplicate = errors.New("worker: job already finalized")

type Reporter interface {
	Report(ctx context.Context, cb job.Callback) error
}

// HTTPReporter posts callbacks to the result ingestion endpoint.
type HTTPReporter struct {
	client *resty.Client
	url    string
}

func NewHTTPReporter(url string, timeout time.Duration) *HTTPReporter {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Content-Type", "application/json")
	return &HTTPReporter{client: client, url: url}
}

type errorBody struct {
	Error string `json:"error"`
}

func (r *HTTPReporter) Report(ctx context.Context, cb job.Callback) error {
	var eb errorBody
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(cb).
		SetError(&eb).
		Post(r.url)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	// The core answers failure callbacks with 400 and the echoed reason.
	case code == http.StatusBadRequest && cb.Failed():
		return nil
	case code == http.StatusConflict:
		return ErrDuplicate
	}
	if eb.Error != "" {
		return fmt.Errorf("callback rejected: HTTP %d: %s", code, eb.Error)
	}
	return fmt.Errorf("callback rejected: HTTP %d", code)
}
