package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sitespeed/internal/core/job"
	"sitespeed/internal/health"
	"sitespeed/internal/logger"
	"sitespeed/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, job.Region, job.Dispatch) error { return nil }

func newTestServer(t *testing.T, rate int) *Dependencies {
	t.Helper()
	svc := job.NewService(memory.NewStore(), memory.NewCache(time.Now), nopPublisher{}, job.Options{})
	svc.SetLogger(logger.Nop())
	hh := health.NewHealthHandler(map[string]health.Check{"store": func(context.Context) error { return nil }})
	hh.SetLogger(logger.Nop())
	hh.SetReady()
	return &Dependencies{Jobs: job.NewHandler(svc), Health: hh, SubmitRatePerMinute: rate}
}

func request(t *testing.T, d *Dependencies, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	app := NewApp(AppOptions{Name: "test", CORSOrigins: "*"})
	RegisterRoutes(app, *d)
	return send(t, app.Test, method, path, body)
}

func send(t *testing.T, test func(*http.Request, ...int) (*http.Response, error), method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://dashboard.example.com")
	resp, err := test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRoutesAreRegistered(t *testing.T) {
	d := newTestServer(t, 0)

	resp, body := request(t, d, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["message"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, body = request(t, d, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["overall_status"])

	resp, body = request(t, d, http.MethodGet, "/api/v1/tests/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", body["status"])

	resp, body = request(t, d, http.MethodGet, "/api/v1/recent-tests", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "recentTests")

	resp, _ = request(t, d, http.MethodPost, "/api/v1/results", `{"region":"us"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitRateLimit(t *testing.T) {
	d := newTestServer(t, 2)
	app := NewApp(AppOptions{Name: "test", CORSOrigins: "*"})
	RegisterRoutes(app, *d)

	payload := `{"websiteUrl":"https://example.com","region":"eu"}`
	for i := 0; i < 2; i++ {
		resp, _ := send(t, app.Test, http.MethodPost, "/api/v1/tests", payload)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, body := send(t, app.Test, http.MethodPost, "/api/v1/tests", payload)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	// Polling is not rate limited.
	resp, _ = send(t, app.Test, http.MethodGet, "/api/v1/tests/anything", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
