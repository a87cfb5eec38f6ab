package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"sitespeed/internal/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h *HealthHandler) (int, OverallHealth) {
	t.Helper()
	app := fiber.New()
	app.Get("/health", h.HandleHealth)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body OverallHealth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func newHandler(checks map[string]Check) *HealthHandler {
	h := NewHealthHandler(checks)
	h.SetLogger(logger.Nop())
	return h
}

func ok(context.Context) error { return nil }

func TestHealthStartingUntilReady(t *testing.T) {
	h := newHandler(map[string]Check{"redis": ok})
	code, body := get(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", body.OverallStatus)
	assert.False(t, body.Ready)

	h.SetReady()
	code, body = get(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.OverallStatus)
	assert.Equal(t, "ok", body.Components["redis"].Status)
}

func TestHealthReportsFailingComponent(t *testing.T) {
	h := newHandler(map[string]Check{
		"redis":  ok,
		"store":  ok,
		"broker": func(context.Context) error { return errors.New("dial tcp: connection refused") },
	})
	h.SetReady()

	code, body := get(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "error", body.OverallStatus)
	assert.Len(t, body.Components, 3)
	assert.Equal(t, "error", body.Components["broker"].Status)
	assert.Contains(t, body.Components["broker"].Error, "connection refused")
	assert.Equal(t, "ok", body.Components["store"].Status)
}

func TestFailingIsSorted(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, failing(map[string]ComponentStatus{
		"b": {Status: "error"}, "c": {Status: "ok"}, "a": {Status: "error"},
	}))
}
