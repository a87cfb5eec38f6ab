package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"sitespeed/internal/core/job"
	"sitespeed/internal/health"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

type Dependencies struct {
	Jobs   *job.Handler
	Health *health.HealthHandler
	// SubmitRatePerMinute caps submissions per client IP; 0 disables the limit.
	SubmitRatePerMinute int
}

type AppOptions struct {
	Name        string
	CORSOrigins string
}

// NewApp builds the Fiber app with the shared middleware stack.
func NewApp(o AppOptions) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: o.Name,
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: o.CORSOrigins}))
	return app
}

func RegisterRoutes(app *fiber.App, d Dependencies) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"message": "sitespeed API running"})
	})

	api := app.Group("/api/v1")
	api.Get("/health", health.HealthLimiter(), d.Health.HandleHealth)

	submit := []fiber.Handler{}
	if d.SubmitRatePerMinute > 0 {
		submit = append(submit, submitLimiter(d.SubmitRatePerMinute))
	}
	api.Post("/tests", append(submit, d.Jobs.HandleSubmit)...)
	api.Get("/tests/:jobId", d.Jobs.HandleStatus)
	api.Post("/results", d.Jobs.HandleResult)
	api.Get("/recent-tests", d.Jobs.HandleRecent)
}

func submitLimiter(perMinute int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        perMinute,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{"success": false, "error": "too many submissions, try again later"})
		},
	})
}
