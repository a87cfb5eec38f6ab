package job

import (
	"errors"

	"sitespeed/internal/logger"

	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	service *Service
	log     *logger.Logger
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service, log: logger.New("JobHandler")}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type submitResponse struct {
	JobID  string `json:"jobId"`
	Status Status `json:"status"`
}

type recentResponse struct {
	RecentTests []RecentTest `json:"recentTests"`
}

func fail(c *fiber.Ctx, code int, msg string) error {
	return c.Status(code).JSON(errorResponse{Success: false, Error: msg})
}

// HandleSubmit creates a measurement job: POST /api/v1/tests.
func (h *Handler) HandleSubmit(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}

	j, err := h.service.Submit(c.UserContext(), req)
	if err != nil {
		if IsValidation(err) {
			return fail(c, fiber.StatusBadRequest, err.Error())
		}
		h.log.LogError("submit failed", err)
		return fail(c, fiber.StatusInternalServerError, "failed to dispatch job")
	}

	return c.Status(fiber.StatusAccepted).JSON(submitResponse{JobID: j.JobID, Status: j.Status})
}

// HandleStatus answers a poll: GET /api/v1/tests/:jobId.
func (h *Handler) HandleStatus(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return fail(c, fiber.StatusBadRequest, "jobId is required")
	}

	view, err := h.service.Status(c.UserContext(), jobID)
	if err != nil {
		h.log.With("job_id", jobID).LogError("status query failed", err)
		return fail(c, fiber.StatusInternalServerError, "failed to read job status")
	}

	switch view.Status {
	case StatusNotFound:
		return c.Status(fiber.StatusNotFound).JSON(view)
	case string(StatusPending):
		return c.Status(fiber.StatusAccepted).JSON(view)
	}
	return c.JSON(view)
}

// HandleResult ingests a worker callback: POST /api/v1/results.
func (h *Handler) HandleResult(c *fiber.Ctx) error {
	var cb Callback
	if err := c.BodyParser(&cb); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid body")
	}

	res, err := h.service.Ingest(c.UserContext(), cb)
	switch {
	case errors.Is(err, ErrAlreadyFinalized):
		return c.Status(fiber.StatusConflict).JSON(res)
	case IsValidation(err):
		return fail(c, fiber.StatusBadRequest, err.Error())
	case err != nil:
		h.log.With("job_id", cb.JobID).LogError("ingest failed", err)
		return fail(c, fiber.StatusInternalServerError, "failed to record result")
	}

	if res.Status == StatusFailed {
		return c.Status(fiber.StatusBadRequest).JSON(res)
	}
	return c.JSON(res)
}

// HandleRecent lists recent completions: GET /api/v1/recent-tests.
func (h *Handler) HandleRecent(c *fiber.Ctx) error {
	tests, err := h.service.Recent(c.UserContext())
	if err != nil {
		h.log.LogError("recent tests failed", err)
		return fail(c, fiber.StatusInternalServerError, "failed to load recent tests")
	}
	return c.JSON(recentResponse{RecentTests: tests})
}
