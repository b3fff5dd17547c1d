package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/internal/storage/sqlite"
	"github.com/incidentmap/pipeline/pkg/logger"
)

type RunsHandler struct {
	store *sqlite.Client
}

func NewRunsHandler(store *sqlite.Client) *RunsHandler {
	return &RunsHandler{
		store: store,
	}
}

func (h *RunsHandler) ListRuns(c *fiber.Ctx) error {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a positive integer",
			})
		}
		limit = parsed
	}

	runs, err := h.store.ListRuns(limit)
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list runs",
		})
	}

	return c.JSON(fiber.Map{
		"runs": runs,
	})
}

func (h *RunsHandler) GetRun(c *fiber.Ctx) error {
	run := c.Params("id")
	if run == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "run id is required",
		})
	}

	summaries, err := h.store.GetRunSummaries(run)
	if err != nil {
		logger.Error("Failed to load run summaries",
			zap.String("run", run),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load run",
		})
	}

	if len(summaries) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Run not found",
		})
	}

	var published, failed int
	for _, s := range summaries {
		published += s.Published
		failed += s.Failed
	}

	return c.JSON(fiber.Map{
		"run":       run,
		"chunks":    summaries,
		"published": published,
		"failed":    failed,
	})
}

func (h *RunsHandler) GetRunIncidents(c *fiber.Ctx) error {
	run := c.Params("id")
	if run == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "run id is required",
		})
	}

	incidents, err := h.store.GetRunIncidents(run)
	if err != nil {
		logger.Error("Failed to load run incidents",
			zap.String("run", run),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load incidents",
		})
	}

	return c.JSON(fiber.Map{
		"run":       run,
		"incidents": incidents,
	})
}
