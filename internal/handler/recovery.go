package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stemforge/api/internal/recovery"
	"github.com/stemforge/api/internal/store"
	"github.com/stemforge/api/pkg/response"
)

// RecoveryHandler exposes the ops-facing recovery sweep trigger and the
// queue depth gauge.
type RecoveryHandler struct {
	engine *recovery.Engine
	queue  store.QueueTracker
}

func NewRecoveryHandler(engine *recovery.Engine, queue store.QueueTracker) *RecoveryHandler {
	return &RecoveryHandler{engine: engine, queue: queue}
}

// Sweep handles POST /internal/recovery/sweep
func (h *RecoveryHandler) Sweep(c *fiber.Ctx) error {
	result, err := h.engine.Sweep(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// QueueDepth handles GET /internal/queue/depth. Advisory telemetry only.
func (h *RecoveryHandler) QueueDepth(c *fiber.Ctx) error {
	depth, err := h.queue.Depth(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"depth": depth})
}
