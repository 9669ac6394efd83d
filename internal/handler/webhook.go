package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/stemforge/api/internal/service"
	"github.com/stemforge/api/pkg/response"
)

// Signature header delivered by providers alongside the callback body.
const signatureHeader = "X-Webhook-Signature"

type WebhookHandler struct {
	service *service.JobService
}

func NewWebhookHandler(svc *service.JobService) *WebhookHandler {
	return &WebhookHandler{service: svc}
}

// Receive handles POST /webhooks/jobs/:jobId. The body must be verified
// raw, before any parsing.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Missing job id", nil)
	}

	err := h.service.HandleWebhook(c.Context(), jobID, c.Body(), c.Get(signatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrBadSignature):
			return response.BadSignature(c)
		case errors.Is(err, service.ErrJobNotFound):
			return response.NotFound(c, "Job not found")
		default:
			return response.ServiceError(c, err.Error())
		}
	}
	return response.OK(c, fiber.Map{"received": true})
}
