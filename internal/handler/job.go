package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemforge/api/internal/middleware"
	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/service"
	"github.com/stemforge/api/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewJobHandler(svc *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/jobs
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req model.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	if !model.IsValidToolType(req.ToolType) {
		return response.ValidationError(c, "Unknown tool type", req.ToolType)
	}
	if req.ToolType == model.ToolSplitStems && req.Params.StemCount != 0 &&
		req.Params.StemCount != 2 && req.Params.StemCount != 4 {
		return response.ValidationError(c, "stemCount must be 2 or 4", nil)
	}

	result, err := h.service.Create(c.Context(), middleware.GetSessionID(c), &req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId. Also the on-demand recovery trigger.
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Missing job id", nil)
	}

	result, err := h.service.Status(c.Context(), middleware.GetSessionID(c), jobID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.OK(c, result)
}

// Artifacts handles GET /api/jobs/:jobId/artifacts
func (h *JobHandler) Artifacts(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Missing job id", nil)
	}

	artifacts, err := h.service.Artifacts(c.Context(), middleware.GetSessionID(c), jobID)
	if err != nil {
		return mapServiceError(c, err)
	}
	if artifacts == nil {
		artifacts = []*model.Artifact{}
	}
	return response.OK(c, fiber.Map{"artifacts": artifacts})
}

func mapServiceError(c *fiber.Ctx, err error) error {
	var quotaErr *service.QuotaError
	switch {
	case errors.As(err, &quotaErr):
		return response.QuotaExceeded(c, quotaErr.Decision.Reason, quotaErr.Decision.Usage)
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, service.ErrAssetNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrNotOwner):
		return response.Forbidden(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) []fiber.Map {
	var details []fiber.Map
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details = append(details, fiber.Map{
				"field": fe.Field(),
				"tag":   fe.Tag(),
			})
		}
	}
	return details
}
