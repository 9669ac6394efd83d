package handler

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemforge/api/internal/middleware"
	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/service"
	"github.com/stemforge/api/pkg/response"
)

type AssetHandler struct {
	service   *service.UploadService
	validator *validator.Validate
}

func NewAssetHandler(svc *service.UploadService, v *validator.Validate) *AssetHandler {
	return &AssetHandler{
		service:   svc,
		validator: v,
	}
}

// Register handles POST /api/assets
func (h *AssetHandler) Register(c *fiber.Ctx) error {
	var req model.RegisterAssetRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	asset, err := h.service.RegisterAsset(c.Context(), middleware.GetSessionID(c), &req)
	if err != nil {
		return mapServiceError(c, err)
	}
	return response.Created(c, asset)
}

// DownloadURL handles GET /api/artifacts/url/*, issuing a signed
// download link for the blob key in the wildcard.
func (h *AssetHandler) DownloadURL(c *fiber.Ctx) error {
	blobKey := c.Params("*")
	if blobKey == "" {
		return response.ValidationError(c, "Missing blob key", nil)
	}

	url, err := h.service.ArtifactDownloadURL(c.Context(), blobKey, 15*time.Minute)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"url": url})
}
