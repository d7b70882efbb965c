package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/beatgen/api/internal/model"
	"github.com/beatgen/api/internal/service"
	"github.com/beatgen/api/pkg/response"
)

type PresetHandler struct {
	service *service.PresetService
}

func NewPresetHandler(svc *service.PresetService) *PresetHandler {
	return &PresetHandler{service: svc}
}

// Create handles POST /api/presets
func (h *PresetHandler) Create(c *fiber.Ctx) error {
	var req model.PresetRequest
	if err := parseBody(c, &req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	preset, err := h.service.Create(&req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, preset)
}

// List handles GET /api/presets
func (h *PresetHandler) List(c *fiber.Ctx) error {
	presets, err := h.service.List()
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, model.PresetListResponse{Presets: presets})
}

// Get handles GET /api/presets/:id
func (h *PresetHandler) Get(c *fiber.Ctx) error {
	preset, err := h.service.Get(c.Params("id"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, preset)
}
