package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/beatgen/api/internal/model"
	"github.com/beatgen/api/internal/service"
	"github.com/beatgen/api/pkg/response"
)

type ExportHandler struct {
	service *service.ExportService
}

func NewExportHandler(svc *service.ExportService) *ExportHandler {
	return &ExportHandler{service: svc}
}

// Submit handles POST /export
func (h *ExportHandler) Submit(c *fiber.Ctx) error {
	var req model.ExportRequest
	if err := parseBody(c, &req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	id, err := h.service.Submit(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, model.ExportAcceptedResponse{ID: id})
}
