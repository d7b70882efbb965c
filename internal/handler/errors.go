package handler

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/beatgen/api/internal/service"
	"github.com/beatgen/api/internal/storage"
	"github.com/beatgen/api/pkg/response"
)

// parseBody decodes a JSON body. Requests without a Content-Type are still
// treated as JSON.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) == 0 {
		return errors.New("empty body")
	}
	if len(c.Request().Header.ContentType()) == 0 {
		return json.Unmarshal(c.Body(), out)
	}
	return c.BodyParser(out)
}

// serviceError translates service and storage errors into response envelopes
func serviceError(c *fiber.Ctx, err error) error {
	var validationErr *service.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return response.ValidationError(c, "Validation failed", validationErr.Fields)
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, storage.ErrPresetNotFound):
		return response.NotFound(c, "Preset not found")
	default:
		return response.ServiceError(c, err.Error())
	}
}
