// Package response writes the JSON bodies shared by every route. Failures
// always use the envelope {"error": {"code", "message", "details"}}.
package response

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeTooLarge        = "PAYLOAD_TOO_LARGE"
	CodeUpgradeRequired = "UPGRADE_REQUIRED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeServiceError    = "SERVICE_ERROR"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// CodeFor picks the envelope code for an HTTP status.
func CodeFor(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return CodeValidationError
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return CodeNotFound
	case fiber.StatusRequestEntityTooLarge:
		return CodeTooLarge
	case fiber.StatusUpgradeRequired:
		return CodeUpgradeRequired
	case fiber.StatusTooManyRequests:
		return CodeRateLimited
	case fiber.StatusServiceUnavailable:
		return CodeUnavailable
	default:
		return CodeServiceError
	}
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// Status writes an envelope whose code is derived from status.
func Status(c *fiber.Ctx, status int, message string) error {
	return Error(c, status, CodeFor(status), message, nil)
}

// ValidationError reports a 400. fields maps JSON field names to reasons and
// may be nil when the body could not be parsed at all.
func ValidationError(c *fiber.Ctx, message string, fields map[string]string) error {
	if len(fields) == 0 {
		return Error(c, fiber.StatusBadRequest, CodeValidationError, message, nil)
	}
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, fields)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

// RateLimited reports a 429 and tells the client when the window reopens.
func RateLimited(c *fiber.Ctx, retryAfter time.Duration) error {
	if retryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
	}
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

// Unavailable reports a 503 with per-dependency details.
func Unavailable(c *fiber.Ctx, message string, details map[string]string) error {
	return Error(c, fiber.StatusServiceUnavailable, CodeUnavailable, message, details)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

// Accepted answers a request whose work continues in the background.
func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
