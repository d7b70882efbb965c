package response

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func TestCodeFor(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{fiber.StatusBadRequest, CodeValidationError},
		{fiber.StatusNotFound, CodeNotFound},
		{fiber.StatusMethodNotAllowed, CodeNotFound},
		{fiber.StatusRequestEntityTooLarge, CodeTooLarge},
		{fiber.StatusUpgradeRequired, CodeUpgradeRequired},
		{fiber.StatusTooManyRequests, CodeRateLimited},
		{fiber.StatusServiceUnavailable, CodeUnavailable},
		{fiber.StatusInternalServerError, CodeServiceError},
		{fiber.StatusBadGateway, CodeServiceError},
	}
	for _, tt := range tests {
		if got := CodeFor(tt.status); got != tt.want {
			t.Errorf("CodeFor(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestEnvelope(t *testing.T) {
	app := fiber.New()
	app.Get("/invalid", func(c *fiber.Ctx) error {
		return ValidationError(c, "Validation failed", map[string]string{"kind": "must be one of: midi wav"})
	})
	app.Get("/limited", func(c *fiber.Ctx) error {
		return RateLimited(c, 90*time.Second)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/invalid", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var env struct {
		Error struct {
			Code    string            `json:"code"`
			Message string            `json:"message"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, body)
	}
	if env.Error.Code != CodeValidationError || env.Error.Details["kind"] == "" {
		t.Fatalf("unexpected envelope %s", body)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/limited", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusTooManyRequests || resp.Header.Get("Retry-After") != "90" {
		t.Fatalf("expected 429 with Retry-After 90, got %d %q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}
}
