package middleware

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/beatgen/api/internal/logging"
)

func limitedApp(rl *RateLimiter, prefix string, max int) *fiber.App {
	app := fiber.New()
	app.Post("/export", rl.Limit(prefix, max, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})
	return app
}

func post(t *testing.T, app *fiber.App) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("POST", "/export", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == fiber.StatusTooManyRequests && resp.Header.Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	return resp.StatusCode
}

func TestLimitDisabled(t *testing.T) {
	var nilLimiter *RateLimiter
	app := limitedApp(nilLimiter, "export", 1)
	for i := 0; i < 3; i++ {
		if code := post(t, app); code != fiber.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, code)
		}
	}
}

func TestLimitFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	app := limitedApp(NewRateLimiter(client, logging.Nop()), "export", 1)
	for i := 0; i < 2; i++ {
		if code := post(t, app); code != fiber.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, code)
		}
	}
}

func TestLimitEnforced(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	app := limitedApp(NewRateLimiter(client, logging.Nop()), "test-"+uuid.NewString(), 2)
	want := []int{fiber.StatusAccepted, fiber.StatusAccepted, fiber.StatusTooManyRequests}
	for i, code := range want {
		if got := post(t, app); got != code {
			t.Fatalf("request %d: expected %d, got %d", i, code, got)
		}
	}
}
