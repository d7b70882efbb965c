// Package server assembles the HTTP surface and the runtime components
// behind it.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/beatgen/api/internal/handler"
	"github.com/beatgen/api/internal/middleware"
	"github.com/beatgen/api/internal/service"
	"github.com/beatgen/api/internal/storage"
	ws "github.com/beatgen/api/internal/websocket"
	"github.com/beatgen/api/pkg/response"
)

// AppOptions are the components the HTTP surface is built from.
type AppOptions struct {
	Exports       *service.ExportService
	Resolver      *service.StatusResolver
	Presets       *service.PresetService
	Files         *storage.Files
	Hub           *ws.Hub
	RateLimiter   *middleware.RateLimiter
	ExportPerHour int
	Health        map[string]handler.Pinger
	PublicPath    string
	// AccessLog receives one line per request; nil disables access logging.
	AccessLog io.Writer
	Logger    *slog.Logger
}

// NewApp builds the fiber app with every route registered.
func NewApp(opts AppOptions) *fiber.App {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	publicPath := "/" + strings.Trim(opts.PublicPath, "/")
	if publicPath == "/" {
		publicPath = "/exports"
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler(opts.Logger),
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if opts.AccessLog != nil {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
			Output: opts.AccessLog,
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	exportHandler := handler.NewExportHandler(opts.Exports)
	jobHandler := handler.NewJobHandler(opts.Resolver, opts.Hub)
	fileHandler := handler.NewFileHandler(opts.Files)
	presetHandler := handler.NewPresetHandler(opts.Presets)
	healthHandler := handler.NewHealthHandler(opts.Health)

	exportLimit := opts.RateLimiter.ExportLimit(opts.ExportPerHour)

	app.Get("/health", healthHandler.Check)

	// Export routes
	app.Post("/export", exportLimit, exportHandler.Submit)
	app.Get("/jobs/:id", jobHandler.Status)
	app.Get(publicPath+"/:file", fileHandler.Serve)

	api := app.Group("/api")
	api.Post("/export", exportLimit, exportHandler.Submit)
	api.Post("/exports", exportLimit, exportHandler.Submit)
	api.Get("/jobs/:id", jobHandler.Status)

	// Preset routes
	presets := api.Group("/presets")
	presets.Post("/", presetHandler.Create)
	presets.Get("/", presetHandler.List)
	presets.Get("/:id", presetHandler.Get)

	// WebSocket routes
	if opts.Hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws/jobs/:jobId", jobHandler.Events())
	}

	return app
}

func errorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal Server Error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		} else {
			log.Error("unhandled request error", "method", c.Method(), "path", c.Path(), "error", err)
		}

		return response.Status(c, code, message)
	}
}
