package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/beatgen/api/internal/client"
	"github.com/beatgen/api/internal/config"
	"github.com/beatgen/api/internal/events"
	"github.com/beatgen/api/internal/handler"
	"github.com/beatgen/api/internal/jobstore"
	"github.com/beatgen/api/internal/logging"
	"github.com/beatgen/api/internal/middleware"
	"github.com/beatgen/api/internal/queue"
	"github.com/beatgen/api/internal/service"
	"github.com/beatgen/api/internal/storage"
	"github.com/beatgen/api/internal/worker"
	ws "github.com/beatgen/api/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

// Runtime holds every long-lived component built from configuration.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	Redis    *redis.Client
	Broker   queue.Broker
	Jobs     jobstore.Store
	Files    *storage.Files
	Presets  *storage.PresetStore
	Renderer client.Renderer
	Mirror   worker.Mirror
	Hub      *ws.Hub

	Exports  *service.ExportService
	Resolver *service.StatusResolver
	Preset   *service.PresetService

	publisher *events.Publisher
	relay     *events.Relay
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Queue.Backend == config.QueueBackendAsynq ||
		cfg.Jobs.Backend == config.JobsBackendRedis ||
		cfg.Events.Enabled
}

// Build connects every backend named by cfg. Close releases them.
func Build(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	var err error
	rt.Files, err = storage.NewFiles(cfg.Export.Dir)
	if err != nil {
		return nil, err
	}
	rt.Presets, err = storage.NewPresetStore(cfg.Export.PresetDir)
	if err != nil {
		return nil, err
	}

	if needsRedis(cfg) {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
	}

	switch cfg.Jobs.Backend {
	case config.JobsBackendSQLite:
		rt.Jobs, err = jobstore.OpenSQLite(cfg.Jobs.SQLitePath)
		if err != nil {
			rt.Close()
			return nil, err
		}
	default:
		rt.Jobs = jobstore.NewRedisStore(rt.Redis, cfg.Jobs.TTL)
	}

	opts := queue.Options{
		Queue:        cfg.Queue.Name,
		MaxRetry:     cfg.Queue.MaxRetry,
		Retention:    cfg.Queue.Retention,
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		PollInterval: cfg.Queue.PollInterval,
		Concurrency:  cfg.Worker.Concurrency,
	}
	switch cfg.Queue.Backend {
	case config.QueueBackendMemory:
		if !cfg.Worker.Embedded {
			logger.Warn("memory queue only reaches workers embedded in this process")
		}
		rt.Broker = queue.NewMemoryBroker(opts)
	default:
		rt.Broker = queue.NewAsynqBroker(queue.AsynqConfig{
			Redis: asynq.RedisClientOpt{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			},
			Options:  opts,
			Logger:   logging.NewAsynqLogger(logger),
			LogLevel: logging.AsynqLevel(cfg.Server.LogLevel),
		})
	}

	rt.Renderer = client.NewFluidSynthClient(&cfg.Renderer)

	if cfg.R2.Enabled() {
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			logger.Warn("artifact mirror disabled", "error", err)
		} else {
			rt.Mirror = client.NewArtifactMirror(r2, cfg.R2.Prefix)
		}
	}

	rt.Hub = ws.NewHub(logging.Component(logger, "websocket"))
	if cfg.Events.Enabled && rt.Redis != nil {
		eventsLogger := logging.Component(logger, "events")
		rt.publisher = events.NewPublisher(rt.Redis, cfg.Events.Channel, eventsLogger)
		rt.relay = events.NewRelay(rt.Redis, cfg.Events.Channel, rt.Hub, eventsLogger)
	}

	validate := service.NewValidator()
	svcLogger := logging.Component(logger, "service")
	rt.Exports = service.NewExportService(rt.Files, rt.Presets, rt.Broker, rt.Jobs, validate, svcLogger)
	rt.Resolver = service.NewStatusResolver(rt.Jobs, rt.Broker, rt.Files, cfg.Export.PublicPath, svcLogger)
	rt.Preset = service.NewPresetService(rt.Presets, validate)

	return rt, nil
}

// App builds the HTTP surface for this runtime.
func (rt *Runtime) App(accessLog io.Writer) *fiber.App {
	var limiter *middleware.RateLimiter
	if rt.Redis != nil {
		limiter = middleware.NewRateLimiter(rt.Redis, logging.Component(rt.Logger, "ratelimit"))
	}

	checks := map[string]handler.Pinger{
		"jobs": rt.Jobs,
		"storage": handler.PingFunc(func(ctx context.Context) error {
			_, err := os.Stat(rt.Files.Dir())
			return err
		}),
	}
	if rt.Redis != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return rt.Redis.Ping(ctx).Err()
		})
	}

	return NewApp(AppOptions{
		Exports:       rt.Exports,
		Resolver:      rt.Resolver,
		Presets:       rt.Preset,
		Files:         rt.Files,
		Hub:           rt.Hub,
		RateLimiter:   limiter,
		ExportPerHour: rt.Config.RateLimit.ExportPerHour,
		Health:        checks,
		PublicPath:    rt.Config.Export.PublicPath,
		AccessLog:     accessLog,
		Logger:        logging.Component(rt.Logger, "http"),
	})
}

// Pool builds a worker pool. Events go to Redis when a publisher is
// configured, otherwise straight to this process's hub when local is set.
func (rt *Runtime) Pool(local bool) *worker.Pool {
	var notifiers []worker.Notifier
	switch {
	case rt.publisher != nil:
		notifiers = append(notifiers, rt.publisher)
	case local:
		notifiers = append(notifiers, rt.Hub)
	}

	return worker.NewPool(worker.Options{
		Broker:      rt.Broker,
		Files:       rt.Files,
		Jobs:        rt.Jobs,
		Renderer:    rt.Renderer,
		Mirror:      rt.Mirror,
		Notifiers:   notifiers,
		PublicPath:  rt.Config.Export.PublicPath,
		Concurrency: rt.Config.Worker.Concurrency,
		Backoff:     rt.Config.Queue.PollInterval,
		Logger:      logging.Component(rt.Logger, "worker"),
	})
}

// Serve runs the HTTP API until ctx is done, plus embedded workers when
// embedded is set. In-flight jobs finish before Serve returns.
func (rt *Runtime) Serve(ctx context.Context, embedded bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Hub.Run(ctx)
	}()

	if rt.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.relay.Run(ctx); err != nil {
				rt.Logger.Error("event relay stopped", "error", err)
			}
		}()
	}

	if embedded {
		pool := rt.Pool(true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	app := rt.App(os.Stdout)
	addr := ":" + rt.Config.Server.Port
	listenErr := make(chan error, 1)
	go func() {
		rt.Logger.Info("server starting", "addr", addr, "embedded_workers", embedded)
		listenErr <- app.Listen(addr)
	}()

	var err error
	select {
	case <-ctx.Done():
		rt.Logger.Info("shutting down server")
		if shutdownErr := app.ShutdownWithTimeout(shutdownTimeout); shutdownErr != nil {
			rt.Logger.Error("server shutdown error", "error", shutdownErr)
		}
	case err = <-listenErr:
		if err != nil {
			err = fmt.Errorf("server error: %w", err)
		}
	}

	cancel()
	wg.Wait()
	return err
}

// RunWorkers runs a standalone worker pool until ctx is done.
func (rt *Runtime) RunWorkers(ctx context.Context) error {
	if rt.Config.Queue.Backend == config.QueueBackendMemory {
		return errors.New("the memory queue cannot be shared with a separate worker process")
	}
	if fs, ok := rt.Renderer.(*client.FluidSynthClient); ok {
		if err := fs.Available(); err != nil {
			rt.Logger.Warn("renderer unavailable, wav exports will fail", "error", err)
		}
	}
	return rt.Pool(false).Run(ctx)
}

// Close releases every backend connection.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Broker != nil {
		errs = append(errs, rt.Broker.Close())
	}
	if rt.Jobs != nil {
		errs = append(errs, rt.Jobs.Close())
	}
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	return errors.Join(errs...)
}
