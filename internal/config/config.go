package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Export    ExportConfig
	Queue     QueueConfig
	Jobs      JobsConfig
	Worker    WorkerConfig
	Renderer  RendererConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Events    EventsConfig
}

type ServerConfig struct {
	Port          string
	Env           string
	LogLevel      string
	LogFormat     string
	PublicBaseURL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ExportConfig struct {
	Dir        string
	PublicPath string
	PresetDir  string
}

// Queue backends
const (
	QueueBackendAsynq  = "asynq"
	QueueBackendMemory = "memory"
)

type QueueConfig struct {
	Backend      string
	Name         string
	MaxRetry     int
	Retention    time.Duration
	LeaseTimeout time.Duration
	PollInterval time.Duration
}

// Job record backends
const (
	JobsBackendRedis  = "redis"
	JobsBackendSQLite = "sqlite"
)

type JobsConfig struct {
	Backend    string
	SQLitePath string
	TTL        time.Duration
}

type WorkerConfig struct {
	Concurrency int
	Embedded    bool
}

type RendererConfig struct {
	Binary     string
	SoundFont  string
	SampleRate int
	Timeout    time.Duration
}

type RateLimitConfig struct {
	ExportPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	Prefix          string
}

// Enabled reports whether credentials for the mirror are present.
func (c R2Config) Enabled() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

type EventsConfig struct {
	Enabled bool
	Channel string
}

// Load reads configuration from an optional .env file, an optional config
// file and the environment. configFile may be empty.
func Load(configFile string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.public_base_url", "PUBLIC_BASE_URL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("export.dir", "EXPORT_DIR")
	_ = v.BindEnv("export.public_path", "EXPORT_PUBLIC_PATH")
	_ = v.BindEnv("export.preset_dir", "PRESET_DIR")
	_ = v.BindEnv("queue.backend", "QUEUE_BACKEND")
	_ = v.BindEnv("queue.name", "EXPORT_QUEUE")
	_ = v.BindEnv("queue.max_retry", "QUEUE_MAX_RETRY")
	_ = v.BindEnv("queue.retention", "QUEUE_RETENTION")
	_ = v.BindEnv("queue.lease_timeout", "QUEUE_LEASE_TIMEOUT")
	_ = v.BindEnv("queue.poll_interval", "QUEUE_POLL_INTERVAL")
	_ = v.BindEnv("jobs.backend", "JOBS_BACKEND")
	_ = v.BindEnv("jobs.sqlite_path", "JOBS_SQLITE_PATH")
	_ = v.BindEnv("jobs.ttl", "JOBS_TTL")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.embedded", "WORKER_EMBEDDED")
	_ = v.BindEnv("renderer.binary", "FLUIDSYNTH_BIN")
	_ = v.BindEnv("renderer.soundfont", "SOUNDFONT_PATH")
	_ = v.BindEnv("renderer.sample_rate", "RENDER_SAMPLE_RATE")
	_ = v.BindEnv("renderer.timeout", "RENDER_TIMEOUT")
	_ = v.BindEnv("ratelimit.export_per_hour", "RATELIMIT_EXPORT_PER_HOUR")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("r2.prefix", "R2_PREFIX")
	_ = v.BindEnv("events.enabled", "EVENTS_ENABLED")
	_ = v.BindEnv("events.channel", "EVENTS_CHANNEL")

	// Defaults
	v.SetDefault("server.port", "3001")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Export defaults
	v.SetDefault("export.dir", "/app/storage/exports")
	v.SetDefault("export.public_path", "/exports")
	v.SetDefault("export.preset_dir", "/app/storage/presets")

	// Queue defaults
	v.SetDefault("queue.backend", QueueBackendAsynq)
	v.SetDefault("queue.name", "exports")
	v.SetDefault("queue.max_retry", 3)
	v.SetDefault("queue.retention", 24*time.Hour)
	v.SetDefault("queue.lease_timeout", 5*time.Minute)
	v.SetDefault("queue.poll_interval", time.Second)

	v.SetDefault("jobs.backend", JobsBackendRedis)
	v.SetDefault("jobs.sqlite_path", "/app/storage/jobs.db")
	v.SetDefault("jobs.ttl", 24*time.Hour)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.embedded", true)

	// Renderer defaults
	v.SetDefault("renderer.binary", "fluidsynth")
	v.SetDefault("renderer.soundfont", "/app/assets/soundfont/FluidR3_GM.sf2")
	v.SetDefault("renderer.sample_rate", 44100)
	v.SetDefault("renderer.timeout", 120*time.Second)

	v.SetDefault("ratelimit.export_per_hour", 120)
	v.SetDefault("r2.prefix", "exports")
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.channel", "beatgen:job-events")

	// Try to read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil && configFile != "" {
		return nil, fmt.Errorf("read config %s: %w", configFile, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:          v.GetString("server.port"),
			Env:           v.GetString("server.env"),
			LogLevel:      v.GetString("server.log_level"),
			LogFormat:     v.GetString("server.log_format"),
			PublicBaseURL: strings.TrimRight(v.GetString("server.public_base_url"), "/"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Export: ExportConfig{
			Dir:        v.GetString("export.dir"),
			PublicPath: "/" + strings.Trim(v.GetString("export.public_path"), "/"),
			PresetDir:  v.GetString("export.preset_dir"),
		},
		Queue: QueueConfig{
			Backend:      strings.ToLower(v.GetString("queue.backend")),
			Name:         v.GetString("queue.name"),
			MaxRetry:     v.GetInt("queue.max_retry"),
			Retention:    v.GetDuration("queue.retention"),
			LeaseTimeout: v.GetDuration("queue.lease_timeout"),
			PollInterval: v.GetDuration("queue.poll_interval"),
		},
		Jobs: JobsConfig{
			Backend:    strings.ToLower(v.GetString("jobs.backend")),
			SQLitePath: v.GetString("jobs.sqlite_path"),
			TTL:        v.GetDuration("jobs.ttl"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
			Embedded:    v.GetBool("worker.embedded"),
		},
		Renderer: RendererConfig{
			Binary:     v.GetString("renderer.binary"),
			SoundFont:  v.GetString("renderer.soundfont"),
			SampleRate: v.GetInt("renderer.sample_rate"),
			Timeout:    v.GetDuration("renderer.timeout"),
		},
		RateLimit: RateLimitConfig{
			ExportPerHour: v.GetInt("ratelimit.export_per_hour"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       strings.TrimRight(v.GetString("r2.public_url"), "/"),
			Prefix:          strings.Trim(v.GetString("r2.prefix"), "/"),
		},
		Events: EventsConfig{
			Enabled: v.GetBool("events.enabled"),
			Channel: v.GetString("events.channel"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case QueueBackendAsynq, QueueBackendMemory:
	default:
		return fmt.Errorf("queue.backend: unsupported value %q", c.Queue.Backend)
	}
	switch c.Jobs.Backend {
	case JobsBackendRedis, JobsBackendSQLite:
	default:
		return fmt.Errorf("jobs.backend: unsupported value %q", c.Jobs.Backend)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("export.dir is required")
	}
	if c.Renderer.SampleRate <= 0 {
		return fmt.Errorf("renderer.sample_rate must be positive, got %d", c.Renderer.SampleRate)
	}
	return nil
}
