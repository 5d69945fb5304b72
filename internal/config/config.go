package config

import (
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string        `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int           `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string        `envconfig:"SMTP_USER" default:""`
	SMTPPassword string        `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string        `envconfig:"SMTP_FROM" default:"noreply@mailtrace.io"`
	ReplyTo      string        `envconfig:"SMTP_REPLY_TO" default:""`
	SendTimeout  time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`

	// ----------------------------
	// Workers / Retry
	// ----------------------------
	WorkerCount int           `envconfig:"WORKER_COUNT" default:"0"`
	RateLimit   int           `envconfig:"RATE_LIMIT" default:"10"`
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	BackoffBase time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffCap  time.Duration `envconfig:"BACKOFF_CAP" default:"1m"`

	// ----------------------------
	// Tracking
	// ----------------------------
	ServerURL   string `envconfig:"SERVER_URL" default:"http://localhost:8080"`
	TrackOpens  bool   `envconfig:"TRACK_OPENS" default:"true"`
	TrackClicks bool   `envconfig:"TRACK_CLICKS" default:"true"`
	GeoIPDB     string `envconfig:"GEOIP_DB" default:""`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`
	APIKey  string `envconfig:"API_KEY" default:""`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Stores
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	// WORKER_COUNT=0 means derive from available parallelism.
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}

	return &cfg, nil
}
