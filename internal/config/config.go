// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	DBPath         string
	InstanceID     string
	LogLevel       string
	LogFormat      string // "json", "text" or "" (auto by terminal)
	ModesFile      string
	GRPCHealthAddr string
	SweepSchedule  string

	Engine     EngineConfig
	Session    SessionConfig
	Approval   ApprovalConfig
	Connection ConnectionConfig
	OTel       OTelConfig
}

// EngineConfig bounds worker subprocesses.
type EngineConfig struct {
	MaxWorkers    int
	KillGrace     time.Duration
	DrainTimeout  time.Duration
	ResultTimeout time.Duration
}

// SessionConfig controls session persistence.
type SessionConfig struct {
	TTL           time.Duration
	HistoryLimit  int
	SnapshotEvery int
}

// ApprovalConfig controls human checkpoints.
type ApprovalConfig struct {
	DefaultTimeout time.Duration
	PollInterval   time.Duration
}

// ConnectionConfig controls client channels.
type ConnectionConfig struct {
	MaxConnections    int
	BufferSize        int
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
}

// OTelConfig controls OpenTelemetry export.
type OTelConfig struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName    string
	SampleRate     float64
	MetricInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "taskhub"
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		DBPath:         getEnv("DB_PATH", "./data/taskhub.db"),
		InstanceID:     getEnv("INSTANCE_ID", hostname),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", ""),
		ModesFile:      getEnv("MODES_FILE", ""),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		SweepSchedule:  getEnv("SWEEP_SCHEDULE", "@every 1m"),
		Engine: EngineConfig{
			MaxWorkers:    getEnvInt("ENGINE_MAX_WORKERS", 8),
			KillGrace:     getEnvDuration("ENGINE_KILL_GRACE", 5*time.Second),
			DrainTimeout:  getEnvDuration("ENGINE_DRAIN_TIMEOUT", 2*time.Second),
			ResultTimeout: getEnvDuration("ENGINE_RESULT_TIMEOUT", 5*time.Second),
		},
		Session: SessionConfig{
			TTL:           getEnvDuration("SESSION_TTL", 24*time.Hour),
			HistoryLimit:  getEnvInt("SESSION_HISTORY_LIMIT", 200),
			SnapshotEvery: getEnvInt("RUN_SNAPSHOT_EVERY", 20),
		},
		Approval: ApprovalConfig{
			DefaultTimeout: getEnvDuration("APPROVAL_DEFAULT_TIMEOUT", 10*time.Minute),
			PollInterval:   getEnvDuration("APPROVAL_POLL_INTERVAL", 2*time.Second),
		},
		Connection: ConnectionConfig{
			MaxConnections:    getEnvInt("MAX_CONNECTIONS", 1000),
			BufferSize:        getEnvInt("CONNECTION_BUFFER_SIZE", 100),
			StaleAfter:        getEnvDuration("CONNECTION_STALE_AFTER", 2*time.Minute),
			HeartbeatInterval: getEnvDuration("CONNECTION_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		OTel: OTelConfig{
			Enabled:        getEnvBool("OTEL_ENABLED", false),
			Exporter:       getEnv("OTEL_EXPORTER", "otlp-http"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "taskhub"),
			SampleRate:     getEnvFloat("OTEL_SAMPLE_RATE", 1.0),
			MetricInterval: getEnvDuration("OTEL_METRIC_INTERVAL", 30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Engine.MaxWorkers <= 0 {
		return fmt.Errorf("ENGINE_MAX_WORKERS must be > 0")
	}
	if c.Connection.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0")
	}
	if c.Connection.BufferSize <= 0 {
		return fmt.Errorf("CONNECTION_BUFFER_SIZE must be > 0")
	}
	if c.Session.HistoryLimit <= 0 {
		return fmt.Errorf("SESSION_HISTORY_LIMIT must be > 0")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Approval.DefaultTimeout <= 0 || c.Approval.PollInterval <= 0 {
		return fmt.Errorf("APPROVAL_DEFAULT_TIMEOUT and APPROVAL_POLL_INTERVAL must be > 0")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err)
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
