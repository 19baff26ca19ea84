package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "RUNHUB_"

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	// DatabaseURL selects the PostgreSQL backend when set.
	DatabaseURL string
	// NotifyURL receives a POST per queued run so push workers can react.
	NotifyURL string

	LogLevel  string
	LogFormat string

	LeaseDuration time.Duration
	SweepInterval time.Duration
	MaxAttempts   int

	StreamPollInterval time.Duration
	StreamBatchSize    int
	StreamKeepalive    time.Duration

	AskTimeout time.Duration
	RulesFile  string

	OTelEndpoint   string
	OTelInsecure   bool
	ServiceName    string
	MetricsEnabled bool

	Worker WorkerConfig
}

type WorkerConfig struct {
	APIURL       string
	ID           string
	Command      string
	Modes        []string
	Concurrency  int
	PollInterval time.Duration
	Addr         string
}

// Load reads .env (without overriding variables already set) and then the
// RUNHUB_* environment. Malformed numeric or duration values are errors.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() (Config, error) {
	var errs []error
	dataDir := envStr("DATA_DIR", "data")
	hostname, _ := os.Hostname()
	cfg := Config{
		HTTPAddr:    envStr("HTTP_ADDR", ":8080"),
		DataDir:     dataDir,
		DBPath:      envStr("DB_PATH", filepath.Join(dataDir, "runhub.db")),
		DatabaseURL: envStr("DATABASE_URL", ""),
		NotifyURL:   envStr("NOTIFY_URL", ""),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "json"),

		LeaseDuration: envDuration("LEASE_DURATION", 30*time.Second, &errs),
		SweepInterval: envDuration("SWEEP_INTERVAL", 5*time.Second, &errs),
		MaxAttempts:   envInt("MAX_ATTEMPTS", 3, &errs),

		StreamPollInterval: envDuration("STREAM_POLL_INTERVAL", 250*time.Millisecond, &errs),
		StreamBatchSize:    envInt("STREAM_BATCH_SIZE", 200, &errs),
		StreamKeepalive:    envDuration("STREAM_KEEPALIVE", 15*time.Second, &errs),

		AskTimeout: envDuration("ASK_TIMEOUT", 0, &errs),
		RulesFile:  envStr("RULES_FILE", ""),

		OTelEndpoint:   envStr("OTEL_ENDPOINT", ""),
		OTelInsecure:   envBool("OTEL_INSECURE", false, &errs),
		ServiceName:    envStr("SERVICE_NAME", "runhub"),
		MetricsEnabled: envBool("METRICS_ENABLED", true, &errs),

		Worker: WorkerConfig{
			APIURL:       envStr("WORKER_API_URL", "http://127.0.0.1:8080"),
			ID:           envStr("WORKER_ID", hostname),
			Command:      envStr("WORKER_COMMAND", ""),
			Modes:        splitList(envStr("WORKER_MODES", "")),
			Concurrency:  envInt("WORKER_CONCURRENCY", 1, &errs),
			PollInterval: envDuration("WORKER_POLL_INTERVAL", time.Second, &errs),
			Addr:         envStr("WORKER_ADDR", ""),
		},
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("RUNHUB_HTTP_ADDR is required"))
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		errs = append(errs, errors.New("one of RUNHUB_DB_PATH or RUNHUB_DATABASE_URL is required"))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, errors.New("RUNHUB_LEASE_DURATION must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("RUNHUB_SWEEP_INTERVAL must be positive"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("RUNHUB_MAX_ATTEMPTS must be at least 1"))
	}
	if c.StreamPollInterval <= 0 {
		errs = append(errs, errors.New("RUNHUB_STREAM_POLL_INTERVAL must be positive"))
	}
	if c.StreamBatchSize < 1 {
		errs = append(errs, errors.New("RUNHUB_STREAM_BATCH_SIZE must be at least 1"))
	}
	if c.AskTimeout < 0 {
		errs = append(errs, errors.New("RUNHUB_ASK_TIMEOUT must not be negative"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("RUNHUB_LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (w WorkerConfig) Validate() error {
	var errs []error
	if w.APIURL == "" {
		errs = append(errs, errors.New("RUNHUB_WORKER_API_URL is required"))
	}
	if w.ID == "" {
		errs = append(errs, errors.New("RUNHUB_WORKER_ID is required"))
	}
	if strings.TrimSpace(w.Command) == "" {
		errs = append(errs, errors.New("RUNHUB_WORKER_COMMAND is required"))
	}
	if w.Concurrency < 1 {
		errs = append(errs, errors.New("RUNHUB_WORKER_CONCURRENCY must be at least 1"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger(out io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("RUNHUB_LOG_LEVEL: %w", err)
	}
	return level, nil
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	raw := envStr(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: invalid integer %q", envPrefix, key, raw))
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := envStr(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: invalid duration %q", envPrefix, key, raw))
		return fallback
	}
	return d
}

func envBool(key string, fallback bool, errs *[]error) bool {
	raw := envStr(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: invalid boolean %q", envPrefix, key, raw))
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
