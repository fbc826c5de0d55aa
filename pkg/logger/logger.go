// Package logger provides structured logging for the mediation service
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Context keys for request-scoped fields
type contextKey string

const (
	// RequestIDKey carries the HTTP or arbitration request ID
	RequestIDKey contextKey = "request_id"
	// PlacementIDKey carries the placement being loaded
	PlacementIDKey contextKey = "placement_id"
)

const serviceName = "mediation"

// Log is the process-wide logger. Call Init before use.
var Log = zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	TimeFormat string
}

// DefaultConfig returns configuration from LOG_LEVEL and LOG_FORMAT
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init configures the global logger
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}

	Log = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// WithRequestID stores a request ID in the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithPlacementID stores a placement ID in the context
func WithPlacementID(ctx context.Context, placementID string) context.Context {
	return context.WithValue(ctx, PlacementIDKey, placementID)
}

// FromContext returns a logger enriched with the IDs found in ctx
func FromContext(ctx context.Context) *zerolog.Logger {
	l := Log.With()
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		l = l.Str("request_id", v)
	}
	if v, ok := ctx.Value(PlacementIDKey).(string); ok && v != "" {
		l = l.Str("placement_id", v)
	}
	logger := l.Logger()
	return &logger
}

// Arbitration returns a logger for one arbitration request
func Arbitration(requestID string) zerolog.Logger {
	return Log.With().Str("component", "arbitration").Str("request_id", requestID).Logger()
}

// Placement returns a logger for a placement controller
func Placement(placementID string) zerolog.Logger {
	return Log.With().Str("component", "placement").Str("placement_id", placementID).Logger()
}

// HTTP returns a logger for the HTTP layer
func HTTP() zerolog.Logger {
	return Log.With().Str("component", "http").Logger()
}

// AdServer returns a logger for the ad server integration
func AdServer() zerolog.Logger {
	return Log.With().Str("component", "adserver").Logger()
}

// RequestLogger accumulates fields for one request and times it
type RequestLogger struct {
	logger zerolog.Logger
	start  time.Time
}

// NewRequestLogger creates a request-scoped logger
func NewRequestLogger(requestID string) *RequestLogger {
	return &RequestLogger{
		logger: Log.With().Str("request_id", requestID).Logger(),
		start:  time.Now(),
	}
}

// WithField returns a copy carrying an extra field
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	return &RequestLogger{
		logger: r.logger.With().Interface(key, value).Logger(),
		start:  r.start,
	}
}

// Info logs at info level
func (r *RequestLogger) Info(msg string) {
	r.logger.Info().Msg(msg)
}

// Error logs at error level with the error attached
func (r *RequestLogger) Error(msg string, err error) {
	r.logger.Error().Err(err).Msg(msg)
}

// Duration returns time elapsed since the logger was created
func (r *RequestLogger) Duration() time.Duration {
	return time.Since(r.start)
}

// LogComplete logs request completion with status and duration
func (r *RequestLogger) LogComplete(status int) {
	r.logger.Info().
		Int("status", status).
		Float64("duration_ms", float64(r.Duration().Microseconds())/1000).
		Msg("request completed")
}

// getEnv returns the environment value or a default when unset or empty
func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
