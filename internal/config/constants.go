// Package config provides shared configuration for the mediation service
package config

import "time"

// Server timeout defaults
const (
	// ServerReadTimeout is the maximum duration for reading the entire request
	ServerReadTimeout = 5 * time.Second

	// ServerWriteTimeout must cover a load waiting for its handshake window
	ServerWriteTimeout = 10 * time.Second

	// ServerIdleTimeout is the maximum time to wait for the next request when keep-alives are enabled
	ServerIdleTimeout = 120 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 30 * time.Second
)

// Arbitration defaults
const (
	// DefaultHandshakeTimeout is how long a priced primary bid waits for the ad server handshake
	DefaultHandshakeTimeout = 600 * time.Millisecond

	// MaxHandshakeTimeout caps per-placement overrides
	MaxHandshakeTimeout = 5 * time.Second

	// DefaultLoadTimeout bounds how long a load request waits for settlement
	DefaultLoadTimeout = 3 * time.Second
)

// Upstream defaults
const (
	// AdServerTimeout is the default timeout for ad server calls
	AdServerTimeout = 1500 * time.Millisecond

	// PrebidTimeout is the default timeout for primary bid requests
	PrebidTimeout = 800 * time.Millisecond
)

// Rate limiting defaults
const (
	// DefaultRequestsPerIP is the per-IP request limit per RateLimitWindow
	DefaultRequestsPerIP = 100

	// RateLimitWindow is the window for per-IP limits
	RateLimitWindow = time.Second
)

// Size limiting defaults
const (
	// DefaultMaxBodySize is the default maximum request body size (64KB)
	DefaultMaxBodySize = 64 * 1024

	// DefaultMaxURLLength is the default maximum URL length (2KB)
	DefaultMaxURLLength = 2048
)

// Redis defaults
const (
	// OutcomeCacheTTL is how long settled outcomes stay in redis
	OutcomeCacheTTL = 24 * time.Hour

	// ImpressionDedupTTL is how long an impression marker blocks duplicates
	ImpressionDedupTTL = time.Hour

	// StageTTL is how long an undisplayed creative is kept for pickup
	StageTTL = 5 * time.Minute
)

// Event defaults
const (
	// DefaultEventBufferSize is the default event buffer size
	DefaultEventBufferSize = 100

	// EventFlushInterval is how often partially filled event buffers are sent
	EventFlushInterval = 5 * time.Second
)
