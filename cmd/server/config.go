package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	mconfig "github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/internal/storage"
)

// ServerConfig holds all server configuration
type ServerConfig struct {
	// Server
	Port        string
	LoadTimeout time.Duration
	RateLimit   int

	// Placements
	PlacementsFile string

	// Upstreams
	AdServerURL     string
	AdServerTimeout time.Duration
	PrebidURL       string
	PrebidAccountID string
	AppBundle       string

	// Database
	DatabaseConfig *storage.DBConfig

	// Redis
	RedisURL string

	// Analytics
	EventsURL string
}

// ParseConfig parses configuration from flags and environment variables
func ParseConfig() *ServerConfig {
	// Parse flags with environment variable fallbacks
	port := flag.String("port", getEnvOrDefault("MEDIATION_PORT", "8000"), "Server port")
	placementsFile := flag.String("placements", getEnvOrDefault("PLACEMENTS_FILE", "placements.yaml"), "Placements YAML file")
	adServerURL := flag.String("ad-server-url", getEnvOrDefault("AD_SERVER_URL", "http://localhost:8081"), "Ad server URL")
	prebidURL := flag.String("prebid-url", getEnvOrDefault("PREBID_URL", "http://localhost:8000"), "Prebid Server URL")
	loadTimeout := flag.Duration("load-timeout", getEnvDurationOrDefault("LOAD_TIMEOUT", mconfig.DefaultLoadTimeout), "Maximum wait for a load to settle")
	flag.Parse()

	cfg := &ServerConfig{
		Port:            *port,
		LoadTimeout:     *loadTimeout,
		RateLimit:       getEnvIntOrDefault("RATE_LIMIT_PER_IP", mconfig.DefaultRequestsPerIP),
		PlacementsFile:  *placementsFile,
		AdServerURL:     *adServerURL,
		AdServerTimeout: getEnvDurationOrDefault("AD_SERVER_TIMEOUT", mconfig.AdServerTimeout),
		PrebidURL:       *prebidURL,
		PrebidAccountID: os.Getenv("PREBID_ACCOUNT_ID"),
		AppBundle:       os.Getenv("APP_BUNDLE"),
		RedisURL:        os.Getenv("REDIS_URL"),
		EventsURL:       os.Getenv("EVENTS_URL"),
	}

	// Parse database config if DB_HOST is set
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		cfg.DatabaseConfig = &storage.DBConfig{
			Host:     dbHost,
			Port:     getEnvOrDefault("DB_PORT", "5432"),
			User:     getEnvOrDefault("DB_USER", "mediation"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "mediation"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
		}
	}

	return cfg
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as int or a default
func getEnvIntOrDefault(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// getEnvDurationOrDefault returns the environment variable as a duration or a default
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}
