// Package middleware holds HTTP middleware shared by the mediation API
package middleware

import (
	"net/http"
)

// SizeLimitConfig holds request size limits
type SizeLimitConfig struct {
	MaxBodySize  int64 // bytes
	MaxURLLength int
}

// DefaultSizeLimitConfig returns limits suited to load and event payloads
func DefaultSizeLimitConfig() SizeLimitConfig {
	return SizeLimitConfig{
		MaxBodySize:  64 * 1024,
		MaxURLLength: 2048,
	}
}

// SizeLimit rejects oversized URLs and declared bodies, and caps body reads
// for the rest
func SizeLimit(cfg SizeLimitConfig) func(http.Handler) http.Handler {
	if cfg.MaxBodySize <= 0 || cfg.MaxURLLength <= 0 {
		def := DefaultSizeLimitConfig()
		if cfg.MaxBodySize <= 0 {
			cfg.MaxBodySize = def.MaxBodySize
		}
		if cfg.MaxURLLength <= 0 {
			cfg.MaxURLLength = def.MaxURLLength
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(r.URL.String()) > cfg.MaxURLLength {
				writeJSONError(w, http.StatusRequestURITooLong, "url_too_long")
				return
			}
			if r.ContentLength > cfg.MaxBodySize {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "body_too_large")
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodySize)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + code + `"}`))
}
