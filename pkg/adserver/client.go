// Package adserver talks to the secondary ad server and feeds its results
// into arbitration.
package adserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
)

// Limit on ad server response bodies; creatives are markup, not media
const maxResponseSize = 512 * 1024

// AppEventPrebid is the app event the ad server emits when the prebid line item won
const AppEventPrebid = "PrebidAppEvent"

// Response statuses
const (
	StatusFilled = "filled"
	StatusNoFill = "no_fill"
	StatusError  = "error"
)

// MetricsRecorder receives ad server call metrics
type MetricsRecorder interface {
	RecordAdServerRequest(status string, latency time.Duration)
	SetCircuitState(state string)
}

type nopMetrics struct{}

func (nopMetrics) RecordAdServerRequest(string, time.Duration) {}
func (nopMetrics) SetCircuitState(string)                      {}

// AdRequest is the body posted to /v1/ad
type AdRequest struct {
	RequestID string    `json:"request_id"`
	AdUnit    string    `json:"ad_unit"`
	Targeting Targeting `json:"targeting"`
}

// AdResponse is the ad server's answer
type AdResponse struct {
	Status    string `json:"status"`
	ErrorCode int    `json:"error_code,omitempty"`
	Creative  string `json:"creative,omitempty"`
	AppEvent  string `json:"app_event,omitempty"`
}

// ErrMalformedResponse is returned when the ad server reply cannot be decoded
var ErrMalformedResponse = errors.New("malformed ad server response")

// HTTPStatusError is a non-200 reply from the ad server
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("ad server returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("ad server returned status %d", e.StatusCode)
}

// Options configures a Client
type Options struct {
	Timeout time.Duration
	Breaker *BreakerConfig
	Metrics MetricsRecorder
	Logger  *zerolog.Logger
}

// Client calls the ad server
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *CircuitBreaker
	metrics    MetricsRecorder
	log        zerolog.Logger
}

func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 500 * time.Millisecond,
	}
}

// NewClient creates a client for the ad server at baseURL
func NewClient(baseURL string, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	breakerCfg := DefaultBreakerConfig()
	if opts.Breaker != nil {
		c := *opts.Breaker
		breakerCfg = &c
	}
	metrics := opts.Metrics
	userCallback := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to string) {
		log.Warn().Str("from", from).Str("to", to).Msg("Ad server circuit state changed")
		metrics.SetCircuitState(to)
		if userCallback != nil {
			userCallback(from, to)
		}
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: newTransport(opts.Timeout),
		},
		breaker: NewCircuitBreaker(breakerCfg),
		metrics: metrics,
		log:     log,
	}
}

// RequestAd posts req to the ad server. 4xx replies come back as *HTTPStatusError
// without tripping the breaker.
func (c *Client) RequestAd(ctx context.Context, req AdRequest) (*AdResponse, error) {
	start := time.Now()
	var result *AdResponse
	var rejected error

	err := c.breaker.Execute(func() error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal ad request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ad", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create ad request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("failed to call ad server: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
			if resp.StatusCode < 500 {
				rejected = statusErr
				return nil
			}
			return statusErr
		}

		var decoded AdResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&decoded); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		result = &decoded
		return nil
	})
	if err == nil {
		err = rejected
	}

	c.metrics.RecordAdServerRequest(callStatus(result, err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func callStatus(resp *AdResponse, err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case err != nil:
		return "error"
	case resp.Status == "":
		return "unknown"
	}
	return resp.Status
}

// ErrorCode maps a failed call to the raw ad server error code
func ErrorCode(err error) int {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode < 500 {
			return arbitration.ServerErrInvalidRequest
		}
		return arbitration.ServerErrInternal
	}
	if errors.Is(err, ErrMalformedResponse) {
		return arbitration.ServerErrInternal
	}
	return arbitration.ServerErrNetwork
}

// BreakerStats returns the circuit breaker snapshot
func (c *Client) BreakerStats() BreakerStats {
	return c.breaker.Stats()
}

// Healthy reports whether the breaker lets calls through
func (c *Client) Healthy() bool {
	return c.breaker.State() != StateOpen
}

// Close waits for breaker callbacks
func (c *Client) Close() {
	c.breaker.Close()
}
