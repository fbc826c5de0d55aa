package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/thenexusengine/tne_mediation/internal/arbitration"
	mconfig "github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/internal/metrics"
	"github.com/thenexusengine/tne_mediation/internal/middleware"
	"github.com/thenexusengine/tne_mediation/internal/placement"
	"github.com/thenexusengine/tne_mediation/internal/render"
	"github.com/thenexusengine/tne_mediation/internal/reporting"
	"github.com/thenexusengine/tne_mediation/internal/storage"
	"github.com/thenexusengine/tne_mediation/pkg/adserver"
	"github.com/thenexusengine/tne_mediation/pkg/events"
	"github.com/thenexusengine/tne_mediation/pkg/logger"
	"github.com/thenexusengine/tne_mediation/pkg/prebid"
	"github.com/thenexusengine/tne_mediation/pkg/redis"
)

// Server represents the mediation server
type Server struct {
	config      *ServerConfig
	httpServer  *http.Server
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	adServer    *adserver.Client
	bidder      placement.PrimaryBidder
	placements  *placement.Registry
	stage       *render.Stage
	reporter    *reporting.Reporter
	events      *events.Recorder
	redisClient *redis.Client
	db          *sql.DB
}

// NewServer creates a server for the given placements
func NewServer(cfg *ServerConfig, placements []mconfig.Placement) (*Server, error) {
	s := &Server{
		config: cfg,
	}

	if err := s.initialize(placements); err != nil {
		return nil, err
	}

	return s, nil
}

// initialize sets up all server components
func (s *Server) initialize(placements []mconfig.Placement) error {
	log := logger.Log

	log.Info().
		Str("port", s.config.Port).
		Str("ad_server_url", s.config.AdServerURL).
		Str("prebid_url", s.config.PrebidURL).
		Int("placements", len(placements)).
		Msg("Initializing mediation server")

	// Per-server registry
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.NewMetrics("mediation", s.registry)

	// Database and Redis failures are non-fatal, log and continue
	if err := s.initDatabase(); err != nil {
		log.Warn().Err(err).Msg("Database initialization failed, outcomes will not be persisted")
	}
	if err := s.initRedis(); err != nil {
		log.Warn().Err(err).Msg("Redis initialization failed, continuing without cache")
	}

	s.initEvents()
	s.initUpstreams(placements)
	s.initReporting()

	if err := s.initPlacements(placements); err != nil {
		return err
	}

	s.initHandlers()
	return nil
}

// initDatabase connects the outcome store
func (s *Server) initDatabase() error {
	log := logger.Log

	if s.config.DatabaseConfig == nil {
		log.Info().Msg("DB_HOST not set, outcome persistence disabled")
		return nil
	}

	db, err := storage.NewDBConnection(*s.config.DatabaseConfig)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := storage.NewOutcomeStore(db).Migrate(ctx); err != nil {
		db.Close()
		return err
	}

	s.db = db
	log.Info().Msg("Outcome store connected to PostgreSQL")
	return nil
}

// initRedis initializes Redis client
func (s *Server) initRedis() error {
	log := logger.Log

	if s.config.RedisURL == "" {
		log.Info().Msg("REDIS_URL not set, outcome cache and impression dedup disabled")
		return nil
	}

	client, err := redis.New(s.config.RedisURL)
	if err != nil {
		return err
	}

	s.redisClient = client
	log.Info().Msg("Redis client initialized")
	return nil
}

func (s *Server) initEvents() {
	if s.config.EventsURL == "" {
		logger.Log.Info().Msg("EVENTS_URL not set, analytics events disabled")
		return
	}
	s.events = events.NewRecorder(s.config.EventsURL, mconfig.DefaultEventBufferSize)
}

// initUpstreams creates the ad server and prebid clients
func (s *Server) initUpstreams(placements []mconfig.Placement) {
	adLog := logger.AdServer()
	s.adServer = adserver.NewClient(s.config.AdServerURL, adserver.Options{
		Timeout: s.config.AdServerTimeout,
		Metrics: s.metrics,
		Logger:  &adLog,
	})

	sizes := make(map[string][]prebid.Size)
	for _, p := range placements {
		parsed, err := p.ParsedSizes()
		if err != nil || len(parsed) == 0 {
			continue
		}
		for _, sz := range parsed {
			sizes[p.ID] = append(sizes[p.ID], prebid.Size{W: sz.W, H: sz.H})
		}
	}

	pbLog := logger.Log.With().Str("component", "prebid").Logger()
	client := prebid.NewClient(s.config.PrebidURL, prebid.Options{
		Timeout:   mconfig.PrebidTimeout,
		AccountID: s.config.PrebidAccountID,
		Bundle:    s.config.AppBundle,
		Sizes:     sizes,
		Logger:    &pbLog,
	})
	s.bidder = &meteredBidder{bidder: client, metrics: s.metrics}
}

// initReporting wires the renderer and outcome reporter to whichever backends are up
func (s *Server) initReporting() {
	stageCfg := render.Config{Metrics: s.metrics, TTL: mconfig.StageTTL, DedupTTL: mconfig.ImpressionDedupTTL}
	reportCfg := reporting.Config{Metrics: s.metrics, CacheTTL: mconfig.OutcomeCacheTTL}

	if s.redisClient != nil {
		stageCfg.Deduper = s.redisClient
		reportCfg.Cache = s.redisClient
	}
	if s.events != nil {
		stageCfg.Events = s.events
		reportCfg.Events = s.events
	}
	if s.db != nil {
		reportCfg.Store = storage.NewOutcomeStore(s.db)
	}

	renderLog := logger.Log.With().Str("component", "render").Logger()
	stageCfg.Logger = &renderLog
	reportLog := logger.Log.With().Str("component", "reporting").Logger()
	reportCfg.Logger = &reportLog

	s.stage = render.NewStage(stageCfg)
	s.reporter = reporting.New(reportCfg)
}

// initPlacements builds one engine per configured placement
func (s *Server) initPlacements(placements []mconfig.Placement) error {
	s.placements = placement.NewRegistry()

	for _, p := range placements {
		plLog := logger.Placement(p.ID)
		engine := arbitration.NewEngine(
			adserver.NewSource(s.adServer, p.AdUnit),
			s.stage,
			arbitration.Config{
				HandshakeTimeout: p.Timeout(),
				Listener:         s.reporter.For(p.ID),
				Metrics:          s.metrics,
				Logger:           &plLog,
			},
		)

		// placement.New adds the placement_id field itself
		pl := placement.New(placement.Config{
			ID:     p.ID,
			Engine: engine,
			Bidder: s.bidder,
			Logger: &logger.Log,
		})
		if err := s.placements.Add(pl); err != nil {
			pl.Destroy()
			s.placements.DestroyAll()
			return err
		}

		plLog.Info().
			Str("ad_unit", p.AdUnit).
			Str("format", p.Format).
			Dur("handshake_timeout", p.Timeout()).
			Msg("Placement registered")
	}
	return nil
}

// initHandlers builds the router and HTTP server
func (s *Server) initHandlers() {
	r := chi.NewRouter()

	// Chain: RealIP -> Recoverer -> Logging -> Metrics -> Rate Limit -> Size Limit -> Handler
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(s.metrics.Middleware)

	r.Get("/health", healthHandler())
	r.Get("/health/ready", s.readyHandler())
	r.Handle("/metrics", metrics.Handler(s.registry))

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit())
		r.Use(middleware.SizeLimit(middleware.SizeLimitConfig{
			MaxBodySize:  mconfig.DefaultMaxBodySize,
			MaxURLLength: mconfig.DefaultMaxURLLength,
		}))

		r.Get("/v1/placements", s.listPlacements)
		r.Route("/v1/placements/{placementID}", func(r chi.Router) {
			r.Post("/load", s.loadPlacement)
			r.Post("/events", s.deliverEvent)
			r.Post("/cancel", s.cancelPlacement)
		})
		r.Get("/v1/requests/{requestID}", s.getRequest)
	})

	r.Get("/admin/stats", s.statsHandler)

	s.httpServer = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      r,
		ReadTimeout:  mconfig.ServerReadTimeout,
		WriteTimeout: mconfig.ServerWriteTimeout,
		IdleTimeout:  mconfig.ServerIdleTimeout,
	}
}

// rateLimit limits API calls per client IP
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	limit := s.config.RateLimit
	if limit <= 0 {
		limit = mconfig.DefaultRequestsPerIP
	}
	return httprate.Limit(
		limit,
		mconfig.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.metrics.IncRateLimitRejected()
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests")
		}),
	)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log := logger.Log
	log.Info().Str("addr", s.httpServer.Addr).Msg("Server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunEventFlusher pushes buffered analytics events every interval until ctx ends
func (s *Server) RunEventFlusher(ctx context.Context, interval time.Duration) error {
	if s.events == nil {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, interval)
			if err := s.events.Flush(flushCtx); err != nil && !errors.Is(err, events.ErrClosed) {
				logger.Log.Warn().Err(err).Msg("Periodic event flush failed")
			}
			cancel()
		}
	}
}

// Shutdown stops accepting requests, then tears down placements and backends
func (s *Server) Shutdown(ctx context.Context) error {
	log := logger.Log
	log.Info().Msg("Starting graceful shutdown")

	err := s.httpServer.Shutdown(ctx)

	// Engines go before the backends they report to
	s.placements.DestroyAll()
	s.adServer.Close()

	if s.events != nil {
		if cerr := s.events.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("Error flushing event recorder")
		} else {
			log.Info().Msg("Event recorder flushed")
		}
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	if err != nil {
		return err
	}
	log.Info().Msg("Server stopped gracefully")
	return nil
}

// meteredBidder counts primary bid results
type meteredBidder struct {
	bidder  placement.PrimaryBidder
	metrics *metrics.Metrics
}

func (b *meteredBidder) FetchBid(ctx context.Context, placementID string) (arbitration.BidResult, error) {
	result, err := b.bidder.FetchBid(ctx, placementID)
	switch {
	case err != nil:
		b.metrics.RecordPrimaryBid("error")
	case result.Available():
		b.metrics.RecordPrimaryBid("bid")
	default:
		b.metrics.RecordPrimaryBid("no_bid")
	}
	return result, err
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests with structured logging
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		reqLog := logger.NewRequestLogger(requestID).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote_addr", r.RemoteAddr)

		next.ServeHTTP(wrapped, r.WithContext(logger.WithRequestID(r.Context(), requestID)))

		reqLog.LogComplete(wrapped.statusCode)
	})
}

// healthHandler returns a simple liveness check
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   "1.0.0",
		})
	}
}

// readyHandler returns a readiness check with dependency verification
func (s *Server) readyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]interface{})
		allHealthy := true

		check := func(name string, enabled bool, probe func() error) {
			if !enabled {
				checks[name] = map[string]interface{}{"status": "disabled"}
				return
			}
			if err := probe(); err != nil {
				checks[name] = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
				allHealthy = false
				return
			}
			checks[name] = map[string]interface{}{"status": "healthy"}
		}

		check("redis", s.redisClient != nil, func() error { return s.redisClient.Ping(ctx) })
		check("database", s.db != nil, func() error { return s.db.PingContext(ctx) })
		check("ad_server", true, func() error {
			if !s.adServer.Healthy() {
				return adserver.ErrCircuitOpen
			}
			return nil
		})

		status := http.StatusOK
		if !allHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"ready":     allHealthy,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	}
}

// statsHandler returns breaker, event, cache and outcome stats
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"ad_server_breaker": s.adServer.BreakerStats(),
		"staged_creatives":  s.stage.Len(),
	}
	if s.events != nil {
		response["events"] = s.events.Stats()
	}
	if s.redisClient != nil {
		response["redis_pool"] = s.redisClient.PoolStats()
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		counts, err := storage.NewOutcomeStore(s.db).CountByKind(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			logger.FromContext(r.Context()).Warn().Err(err).Msg("Failed to count outcomes")
		} else {
			response["outcomes_24h"] = counts
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log := logger.HTTP()
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
