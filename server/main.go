package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/defenderhub/defenderhub/pkg/config"
	"github.com/defenderhub/defenderhub/pkg/retention"
	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/defenderhub/defenderhub/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath = flag.String("config", "", "Path to server config file")
	Version    = "dev"
)

type Server struct {
	cfg         *config.ServerConfig
	store       *store.Store
	logger      zerolog.Logger
	tokenHasher TokenHasher
	rateLimiter *RateLimiter
	metrics     *telemetry.Metrics
	sweeper     *retention.Sweeper
}

// NewServer wires handlers to their dependencies. metrics may be nil.
func NewServer(cfg *config.ServerConfig, st *store.Store, logger zerolog.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		store:       st,
		logger:      logger,
		tokenHasher: NewTokenHasher([]byte(cfg.TokenHashSalt)),
		rateLimiter: NewRateLimiter(),
		metrics:     metrics,
		sweeper: retention.NewSweeper(st, retention.Options{
			StatusWindow:        cfg.Retention.StatusWindow,
			AgentLogWindow:      cfg.Retention.AgentLogWindow,
			DefaultEventLogDays: cfg.Retention.DefaultEventLogDays,
			StatusBatch:         cfg.Retention.StatusBatch,
			EventLogBatch:       cfg.Retention.EventLogBatch,
		}, logger.With().Str("component", "retention").Logger()),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		s.logger.Error().Err(err).Msg("invalid trusted proxies, forwarding headers ignored")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(withRequestContext(s.logger, s.metrics), recovery(s.logger, s.cfg.RedactInternalErrors), cors(s.cfg.CORSAllowedOrigin))
	r.NoRoute(routeNotFound(s.logger))

	r.GET("/healthz", s.handleHealth)
	r.GET("/catalog", s.handleCatalog)
	if s.metrics != nil {
		r.GET(s.cfg.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}

	s.registerAgentRoutes(r)
	s.registerRouterRoutes(r)
	s.registerScriptRoutes(r)
	s.registerAdminRoutes(r)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		respondError(c, http.StatusServiceUnavailable, "database unavailable", s.logger)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{
		"status":       "healthy",
		"version":      Version,
		"rate_limiter": s.rateLimiter.Stats(),
	})
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.With().Timestamp().Str("service", "defenderhub-server").Logger()
}

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logger := newLogger(cfg.Logging)
	log.Logger = logger
	logger.Info().Str("version", Version).Msg("DefenderHub server starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.SetupTracing(ctx, "defenderhub-server", Version, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = telemetry.NewMetrics(reg)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := NewServer(cfg, st, logger, metrics)

	if cfg.Retention.Schedule != "" {
		sched, err := retention.NewScheduler(srv.sweeper, cfg.Retention.Schedule, logger.With().Str("component", "retention").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid retention schedule")
		}
		sched.OnReport(srv.recordSweep)
		sched.Start()
		defer sched.Stop()
	}

	go srv.pruneRateLimiter(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func (s *Server) recordSweep(report retention.Report) {
	if s.metrics == nil {
		return
	}
	s.metrics.RetentionSwept(map[string]int64{
		"endpoint_statuses": report.StatusesDeleted,
		"event_logs":        report.EventLogsDeleted,
		"agent_logs":        report.AgentLogsDeleted,
	}, len(report.Errors))
}

func (s *Server) pruneRateLimiter(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.rateLimiter.Prune(); n > 0 {
				s.logger.Debug().Int("removed", n).Msg("pruned rate limiter windows")
			}
		}
	}
}
