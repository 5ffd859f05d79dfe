package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/defenderhub/defenderhub/pkg/config"
	"github.com/defenderhub/defenderhub/pkg/health"
	"github.com/defenderhub/defenderhub/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configPath  = flag.String("config", "/etc/defenderhub/router-agent.yaml", "Config file path")
	serverURL   = flag.String("server", "", "Server URL (overrides config)")
	interval    = flag.Duration("interval", 0, "Heartbeat interval (overrides config)")
	enrollToken = flag.String("enroll", "", "Router enrollment token")
	once        = flag.Bool("once", false, "Send a single heartbeat and exit")
	Version     = "dev"
)

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("DefenderHub router agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Reporting.Interval = int(interval.Seconds())
	}
	if *enrollToken != "" {
		cfg.Server.EnrollToken = *enrollToken
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyAgentLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.SetupTracing(ctx, "defenderhub-router-agent", Version, cfg.Tracing, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	agent := newAgent(cfg, detectDevice(cfg.Device))

	healthStatus := health.Check(ctx, agent.client, cfg.Server.URL, cfg.Health.TimeDriftMaxS)
	if !healthStatus.Healthy {
		log.Warn().Strs("issues", healthStatus.Issues).Msg("Health check reported issues")
	}

	if err := agent.loadOrEnroll(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize identity")
	}
	log.Info().
		Str("router_id", agent.identity.RouterID).
		Str("server", cfg.Server.URL).
		Int("interval_s", cfg.Reporting.Interval).
		Msg("Agent initialized")

	if *once {
		if err := agent.heartbeat(ctx); err != nil {
			log.Fatal().Err(err).Msg("Heartbeat failed")
		}
		return
	}
	agent.run(ctx)
	log.Info().Msg("Router agent stopped")
}

// run sends a heartbeat immediately and then on every tick until ctx is done.
func (a *Agent) run(ctx context.Context) {
	a.beat(ctx)

	jitter := time.Duration(a.config.Reporting.Jitter) * time.Second
	ticker := time.NewTicker(time.Duration(a.config.Reporting.Interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Jitter spreads a fleet that booted together.
		if jitter > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
			}
		}
		a.beat(ctx)
	}
}

func (a *Agent) beat(ctx context.Context) {
	err := a.heartbeat(ctx)
	if err == nil {
		return
	}
	var rejected *checkinError
	if errors.As(err, &rejected) && rejected.Unauthorized() {
		log.Error().Err(err).Str("identity", a.config.Identity.Path).
			Msg("Router token rejected; remove the identity file and re-enroll")
		return
	}
	log.Error().Err(err).Msg("Heartbeat failed")
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("DEFENDERHUB_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("DEFENDERHUB_AGENT_LOG_FORMAT")))

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	format := "console"
	if cfg.JSON || !cfg.HumanReadable {
		format = "json"
	}

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
