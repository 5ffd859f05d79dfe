package retention

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs a Sweeper on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron
	logger  zerolog.Logger

	mu         sync.RWMutex
	lastReport *Report
	onReport   func(Report)
}

// NewScheduler registers the sweep under spec ("@every 1h", "0 3 * * *").
func NewScheduler(sweeper *Sweeper, spec string, logger zerolog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		sweeper: sweeper,
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// OnReport registers a callback invoked after every scheduled run.
func (s *Scheduler) OnReport(fn func(Report)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReport = fn
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Retention scheduler started")
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Retention scheduler stopped")
}

// LastReport returns the most recent scheduled run, or nil.
func (s *Scheduler) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

func (s *Scheduler) run() {
	report, err := s.sweeper.Run(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	s.mu.Lock()
	s.lastReport = &report
	fn := s.onReport
	s.mu.Unlock()
	if fn != nil {
		fn(report)
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
