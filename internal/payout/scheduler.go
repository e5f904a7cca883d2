package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RuleChecker runs the scheduled rule pass; *Trigger implements it.
type RuleChecker interface {
	CheckAllRules(ctx context.Context, now time.Time) error
}

// Scheduler runs CheckAllRules on a cron schedule, by default at the top
// of every hour.
type Scheduler struct {
	cron    *cron.Cron
	checker RuleChecker
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

func NewScheduler(checker RuleChecker, spec string, timeout time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	logger = logger.With().Str("component", "payout_scheduler").Logger()
	cl := cronLogger{logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		checker: checker,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("payout schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("payout scheduler started")
}

// Stop prevents new runs and waits for a running pass to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("payout scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single scheduled pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.checker.CheckAllRules(ctx, s.now()); err != nil {
		s.logger.Error().Err(err).Msg("scheduled payout pass had failures")
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
