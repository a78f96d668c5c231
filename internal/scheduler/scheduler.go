// Package scheduler runs the periodic quota reset sweeps.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

type Resetter interface {
	PeriodicReset(ctx context.Context, scope models.QuotaScope) (int64, error)
}

type Config struct {
	DailySpec   string
	MonthlySpec string
	Location    *time.Location
	// LockTTL bounds how long one sweep may hold the cluster-wide lease.
	LockTTL time.Duration
}

type Scheduler struct {
	reset     Resetter
	lock      Locker
	cfg       Config
	cron      *cron.Cron
	schedules map[models.QuotaScope]cron.Schedule
	log       zerolog.Logger
}

type Option func(*Scheduler)

// WithLocker makes every sweep take a lease first, so only one instance
// sweeps per tick.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.lock = l }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func New(r Resetter, cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	s := &Scheduler{
		reset:     r,
		cfg:       cfg,
		schedules: make(map[models.QuotaScope]cron.Schedule, 2),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Logger()

	for scope, spec := range map[models.QuotaScope]string{
		models.ScopeDaily:   cfg.DailySpec,
		models.ScopeMonthly: cfg.MonthlySpec,
	} {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("parse %s reset schedule %q: %w", scope, spec, err)
		}
		s.schedules[scope] = sched
	}

	logger := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for scope, sched := range s.schedules {
		scope := scope
		s.cron.Schedule(sched, cron.FuncJob(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LockTTL)
			defer cancel()
			if _, _, err := s.RunOnce(ctx, scope); err != nil {
				s.log.Error().Err(err).Str("scope", string(scope)).Msg("scheduled quota reset failed")
			}
		}))
	}
	return s, nil
}

// RunOnce performs one sweep for scope. ran is false when another instance
// holds the lease.
func (s *Scheduler) RunOnce(ctx context.Context, scope models.QuotaScope) (n int64, ran bool, err error) {
	if s.lock != nil {
		release, ok, err := s.lock.TryLock(ctx, "quota-reset:"+string(scope), s.cfg.LockTTL)
		if err != nil {
			return 0, false, fmt.Errorf("acquire %s reset lock: %w", scope, err)
		}
		if !ok {
			s.log.Debug().Str("scope", string(scope)).Msg("reset lease held elsewhere, skipping")
			return 0, false, nil
		}
		defer release()
	}
	n, err = s.reset.PeriodicReset(ctx, scope)
	if err != nil {
		return 0, true, err
	}
	return n, true, nil
}

// Start runs a catch-up sweep for both scopes, covering ticks missed while
// no instance was up, and then starts the schedule.
func (s *Scheduler) Start(ctx context.Context) {
	for _, scope := range []models.QuotaScope{models.ScopeMonthly, models.ScopeDaily} {
		if _, _, err := s.RunOnce(ctx, scope); err != nil {
			s.log.Warn().Err(err).Str("scope", string(scope)).Msg("catch-up quota reset failed")
		}
	}
	s.cron.Start()
	s.log.Info().
		Str("daily", s.cfg.DailySpec).
		Str("monthly", s.cfg.MonthlySpec).
		Str("location", s.cfg.Location.String()).
		Msg("quota reset scheduler started")
}

// Stop halts the schedule. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next reports when scope's sweep fires after from.
func (s *Scheduler) Next(scope models.QuotaScope, from time.Time) time.Time {
	sched, ok := s.schedules[scope]
	if !ok {
		return time.Time{}
	}
	return sched.Next(from.In(s.cfg.Location))
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
