// Package quota tracks per-user daily and monthly request allowances.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/HanTheDev/funnel-insights/internal/apperr"
	"github.com/HanTheDev/funnel-insights/internal/metrics"
	"github.com/HanTheDev/funnel-insights/internal/models"
)

// Store persists quota profiles. GetOrCreateQuotaProfile with forUpdate set,
// called inside RunInTx, must hold the row lock until the transaction ends.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrCreateQuotaProfile(ctx context.Context, defaults *models.QuotaProfile, forUpdate bool) (*models.QuotaProfile, error)
	SaveQuotaProfile(ctx context.Context, p *models.QuotaProfile) error
	ResetStaleQuotas(ctx context.Context, scope models.QuotaScope, windowStart time.Time) (int64, error)
}

type Config struct {
	DailyLimit   int
	MonthlyLimit int
	Location     *time.Location
}

func DefaultConfig() Config {
	return Config{
		DailyLimit:   100,
		MonthlyLimit: 3000,
		Location:     time.UTC,
	}
}

// Charge is a successful consumption. It remembers the windows it was taken
// from so a refund can never credit a later window.
type Charge struct {
	UserID        string
	Units         int
	DailyWindow   time.Time
	MonthlyWindow time.Time
}

type Tracker struct {
	store   Store
	cfg     Config
	clock   quartz.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*Tracker)

func WithClock(clock quartz.Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

func WithLogger(log zerolog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func NewTracker(store Store, cfg Config, opts ...Option) *Tracker {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	t := &Tracker{
		store: store,
		cfg:   cfg,
		clock: quartz.NewReal(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With().Str("component", "quota").Logger()
	return t
}

func (t *Tracker) Location() *time.Location {
	return t.cfg.Location
}

func (t *Tracker) defaults(userID string) *models.QuotaProfile {
	now := t.clock.Now()
	return &models.QuotaProfile{
		UserID:           userID,
		DailyLimit:       t.cfg.DailyLimit,
		MonthlyLimit:     t.cfg.MonthlyLimit,
		LastResetDaily:   DayStart(now, t.cfg.Location),
		LastResetMonthly: MonthStart(now, t.cfg.Location),
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// CheckLimit is the gate in front of every billable action. It never writes
// counters; a stale window is reset only in the returned view.
func (t *Tracker) CheckLimit(ctx context.Context, userID string) (*models.QuotaStatus, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	p, err := t.store.GetOrCreateQuotaProfile(ctx, t.defaults(userID), false)
	if err != nil {
		return nil, apperr.Internal(err, "load quota profile")
	}
	now := t.clock.Now()
	ApplyReset(p, now, t.cfg.Location)
	status := t.status(p, now)

	if err := t.deny(status, 0); err != nil {
		return status, err
	}
	return status, nil
}

// Consume atomically applies any pending window reset and adds n to both
// counters. It refuses when the result would exceed either limit, so two
// callers racing past CheckLimit cannot overshoot.
func (t *Tracker) Consume(ctx context.Context, userID string, n int) (*Charge, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	if n < 1 {
		return nil, apperr.Validation("request count must be at least 1, got %d", n)
	}

	var (
		charge         *Charge
		resetD, resetM bool
	)
	err := t.store.RunInTx(ctx, func(ctx context.Context) error {
		p, err := t.store.GetOrCreateQuotaProfile(ctx, t.defaults(userID), true)
		if err != nil {
			return apperr.Internal(err, "lock quota profile")
		}
		now := t.clock.Now()
		resetD, resetM = ApplyReset(p, now, t.cfg.Location)

		if err := t.deny(t.status(p, now), n); err != nil {
			return err
		}

		p.CurrentDaily += n
		p.CurrentMonthly += n
		p.UpdatedAt = now
		if err := t.store.SaveQuotaProfile(ctx, p); err != nil {
			return apperr.Internal(err, "save quota profile")
		}
		charge = &Charge{
			UserID:        userID,
			Units:         n,
			DailyWindow:   p.LastResetDaily,
			MonthlyWindow: p.LastResetMonthly,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if resetD {
		t.metrics.QuotaReset(string(models.ScopeDaily), "lazy", 1)
	}
	if resetM {
		t.metrics.QuotaReset(string(models.ScopeMonthly), "lazy", 1)
	}
	t.log.Debug().Str("user_id", userID).Int("units", n).Msg("quota consumed")
	return charge, nil
}

// Refund returns a charge's units, but only to windows that are still the
// ones the charge was taken from. Counters never go below zero.
func (t *Tracker) Refund(ctx context.Context, c *Charge) error {
	if c == nil || c.Units < 1 {
		return nil
	}
	return t.store.RunInTx(ctx, func(ctx context.Context) error {
		p, err := t.store.GetOrCreateQuotaProfile(ctx, t.defaults(c.UserID), true)
		if err != nil {
			return apperr.Internal(err, "lock quota profile")
		}
		now := t.clock.Now()
		ApplyReset(p, now, t.cfg.Location)

		if p.LastResetDaily.Equal(c.DailyWindow) {
			p.CurrentDaily = max(0, p.CurrentDaily-c.Units)
		}
		if p.LastResetMonthly.Equal(c.MonthlyWindow) {
			p.CurrentMonthly = max(0, p.CurrentMonthly-c.Units)
		}
		p.UpdatedAt = now
		if err := t.store.SaveQuotaProfile(ctx, p); err != nil {
			return apperr.Internal(err, "save quota profile")
		}
		t.log.Info().Str("user_id", c.UserID).Int("units", c.Units).Msg("quota refunded")
		return nil
	})
}

// GetStatus reports reset-aware counters without persisting the reset.
func (t *Tracker) GetStatus(ctx context.Context, userID string) (*models.QuotaStatus, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	p, err := t.store.GetOrCreateQuotaProfile(ctx, t.defaults(userID), false)
	if err != nil {
		return nil, apperr.Internal(err, "load quota profile")
	}
	now := t.clock.Now()
	ApplyReset(p, now, t.cfg.Location)
	return t.status(p, now), nil
}

// PeriodicReset zeroes every profile whose marker for scope is stale.
// Running it again in the same window changes nothing.
func (t *Tracker) PeriodicReset(ctx context.Context, scope models.QuotaScope) (int64, error) {
	if !scope.Valid() {
		return 0, apperr.Validation("unknown reset scope %q", scope)
	}
	start := WindowStart(scope, t.clock.Now(), t.cfg.Location)
	n, err := t.store.ResetStaleQuotas(ctx, scope, start)
	if err != nil {
		return 0, apperr.Internal(err, "reset %s quotas", scope)
	}
	t.metrics.QuotaReset(string(scope), "scheduled", n)
	t.log.Info().Str("scope", string(scope)).Time("window_start", start).Int64("profiles", n).Msg("quota reset sweep")
	return n, nil
}

// SetLimits changes a user's limits and kill switch. Counters are kept.
func (t *Tracker) SetLimits(ctx context.Context, userID string, daily, monthly int, active bool) (*models.QuotaStatus, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	if daily < 1 || monthly < 1 {
		return nil, apperr.Validation("limits must be positive (daily=%d, monthly=%d)", daily, monthly)
	}
	var status *models.QuotaStatus
	err := t.store.RunInTx(ctx, func(ctx context.Context) error {
		p, err := t.store.GetOrCreateQuotaProfile(ctx, t.defaults(userID), true)
		if err != nil {
			return apperr.Internal(err, "lock quota profile")
		}
		now := t.clock.Now()
		ApplyReset(p, now, t.cfg.Location)
		p.DailyLimit = daily
		p.MonthlyLimit = monthly
		p.IsActive = active
		p.UpdatedAt = now
		if err := t.store.SaveQuotaProfile(ctx, p); err != nil {
			return apperr.Internal(err, "save quota profile")
		}
		status = t.status(p, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// deny returns the quota error for taking n more units, n=0 meaning "is
// there anything left at all".
func (t *Tracker) deny(s *models.QuotaStatus, n int) error {
	if !s.IsActive {
		t.metrics.QuotaDenied("disabled")
		return apperr.QuotaDisabled("usage is disabled for this account", s)
	}
	need := max(n, 1)
	if s.RemainingDaily < need {
		t.metrics.QuotaDenied("daily")
		return apperr.QuotaExceeded(fmt.Sprintf("daily limit of %d requests reached", s.DailyLimit), s)
	}
	if s.RemainingMonthly < need {
		t.metrics.QuotaDenied("monthly")
		return apperr.QuotaExceeded(fmt.Sprintf("monthly limit of %d requests reached", s.MonthlyLimit), s)
	}
	return nil
}

func (t *Tracker) status(p *models.QuotaProfile, now time.Time) *models.QuotaStatus {
	day := DayStart(now, t.cfg.Location)
	month := MonthStart(now, t.cfg.Location)
	return &models.QuotaStatus{
		UserID:           p.UserID,
		DailyLimit:       p.DailyLimit,
		MonthlyLimit:     p.MonthlyLimit,
		CurrentDaily:     p.CurrentDaily,
		CurrentMonthly:   p.CurrentMonthly,
		RemainingDaily:   max(0, p.DailyLimit-p.CurrentDaily),
		RemainingMonthly: max(0, p.MonthlyLimit-p.CurrentMonthly),
		IsActive:         p.IsActive,
		LastResetDaily:   p.LastResetDaily,
		LastResetMonthly: p.LastResetMonthly,
		NextResetDaily:   day.AddDate(0, 0, 1),
		NextResetMonthly: month.AddDate(0, 1, 0),
	}
}
