// Package ledger is the append-only record of billable usage.
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/HanTheDev/funnel-insights/internal/apperr"
	"github.com/HanTheDev/funnel-insights/internal/metrics"
	"github.com/HanTheDev/funnel-insights/internal/models"
	"github.com/HanTheDev/funnel-insights/internal/quota"
)

type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	InsertUsageEvents(ctx context.Context, events []*models.UsageEvent) error
	ListUsageEvents(ctx context.Context, userID string, since, until time.Time) ([]*models.UsageEvent, error)
	SummarizeUsage(ctx context.Context, userID string, since, until time.Time) (*models.UsageSummary, error)
}

// Consumer is the part of the quota tracker BatchRecord charges.
type Consumer interface {
	Consume(ctx context.Context, userID string, n int) (*quota.Charge, error)
}

// Entry is the caller-supplied part of a UsageEvent.
type Entry struct {
	UserID       string
	SessionID    string
	UsageType    models.UsageType
	RequestCount int
	TokenCount   *int64
	Cost         *float64
}

type Ledger struct {
	store    Store
	consumer Consumer
	loc      *time.Location
	clock    quartz.Clock
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Ledger)

func WithClock(clock quartz.Clock) Option {
	return func(l *Ledger) { l.clock = clock }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// New builds a ledger stamping usage dates in loc. consumer may be nil if
// BatchRecord is never used.
func New(store Store, consumer Consumer, loc *time.Location, opts ...Option) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	l := &Ledger{
		store:    store,
		consumer: consumer,
		loc:      loc,
		clock:    quartz.NewReal(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With().Str("component", "ledger").Logger()
	return l
}

func (l *Ledger) event(e Entry, now time.Time) (*models.UsageEvent, error) {
	if e.UserID == "" {
		return nil, apperr.Validation("usage event needs a user id")
	}
	if e.RequestCount < 1 {
		return nil, apperr.Validation("request count must be at least 1, got %d", e.RequestCount)
	}
	ev := &models.UsageEvent{
		ID:           uuid.NewString(),
		UserID:       e.UserID,
		SessionID:    e.SessionID,
		UsageType:    models.ParseUsageType(string(e.UsageType)),
		RequestCount: e.RequestCount,
		UsageDate:    quota.DayStart(now, l.loc),
		CreatedAt:    now,
	}
	// Negative optional figures are dropped rather than rejected.
	if e.TokenCount != nil && *e.TokenCount >= 0 {
		tc := *e.TokenCount
		ev.TokenCount = &tc
	}
	if e.Cost != nil && *e.Cost >= 0 {
		c := *e.Cost
		ev.Cost = &c
	}
	return ev, nil
}

// Record appends one event stamped with today's date. It does not check or
// change quota counters.
func (l *Ledger) Record(ctx context.Context, e Entry) (*models.UsageEvent, error) {
	ev, err := l.event(e, l.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := l.store.InsertUsageEvents(ctx, []*models.UsageEvent{ev}); err != nil {
		return nil, apperr.Internal(err, "record usage")
	}
	l.metrics.UsageEvent(string(ev.UsageType))
	l.log.Debug().
		Str("user_id", ev.UserID).
		Str("usage_type", string(ev.UsageType)).
		Int("requests", ev.RequestCount).
		Msg("usage recorded")
	return ev, nil
}

// BatchRecord appends all entries and charges each user's quota once with
// their summed request count, all in one transaction. One failure rolls
// back the whole set.
func (l *Ledger) BatchRecord(ctx context.Context, entries []Entry) ([]*models.UsageEvent, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if l.consumer == nil {
		return nil, apperr.Internal(nil, "ledger has no quota consumer")
	}

	now := l.clock.Now()
	events := make([]*models.UsageEvent, 0, len(entries))
	perUser := make(map[string]int)
	for _, e := range entries {
		ev, err := l.event(e, now)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		perUser[ev.UserID] += ev.RequestCount
	}

	users := make([]string, 0, len(perUser))
	for u := range perUser {
		users = append(users, u)
	}
	// Fixed order keeps concurrent batches from locking profiles in opposite orders.
	sort.Strings(users)

	err := l.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := l.store.InsertUsageEvents(ctx, events); err != nil {
			return apperr.Internal(err, "record usage batch")
		}
		for _, u := range users {
			if _, err := l.consumer.Consume(ctx, u, perUser[u]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		l.metrics.UsageEvent(string(ev.UsageType))
	}
	l.log.Info().Int("events", len(events)).Int("users", len(users)).Msg("usage batch recorded")
	return events, nil
}

// Events lists a user's events with usage dates in [since, until).
func (l *Ledger) Events(ctx context.Context, userID string, since, until time.Time) ([]*models.UsageEvent, error) {
	if !until.After(since) {
		return nil, apperr.Validation("until must be after since")
	}
	events, err := l.store.ListUsageEvents(ctx, userID, since, until)
	if err != nil {
		return nil, apperr.Internal(err, "list usage")
	}
	return events, nil
}

// Summarize totals a user's usage with usage dates in [since, until).
func (l *Ledger) Summarize(ctx context.Context, userID string, since, until time.Time) (*models.UsageSummary, error) {
	if !until.After(since) {
		return nil, apperr.Validation("until must be after since")
	}
	sum, err := l.store.SummarizeUsage(ctx, userID, since, until)
	if err != nil {
		return nil, apperr.Internal(err, "summarize usage")
	}
	return sum, nil
}

// Location is the zone usage dates are stamped in.
func (l *Ledger) Location() *time.Location {
	return l.loc
}
