// Package memstore is an in-memory implementation of the db store, used by
// tests and by `serve --dev`.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HanTheDev/funnel-insights/internal/db"
	"github.com/HanTheDev/funnel-insights/internal/models"
)

type Store struct {
	// txMu serialises transactions, which gives RunInTx the same per-user
	// exclusion as row locks in Postgres.
	txMu sync.Mutex

	mu       sync.RWMutex
	profiles map[string]models.QuotaProfile
	events   []models.UsageEvent
	records  map[string]models.AnalysisRecord
	funnels  map[string]models.Funnel
	datasets map[string][]models.Dataset

	failNext error
}

func New() *Store {
	return &Store{
		profiles: make(map[string]models.QuotaProfile),
		records:  make(map[string]models.AnalysisRecord),
		funnels:  make(map[string]models.Funnel),
		datasets: make(map[string][]models.Dataset),
	}
}

type txKey struct{}

// txLog holds the undo steps of one transaction. Only writes made through
// the transaction's context are undone, so a concurrent write outside it
// survives a rollback.
type txLog struct {
	undo []func()
}

func txFrom(ctx context.Context) *txLog {
	l, _ := ctx.Value(txKey{}).(*txLog)
	return l
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	l := &txLog{}
	if err := fn(context.WithValue(ctx, txKey{}, l)); err != nil {
		s.rollback(l)
		return err
	}
	return nil
}

// onRollback registers undo for a write made under ctx. Callers hold mu.
func (s *Store) onRollback(ctx context.Context, undo func()) {
	if l := txFrom(ctx); l != nil {
		l.undo = append(l.undo, undo)
	}
}

func (s *Store) rollback(l *txLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(l.undo) - 1; i >= 0; i-- {
		l.undo[i]()
	}
}

// FailNextWrite makes the next write return err, once.
func (s *Store) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// failWrite consumes a pending injected failure. Callers hold mu.
func (s *Store) failWrite() error {
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	return nil
}

// AddFunnel seeds a funnel owned by an external CRUD service.
func (s *Store) AddFunnel(f models.Funnel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funnels[f.ID] = f
}

func (s *Store) AddDataset(d models.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[d.FunnelID] = append(s.datasets[d.FunnelID], d)
}

// QuotaProfile returns a copy of the stored profile, for assertions.
func (s *Store) QuotaProfile(userID string) (models.QuotaProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	return p, ok
}

// PutQuotaProfile overwrites a profile, for test setup.
func (s *Store) PutQuotaProfile(p models.QuotaProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

func (s *Store) GetOrCreateQuotaProfile(ctx context.Context, defaults *models.QuotaProfile, forUpdate bool) (*models.QuotaProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[defaults.UserID]
	if !ok {
		p = *defaults
		p.CurrentDaily, p.CurrentMonthly = 0, 0
		p.UpdatedAt = p.CreatedAt
		s.profiles[p.UserID] = p
		id := p.UserID
		s.onRollback(ctx, func() { delete(s.profiles, id) })
	}
	return &p, nil
}

func (s *Store) SaveQuotaProfile(ctx context.Context, p *models.QuotaProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	prev, ok := s.profiles[p.UserID]
	if !ok {
		return fmt.Errorf("quota profile %s: %w", p.UserID, db.ErrNotFound)
	}
	s.profiles[p.UserID] = *p
	s.onRollback(ctx, func() { s.profiles[prev.UserID] = prev })
	return nil
}

func (s *Store) ResetStaleQuotas(ctx context.Context, scope models.QuotaScope, windowStart time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if ctx.Value(txKey{}) == nil {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, p := range s.profiles {
		prev := p
		switch scope {
		case models.ScopeDaily:
			if !p.LastResetDaily.Before(windowStart) {
				continue
			}
			p.CurrentDaily = 0
			p.LastResetDaily = windowStart
		case models.ScopeMonthly:
			if !p.LastResetMonthly.Before(windowStart) {
				continue
			}
			p.CurrentMonthly = 0
			p.LastResetMonthly = windowStart
		default:
			return 0, fmt.Errorf("unknown quota scope %q", scope)
		}
		s.profiles[id] = p
		s.onRollback(ctx, func() { s.profiles[id] = prev })
		n++
	}
	return n, nil
}

func (s *Store) InsertUsageEvents(ctx context.Context, events []*models.UsageEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	ids := make(map[string]bool, len(events))
	for _, e := range events {
		s.events = append(s.events, *e)
		ids[e.ID] = true
	}
	s.onRollback(ctx, func() {
		kept := s.events[:0]
		for _, e := range s.events {
			if !ids[e.ID] {
				kept = append(kept, e)
			}
		}
		s.events = kept
	})
	return nil
}

func (s *Store) ListUsageEvents(ctx context.Context, userID string, since, until time.Time) ([]*models.UsageEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UsageEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.UserID == userID && !e.UsageDate.Before(since) && e.UsageDate.Before(until) {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (s *Store) SummarizeUsage(ctx context.Context, userID string, since, until time.Time) (*models.UsageSummary, error) {
	events, err := s.ListUsageEvents(ctx, userID, since, until)
	if err != nil {
		return nil, err
	}
	sum := &models.UsageSummary{UserID: userID, Since: since, Until: until}
	for _, e := range events {
		sum.RequestCount += int64(e.RequestCount)
		if e.TokenCount != nil {
			sum.TokenCount += *e.TokenCount
		}
		if e.Cost != nil {
			sum.Cost += *e.Cost
		}
		sum.EventCount++
	}
	return sum, nil
}

func (s *Store) GetFunnel(ctx context.Context, funnelID string) (*models.Funnel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.funnels[funnelID]
	if !ok {
		return nil, fmt.Errorf("funnel: %w", db.ErrNotFound)
	}
	return &f, nil
}

func (s *Store) GetDataset(ctx context.Context, funnelID string, periodStart *time.Time) (*models.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Dataset
	for i := range s.datasets[funnelID] {
		d := s.datasets[funnelID][i]
		if periodStart != nil {
			if d.PeriodStart.Equal(*periodStart) {
				return &d, nil
			}
			continue
		}
		if best == nil || d.PeriodStart.After(best.PeriodStart) {
			best = &d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("dataset: %w", db.ErrNotFound)
	}
	return best, nil
}

func (s *Store) InsertAnalysisRecord(ctx context.Context, r *models.AnalysisRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWrite(); err != nil {
		return err
	}
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("analysis record %s already exists", r.ID)
	}
	s.records[r.ID] = *r
	id := r.ID
	s.onRollback(ctx, func() { delete(s.records, id) })
	return nil
}

func (s *Store) GetAnalysisRecord(ctx context.Context, id string) (*models.AnalysisRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("analysis record: %w", db.ErrNotFound)
	}
	return &r, nil
}

func (s *Store) ListAnalysisRecords(ctx context.Context, f models.AnalysisFilter) ([]*models.AnalysisRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AnalysisRecord
	for _, r := range s.records {
		if r.UserID != f.UserID {
			continue
		}
		if f.FunnelID != "" && r.FunnelID != f.FunnelID {
			continue
		}
		if f.PeriodStart != nil && !r.DatasetPeriodStart.Equal(*f.PeriodStart) {
			continue
		}
		if f.Step != 0 && r.Step != f.Step {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) DeleteAnalysisRecords(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.UserID == userID {
			delete(s.records, id)
			s.onRollback(ctx, func() { s.records[id] = r })
			n++
		}
	}
	return n, nil
}
