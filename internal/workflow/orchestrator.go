// Package workflow runs the three-step analysis: free key insights, then paid
// strategy options, then a paid complete report for one chosen strategy.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/HanTheDev/funnel-insights/internal/analyzer"
	"github.com/HanTheDev/funnel-insights/internal/apperr"
	"github.com/HanTheDev/funnel-insights/internal/db"
	"github.com/HanTheDev/funnel-insights/internal/ledger"
	"github.com/HanTheDev/funnel-insights/internal/metrics"
	"github.com/HanTheDev/funnel-insights/internal/models"
	"github.com/HanTheDev/funnel-insights/internal/quota"
)

type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetFunnel(ctx context.Context, funnelID string) (*models.Funnel, error)
	GetDataset(ctx context.Context, funnelID string, periodStart *time.Time) (*models.Dataset, error)
	InsertAnalysisRecord(ctx context.Context, r *models.AnalysisRecord) error
	GetAnalysisRecord(ctx context.Context, id string) (*models.AnalysisRecord, error)
	ListAnalysisRecords(ctx context.Context, f models.AnalysisFilter) ([]*models.AnalysisRecord, error)
	DeleteAnalysisRecords(ctx context.Context, userID string) (int64, error)
}

type Quota interface {
	CheckLimit(ctx context.Context, userID string) (*models.QuotaStatus, error)
	Consume(ctx context.Context, userID string, n int) (*quota.Charge, error)
	Refund(ctx context.Context, c *quota.Charge) error
}

type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) (*models.UsageEvent, error)
}

type Orchestrator struct {
	store    Store
	quota    Quota
	ledger   Recorder
	analyzer analyzer.Analyzer
	timeout  time.Duration
	clock    quartz.Clock
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Orchestrator)

func WithClock(clock quartz.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithCallTimeout bounds each analyzer call. Zero leaves it to the analyzer.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func New(store Store, q Quota, rec Recorder, a analyzer.Analyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		quota:    q,
		ledger:   rec,
		analyzer: a,
		timeout:  60 * time.Second,
		clock:    quartz.NewReal(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With().Str("component", "workflow").Logger()
	return o
}

// GenerateKeyInsights runs the free first step for the given dataset period,
// or the latest one when periodStart is nil. Running it again for the same
// period stores a fresh record.
func (o *Orchestrator) GenerateKeyInsights(ctx context.Context, userID, funnelID string, periodStart *time.Time) (*models.AnalysisRecord, error) {
	if userID == "" || funnelID == "" {
		return nil, apperr.Validation("user id and funnel id are required")
	}
	funnel, err := o.ownedFunnel(ctx, userID, funnelID)
	if err != nil {
		return nil, err
	}
	dataset, err := o.store.GetDataset(ctx, funnelID, periodStart)
	if err != nil {
		return nil, o.lookupErr(err, "dataset for funnel %s", funnelID)
	}

	req := analyzer.Request{Step: models.StepKeyInsights, Funnel: funnel, Dataset: dataset}
	res, err := o.generate(ctx, req)
	if err != nil {
		o.metrics.Generation(req.Step.String(), outcome(err))
		return nil, apperr.Collaborator(err, "key insights generation failed")
	}
	out, err := analyzer.DecodeOutput(req.Step, res.Output)
	if err != nil {
		o.metrics.Generation(req.Step.String(), "invalid")
		return nil, apperr.Collaborator(err, "key insights response was not usable")
	}

	rec := o.newRecord(userID, funnelID, dataset.PeriodStart, req.Step, "", out, nil)
	if err := o.store.InsertAnalysisRecord(context.WithoutCancel(ctx), rec); err != nil {
		return nil, apperr.Internal(err, "save key insights")
	}
	o.metrics.Generation(req.Step.String(), "success")
	o.log.Info().Str("user_id", userID).Str("funnel_id", funnelID).Str("analysis_id", rec.ID).Msg("key insights generated")
	return rec, nil
}

// GenerateStrategyOptions spends one quota unit to turn a key insights
// record into a stable and an aggressive strategy.
func (o *Orchestrator) GenerateStrategyOptions(ctx context.Context, userID, analysisID, funnelID string) (*models.AnalysisRecord, error) {
	if userID == "" || analysisID == "" || funnelID == "" {
		return nil, apperr.Validation("user id, analysis id and funnel id are required")
	}
	parent, funnel, dataset, err := o.chainFrom(ctx, userID, analysisID, funnelID, models.StepKeyInsights)
	if err != nil {
		return nil, err
	}
	return o.runPaid(ctx, userID, analyzer.Request{
		Step:     models.StepStrategies,
		Funnel:   funnel,
		Dataset:  dataset,
		Previous: parent,
	})
}

// GenerateCompleteReport spends one quota unit to write the full report for
// the chosen strategy of a strategy options record.
func (o *Orchestrator) GenerateCompleteReport(ctx context.Context, userID, analysisID, funnelID string, strategy models.Strategy) (*models.AnalysisRecord, error) {
	if !strategy.Valid() {
		return nil, apperr.Validation("selected strategy must be %q or %q, got %q", models.StrategyStable, models.StrategyAggressive, strategy)
	}
	if userID == "" || analysisID == "" || funnelID == "" {
		return nil, apperr.Validation("user id, analysis id and funnel id are required")
	}
	parent, funnel, dataset, err := o.chainFrom(ctx, userID, analysisID, funnelID, models.StepStrategies)
	if err != nil {
		return nil, err
	}
	return o.runPaid(ctx, userID, analyzer.Request{
		Step:     models.StepReport,
		Funnel:   funnel,
		Dataset:  dataset,
		Previous: parent,
		Strategy: strategy,
	})
}

// runPaid charges before calling the analyzer. A call that never produced a
// response is refunded; any answer, usable or not, is billed.
func (o *Orchestrator) runPaid(ctx context.Context, userID string, req analyzer.Request) (*models.AnalysisRecord, error) {
	step := req.Step.String()
	if _, err := o.quota.CheckLimit(ctx, userID); err != nil {
		o.metrics.Generation(step, "denied")
		return nil, err
	}
	charge, err := o.quota.Consume(ctx, userID, 1)
	if err != nil {
		o.metrics.Generation(step, "denied")
		return nil, err
	}

	// From here on the caller going away must not lose the charge bookkeeping.
	bg := context.WithoutCancel(ctx)
	recordID := uuid.NewString()

	res, err := o.generate(ctx, req)
	if err != nil {
		o.metrics.Generation(step, outcome(err))
		if analyzer.IsIncomplete(err) {
			if rerr := o.quota.Refund(bg, charge); rerr != nil {
				o.log.Error().Err(rerr).Str("user_id", userID).Msg("refund after incomplete analyzer call failed")
			}
			return nil, apperr.Collaborator(err, "%s generation did not complete", step)
		}
		var re *analyzer.ResponseError
		var tokens *int64
		if errors.As(err, &re) {
			tokens = re.TokenCount
		}
		o.recordBilled(bg, userID, recordID, tokens, nil)
		return nil, apperr.Collaborator(err, "%s generation failed", step)
	}

	out, err := analyzer.DecodeOutput(req.Step, res.Output)
	if err != nil {
		o.metrics.Generation(step, "invalid")
		o.recordBilled(bg, userID, recordID, res.TokenCount, res.Cost)
		return nil, apperr.Collaborator(err, "%s response was not usable", step)
	}

	var selected *models.Strategy
	if req.Step == models.StepReport {
		s := req.Strategy
		selected = &s
	}
	rec := o.newRecord(userID, req.Previous.FunnelID, req.Previous.DatasetPeriodStart, req.Step, req.Previous.ID, out, selected)
	rec.ID = recordID

	err = o.store.RunInTx(bg, func(ctx context.Context) error {
		if _, err := o.ledger.Record(ctx, o.usageEntry(userID, recordID, res.TokenCount, res.Cost)); err != nil {
			return err
		}
		if err := o.store.InsertAnalysisRecord(ctx, rec); err != nil {
			return apperr.Internal(err, "save %s", step)
		}
		return nil
	})
	if err != nil {
		o.metrics.Generation(step, "unsaved")
		o.log.Error().Err(err).Str("user_id", userID).Str("step", step).Msg("generated analysis could not be saved")
		// The unit stays charged, so the usage event must exist on its own.
		o.recordBilled(bg, userID, recordID, res.TokenCount, res.Cost)
		return nil, err
	}

	o.metrics.Generation(step, "success")
	o.log.Info().
		Str("user_id", userID).
		Str("funnel_id", rec.FunnelID).
		Str("analysis_id", rec.ID).
		Str("parent_id", rec.ParentID).
		Str("step", step).
		Msg("analysis step generated")
	return rec, nil
}

func (o *Orchestrator) usageEntry(userID, recordID string, tokens *int64, cost *float64) ledger.Entry {
	return ledger.Entry{
		UserID:       userID,
		SessionID:    recordID,
		UsageType:    models.UsageAnalysis,
		RequestCount: 1,
		TokenCount:   tokens,
		Cost:         cost,
	}
}

// recordBilled writes the usage event for a call that answered but produced
// nothing to store.
func (o *Orchestrator) recordBilled(ctx context.Context, userID, recordID string, tokens *int64, cost *float64) {
	if _, err := o.ledger.Record(ctx, o.usageEntry(userID, recordID, tokens, cost)); err != nil {
		o.log.Error().Err(err).Str("user_id", userID).Msg("usage event for failed generation not recorded")
	}
}

// generate calls the analyzer detached from the caller's cancellation, so a
// response that arrives after the caller left is still handled.
func (o *Orchestrator) generate(ctx context.Context, req analyzer.Request) (*analyzer.Result, error) {
	callCtx := context.WithoutCancel(ctx)
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, o.timeout)
		defer cancel()
	}
	return o.analyzer.Generate(callCtx, req)
}

// chainFrom loads the record a paid step builds on and checks it is the
// expected step, owned by userID and attached to funnelID.
func (o *Orchestrator) chainFrom(ctx context.Context, userID, analysisID, funnelID string, want models.Step) (*models.AnalysisRecord, *models.Funnel, *models.Dataset, error) {
	parent, err := o.store.GetAnalysisRecord(ctx, analysisID)
	if err != nil {
		return nil, nil, nil, o.lookupErr(err, "%s analysis %s", want, analysisID)
	}
	if parent.UserID != userID || parent.FunnelID != funnelID || parent.Step != want {
		return nil, nil, nil, apperr.NotFound("%s analysis %s not found", want, analysisID)
	}
	funnel, err := o.ownedFunnel(ctx, userID, funnelID)
	if err != nil {
		return nil, nil, nil, err
	}
	period := parent.DatasetPeriodStart
	dataset, err := o.store.GetDataset(ctx, funnelID, &period)
	if err != nil {
		return nil, nil, nil, o.lookupErr(err, "dataset for funnel %s", funnelID)
	}
	return parent, funnel, dataset, nil
}

func (o *Orchestrator) ownedFunnel(ctx context.Context, userID, funnelID string) (*models.Funnel, error) {
	f, err := o.store.GetFunnel(ctx, funnelID)
	if err != nil {
		return nil, o.lookupErr(err, "funnel %s", funnelID)
	}
	if f.UserID != userID {
		return nil, apperr.NotFound("funnel %s not found", funnelID)
	}
	return f, nil
}

func (o *Orchestrator) newRecord(userID, funnelID string, period time.Time, step models.Step, parentID string, out models.Output, strategy *models.Strategy) *models.AnalysisRecord {
	return &models.AnalysisRecord{
		ID:                 uuid.NewString(),
		UserID:             userID,
		FunnelID:           funnelID,
		DatasetPeriodStart: period,
		Step:               step,
		ParentID:           parentID,
		Output:             out,
		SelectedStrategy:   strategy,
		CreatedAt:          o.clock.Now(),
	}
}

func (o *Orchestrator) lookupErr(err error, format string, args ...any) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound(format+" not found", args...)
	}
	return apperr.Internal(err, "load "+format, args...)
}

func outcome(err error) string {
	if analyzer.IsIncomplete(err) {
		return "incomplete"
	}
	return "failed"
}
