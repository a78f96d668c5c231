package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/HanTheDev/funnel-insights/internal/apperr"
	"github.com/HanTheDev/funnel-insights/internal/db"
	"github.com/HanTheDev/funnel-insights/internal/models"
)

// Status is where one (user, funnel, period) chain stands.
type Status struct {
	FunnelID    string     `json:"funnel_id"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	// Latest record per step, nil when the step has not run.
	KeyInsights *models.AnalysisRecord `json:"key_insights,omitempty"`
	Strategies  *models.AnalysisRecord `json:"strategy_options,omitempty"`
	Report      *models.AnalysisRecord `json:"complete_report,omitempty"`
	Completed   []models.Step          `json:"completed_steps"`
	// NextStep is the first step without a record, or 0 when all three ran.
	NextStep models.Step `json:"next_step"`
}

// GetAnalysisStatus reports which steps have records for periodStart. With
// no period it uses the period of the funnel's newest analysis, falling back
// to the newest dataset.
func (o *Orchestrator) GetAnalysisStatus(ctx context.Context, userID, funnelID string, periodStart *time.Time) (*Status, error) {
	if userID == "" || funnelID == "" {
		return nil, apperr.Validation("user id and funnel id are required")
	}
	if _, err := o.ownedFunnel(ctx, userID, funnelID); err != nil {
		return nil, err
	}

	st := &Status{FunnelID: funnelID, Completed: []models.Step{}}
	if periodStart == nil {
		p, err := o.latestPeriod(ctx, userID, funnelID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			st.NextStep = models.StepKeyInsights
			return st, nil
		}
		periodStart = p
	}
	period := *periodStart
	st.PeriodStart = &period

	recs, err := o.store.ListAnalysisRecords(ctx, models.AnalysisFilter{
		UserID:      userID,
		FunnelID:    funnelID,
		PeriodStart: &period,
	})
	if err != nil {
		return nil, apperr.Internal(err, "list analyses")
	}
	// Records come newest first, so the first seen per step is the latest.
	for _, r := range recs {
		switch r.Step {
		case models.StepKeyInsights:
			if st.KeyInsights == nil {
				st.KeyInsights = r
			}
		case models.StepStrategies:
			if st.Strategies == nil {
				st.Strategies = r
			}
		case models.StepReport:
			if st.Report == nil {
				st.Report = r
			}
		}
	}

	for i, rec := range []*models.AnalysisRecord{st.KeyInsights, st.Strategies, st.Report} {
		if rec != nil {
			st.Completed = append(st.Completed, models.Step(i+1))
		}
	}
	switch {
	case st.KeyInsights == nil:
		st.NextStep = models.StepKeyInsights
	case st.Strategies == nil:
		st.NextStep = models.StepStrategies
	case st.Report == nil:
		st.NextStep = models.StepReport
	}
	return st, nil
}

func (o *Orchestrator) latestPeriod(ctx context.Context, userID, funnelID string) (*time.Time, error) {
	recs, err := o.store.ListAnalysisRecords(ctx, models.AnalysisFilter{UserID: userID, FunnelID: funnelID, Limit: 1})
	if err != nil {
		return nil, apperr.Internal(err, "list analyses")
	}
	if len(recs) > 0 {
		p := recs[0].DatasetPeriodStart
		return &p, nil
	}
	ds, err := o.store.GetDataset(ctx, funnelID, nil)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(err, "load latest dataset")
	}
	p := ds.PeriodStart
	return &p, nil
}

// ListReports returns the user's complete reports, newest first. limit <= 0
// means no limit.
func (o *Orchestrator) ListReports(ctx context.Context, userID string, limit int) ([]*models.AnalysisRecord, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	recs, err := o.store.ListAnalysisRecords(ctx, models.AnalysisFilter{UserID: userID, Step: models.StepReport, Limit: limit})
	if err != nil {
		return nil, apperr.Internal(err, "list reports")
	}
	if recs == nil {
		recs = []*models.AnalysisRecord{}
	}
	return recs, nil
}

// GetReportByID returns one complete report. Ids of other users' records or
// of earlier steps are reported as not found.
func (o *Orchestrator) GetReportByID(ctx context.Context, userID, reportID string) (*models.AnalysisRecord, error) {
	if userID == "" || reportID == "" {
		return nil, apperr.Validation("user id and report id are required")
	}
	rec, err := o.store.GetAnalysisRecord(ctx, reportID)
	if err != nil {
		return nil, o.lookupErr(err, "report %s", reportID)
	}
	if rec.UserID != userID || rec.Step != models.StepReport {
		return nil, apperr.NotFound("report %s not found", reportID)
	}
	return rec, nil
}

// ClearAll deletes every analysis record of the user. Quota and usage
// history are left alone.
func (o *Orchestrator) ClearAll(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, apperr.Validation("user id is required")
	}
	n, err := o.store.DeleteAnalysisRecords(ctx, userID)
	if err != nil {
		return 0, apperr.Internal(err, "clear analyses")
	}
	o.log.Info().Str("user_id", userID).Int64("deleted", n).Msg("analyses cleared")
	return n, nil
}
