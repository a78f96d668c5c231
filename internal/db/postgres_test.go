package db_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/funnel-insights/internal/apperr"
	"github.com/HanTheDev/funnel-insights/internal/db"
	"github.com/HanTheDev/funnel-insights/internal/models"
	"github.com/HanTheDev/funnel-insights/internal/quota"
)

// openTestDB connects to DATABASE_URL and applies migrations. Tests are
// skipped without it. Every test uses fresh ids, so the database can be shared.
func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	_, err := db.Migrate(url)
	require.NoError(t, err)

	database, err := db.NewDB(context.Background(), url, 10*time.Second, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(database.Close)
	return database
}

func defaults(userID string, lastReset time.Time) *models.QuotaProfile {
	return &models.QuotaProfile{
		UserID:           userID,
		DailyLimit:       3,
		MonthlyLimit:     100,
		LastResetDaily:   lastReset,
		LastResetMonthly: lastReset,
		IsActive:         true,
		CreatedAt:        lastReset,
	}
}

func TestQuotaProfileCreateSaveRollback(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	uid := uuid.NewString()
	day := quota.DayStart(time.Now(), time.UTC)

	p, err := database.GetOrCreateQuotaProfile(ctx, defaults(uid, day), false)
	require.NoError(t, err)
	assert.Equal(t, 3, p.DailyLimit)
	assert.Zero(t, p.CurrentDaily)

	// A second call with other defaults keeps the stored row.
	other := defaults(uid, day)
	other.DailyLimit = 50
	p, err = database.GetOrCreateQuotaProfile(ctx, other, false)
	require.NoError(t, err)
	assert.Equal(t, 3, p.DailyLimit)

	boom := errors.New("boom")
	err = database.RunInTx(ctx, func(ctx context.Context) error {
		p, err := database.GetOrCreateQuotaProfile(ctx, defaults(uid, day), true)
		require.NoError(t, err)
		p.CurrentDaily = 2
		require.NoError(t, database.SaveQuotaProfile(ctx, p))
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err = database.GetOrCreateQuotaProfile(ctx, defaults(uid, day), false)
	require.NoError(t, err)
	assert.Zero(t, p.CurrentDaily, "rolled back")

	missing := defaults(uuid.NewString(), day)
	assert.ErrorIs(t, database.SaveQuotaProfile(ctx, missing), db.ErrNotFound)
}

func TestResetStaleQuotas(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	day := quota.DayStart(time.Now(), time.UTC)

	stale, fresh := uuid.NewString(), uuid.NewString()
	for uid, last := range map[string]time.Time{stale: day.AddDate(0, 0, -1), fresh: day} {
		p, err := database.GetOrCreateQuotaProfile(ctx, defaults(uid, last), false)
		require.NoError(t, err)
		p.CurrentDaily, p.CurrentMonthly = 2, 2
		p.UpdatedAt = last
		require.NoError(t, database.SaveQuotaProfile(ctx, p))
	}

	n, err := database.ResetStaleQuotas(ctx, models.ScopeDaily, day)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	p, err := database.GetOrCreateQuotaProfile(ctx, defaults(stale, day), false)
	require.NoError(t, err)
	assert.Zero(t, p.CurrentDaily)
	assert.Equal(t, 2, p.CurrentMonthly, "monthly counter untouched")
	assert.True(t, p.LastResetDaily.Equal(day))

	p, err = database.GetOrCreateQuotaProfile(ctx, defaults(fresh, day), false)
	require.NoError(t, err)
	assert.Equal(t, 2, p.CurrentDaily)

	_, err = database.ResetStaleQuotas(ctx, models.QuotaScope("weekly"), day)
	assert.Error(t, err)
}

func TestConcurrentConsumeHoldsRowLock(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	uid := uuid.NewString()
	tracker := quota.NewTracker(database, quota.Config{DailyLimit: 3, MonthlyLimit: 100, Location: time.UTC})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		exceeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.Consume(ctx, uid, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.KindOf(err) == apperr.KindQuotaExceeded:
				exceeded++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, exceeded)
	st, err := tracker.GetStatus(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, 3, st.CurrentDaily)
}

func TestUsageEventsSummary(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	uid := uuid.NewString()
	day := quota.DayStart(time.Now(), time.UTC)
	tokens := int64(40)
	cost := 0.25

	require.NoError(t, database.InsertUsageEvents(ctx, []*models.UsageEvent{
		{ID: uuid.NewString(), UserID: uid, UsageType: models.UsageAnalysis, RequestCount: 1, TokenCount: &tokens, Cost: &cost, UsageDate: day, CreatedAt: day},
		{ID: uuid.NewString(), UserID: uid, UsageType: models.UsageChat, RequestCount: 2, UsageDate: day, CreatedAt: day},
		{ID: uuid.NewString(), UserID: uid, UsageType: models.UsageChat, RequestCount: 5, UsageDate: day.AddDate(0, 0, -1), CreatedAt: day},
	}))

	sum, err := database.SummarizeUsage(ctx, uid, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 3, sum.RequestCount)
	assert.EqualValues(t, 2, sum.EventCount)
	assert.EqualValues(t, 40, sum.TokenCount)
	assert.InDelta(t, 0.25, sum.Cost, 1e-9)

	events, err := database.ListUsageEvents(ctx, uid, day.AddDate(0, 0, -1), day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestAnalysisRecordsAndDatasets(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	uid, funnelID := uuid.NewString(), uuid.NewString()
	period := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)

	_, err := database.Pool.Exec(ctx, `INSERT INTO funnels (id, user_id, name) VALUES ($1, $2, 'Checkout')`, funnelID, uid)
	require.NoError(t, err)
	_, err = database.Pool.Exec(ctx, `
        INSERT INTO funnel_datasets (funnel_id, period_start, period_end, metrics)
        VALUES ($1, $2, $3, '[{"node":"landing","visitors":100,"conversions":30}]')
    `, funnelID, period, period.AddDate(0, 1, -1))
	require.NoError(t, err)

	d, err := database.GetDataset(ctx, funnelID, &period)
	require.NoError(t, err)
	assert.True(t, d.PeriodStart.Equal(period))
	require.Len(t, d.Metrics, 1)
	assert.EqualValues(t, 30, d.Metrics[0].Conversions)

	june := period.AddDate(0, 2, 0)
	_, err = database.GetDataset(ctx, funnelID, &june)
	assert.ErrorIs(t, err, db.ErrNotFound)

	insights := &models.AnalysisRecord{
		ID:                 uuid.NewString(),
		UserID:             uid,
		FunnelID:           funnelID,
		DatasetPeriodStart: period,
		Step:               models.StepKeyInsights,
		Output:             models.Output{KeyInsights: &models.KeyInsights{Summary: "s", Insights: []models.Insight{{Title: "t", Detail: "d"}}}},
		CreatedAt:          time.Now(),
	}
	require.NoError(t, database.InsertAnalysisRecord(ctx, insights))

	// Only step 3 carries a strategy, and it must.
	report := &models.AnalysisRecord{
		ID:                 uuid.NewString(),
		UserID:             uid,
		FunnelID:           funnelID,
		DatasetPeriodStart: period,
		Step:               models.StepReport,
		ParentID:           insights.ID,
		Output:             models.Output{Report: &models.CompleteReport{Title: "r"}},
		CreatedAt:          time.Now(),
	}
	assert.Error(t, database.InsertAnalysisRecord(ctx, report))
	stable := models.StrategyStable
	insights2 := *insights
	insights2.ID = uuid.NewString()
	insights2.SelectedStrategy = &stable
	assert.Error(t, database.InsertAnalysisRecord(ctx, &insights2))

	report.SelectedStrategy = &stable
	require.NoError(t, database.InsertAnalysisRecord(ctx, report))

	got, err := database.GetAnalysisRecord(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, insights.ID, got.ParentID)
	require.NotNil(t, got.SelectedStrategy)
	assert.Equal(t, models.StrategyStable, *got.SelectedStrategy)
	require.NotNil(t, got.Output.Report)
	assert.Equal(t, "r", got.Output.Report.Title)

	reports, err := database.ListAnalysisRecords(ctx, models.AnalysisFilter{UserID: uid, Step: models.StepReport})
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	n, err := database.DeleteAnalysisRecords(ctx, uid)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	_, err = database.GetAnalysisRecord(ctx, insights.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
