package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/funnel-insights/internal/db"
	"github.com/HanTheDev/funnel-insights/internal/db/memstore"
	"github.com/HanTheDev/funnel-insights/internal/models"
)

var day = time.Date(2026, time.May, 10, 0, 0, 0, 0, time.UTC)

func TestRunInTxRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.InsertUsageEvents(ctx, []*models.UsageEvent{{ID: "e1", UserID: "u1", RequestCount: 1, UsageDate: day}}))
		_, err := s.GetOrCreateQuotaProfile(ctx, &models.QuotaProfile{UserID: "u1", DailyLimit: 5}, true)
		require.NoError(t, err)
		// Nested calls join the outer transaction.
		return s.RunInTx(ctx, func(ctx context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)

	events, err := s.ListUsageEvents(ctx, "u1", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, events)
	_, ok := s.QuotaProfile("u1")
	assert.False(t, ok)
}

func TestFailNextIsOneShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	boom := errors.New("disk full")
	s.FailNextWrite(boom)

	rec := &models.AnalysisRecord{ID: "a1", UserID: "u1", Step: models.StepKeyInsights}
	require.ErrorIs(t, s.InsertAnalysisRecord(ctx, rec), boom)
	require.NoError(t, s.InsertAnalysisRecord(ctx, rec))
	assert.Error(t, s.InsertAnalysisRecord(ctx, rec), "duplicate id")
}

func TestGetDataset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	april := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	may := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	s.AddDataset(models.Dataset{FunnelID: "f1", PeriodStart: may})
	s.AddDataset(models.Dataset{FunnelID: "f1", PeriodStart: april})

	d, err := s.GetDataset(ctx, "f1", nil)
	require.NoError(t, err)
	assert.Equal(t, may, d.PeriodStart, "latest period by default")

	d, err = s.GetDataset(ctx, "f1", &april)
	require.NoError(t, err)
	assert.Equal(t, april, d.PeriodStart)

	june := may.AddDate(0, 1, 0)
	_, err = s.GetDataset(ctx, "f1", &june)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = s.GetFunnel(ctx, "nope")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestListAnalysisRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	for i, step := range []models.Step{models.StepKeyInsights, models.StepStrategies, models.StepReport} {
		require.NoError(t, s.InsertAnalysisRecord(ctx, &models.AnalysisRecord{
			ID:        string(rune('a' + i)),
			UserID:    "u1",
			FunnelID:  "f1",
			Step:      step,
			CreatedAt: day.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.InsertAnalysisRecord(ctx, &models.AnalysisRecord{ID: "other", UserID: "u2", Step: models.StepReport}))

	all, err := s.ListAnalysisRecords(ctx, models.AnalysisFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	reports, err := s.ListAnalysisRecords(ctx, models.AnalysisFilter{UserID: "u1", Step: models.StepReport, Limit: 1})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "c", reports[0].ID)

	n, err := s.DeleteAnalysisRecords(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	_, err = s.GetAnalysisRecord(ctx, "other")
	assert.NoError(t, err)
}

func TestRollbackKeepsWritesOutsideTheTx(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.InsertAnalysisRecord(ctx, &models.AnalysisRecord{ID: "old", UserID: "u1", Step: models.StepKeyInsights}))

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.InsertAnalysisRecord(ctx, &models.AnalysisRecord{ID: "inner", UserID: "u1", Step: models.StepKeyInsights}))
		n, err := s.DeleteAnalysisRecords(ctx, "u1")
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		done := make(chan error, 1)
		go func() {
			done <- s.InsertAnalysisRecord(context.Background(), &models.AnalysisRecord{ID: "outer", UserID: "u2", Step: models.StepKeyInsights})
		}()
		require.NoError(t, <-done)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetAnalysisRecord(ctx, "outer")
	assert.NoError(t, err, "committed write outside the transaction survives")
	_, err = s.GetAnalysisRecord(ctx, "old")
	assert.NoError(t, err, "delete inside the transaction is undone")
	_, err = s.GetAnalysisRecord(ctx, "inner")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestFailNextWriteFromAnotherGoroutine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := memstore.New()
	boom := errors.New("disk full")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.FailNextWrite(boom)
	}()
	<-done

	err := s.InsertUsageEvents(ctx, []*models.UsageEvent{{ID: "e1", UserID: "u1", RequestCount: 1, UsageDate: day}})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.InsertUsageEvents(ctx, []*models.UsageEvent{{ID: "e1", UserID: "u1", RequestCount: 1, UsageDate: day}}))
}
