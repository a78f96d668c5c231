package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/funnel-insights/internal/models"
	"github.com/HanTheDev/funnel-insights/internal/scheduler"
)

type fakeResetter struct {
	mu    sync.Mutex
	calls []models.QuotaScope
	err   error
}

func (f *fakeResetter) PeriodicReset(ctx context.Context, scope models.QuotaScope) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scope)
	if f.err != nil {
		return 0, f.err
	}
	return 7, nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func defaultConfig() scheduler.Config {
	return scheduler.Config{DailySpec: "0 0 * * *", MonthlySpec: "0 0 1 * *", LockTTL: time.Minute}
}

func TestRunOnceWithLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, client := newRedis(t)
	r := &fakeResetter{}

	s, err := scheduler.New(r, defaultConfig(), scheduler.WithLocker(scheduler.NewRedisLock(client)))
	require.NoError(t, err)

	n, ran, err := s.RunOnce(ctx, models.ScopeDaily)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.EqualValues(t, 7, n)
	assert.False(t, mr.Exists("lock:quota-reset:daily"), "lease is released after the sweep")

	// Another instance holds the lease.
	require.NoError(t, mr.Set("lock:quota-reset:daily", "someone-else"))
	_, ran, err = s.RunOnce(ctx, models.ScopeDaily)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Len(t, r.calls, 1)

	// Monthly uses its own lease.
	_, ran, err = s.RunOnce(ctx, models.ScopeMonthly)
	require.NoError(t, err)
	assert.True(t, ran)

	got, err := mr.Get("lock:quota-reset:daily")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got, "a foreign lease is never released")
}

func TestLeaseExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, client := newRedis(t)
	lock := scheduler.NewRedisLock(client)

	_, ok, err := lock.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	release, ok, err := lock.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	release()
	assert.False(t, mr.Exists("lock:k"))
}

func TestRunOnceWithoutLockAndErrors(t *testing.T) {
	t.Parallel()
	r := &fakeResetter{err: errors.New("db down")}
	s, err := scheduler.New(r, defaultConfig())
	require.NoError(t, err)

	_, ran, err := s.RunOnce(context.Background(), models.ScopeMonthly)
	assert.True(t, ran)
	assert.Error(t, err)
}

func TestRedisUnavailable(t *testing.T) {
	t.Parallel()
	mr, client := newRedis(t)
	mr.Close()
	r := &fakeResetter{}
	s, err := scheduler.New(r, defaultConfig(), scheduler.WithLocker(scheduler.NewRedisLock(client)))
	require.NoError(t, err)

	_, ran, err := s.RunOnce(context.Background(), models.ScopeDaily)
	assert.Error(t, err)
	assert.False(t, ran)
	assert.Empty(t, r.calls)
}

func TestInvalidSpec(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.MonthlySpec = "every full moon"
	_, err := scheduler.New(&fakeResetter{}, cfg)
	assert.Error(t, err)
}

func TestNextFollowsLocation(t *testing.T) {
	t.Parallel()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	cfg := defaultConfig()
	cfg.Location = tokyo

	s, err := scheduler.New(&fakeResetter{}, cfg)
	require.NoError(t, err)

	from := time.Date(2026, time.May, 10, 12, 0, 0, 0, time.UTC)
	assert.True(t, time.Date(2026, time.May, 11, 0, 0, 0, 0, tokyo).Equal(s.Next(models.ScopeDaily, from)))
	assert.True(t, time.Date(2026, time.June, 1, 0, 0, 0, 0, tokyo).Equal(s.Next(models.ScopeMonthly, from)))
}

func TestStartRunsCatchUp(t *testing.T) {
	t.Parallel()
	r := &fakeResetter{}
	s, err := scheduler.New(r, defaultConfig())
	require.NoError(t, err)

	s.Start(context.Background())
	<-s.Stop().Done()
	assert.Equal(t, []models.QuotaScope{models.ScopeMonthly, models.ScopeDaily}, r.calls)
}
