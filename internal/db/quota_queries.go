package db

import (
	"context"
	"fmt"
	"time"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

const quotaColumns = `user_id, daily_limit, monthly_limit, current_daily, current_monthly,
        last_reset_daily, last_reset_monthly, is_active, created_at, updated_at`

func (db *DB) GetOrCreateQuotaProfile(ctx context.Context, defaults *models.QuotaProfile, forUpdate bool) (*models.QuotaProfile, error) {
	q := db.q(ctx)

	_, err := q.Exec(ctx, `
        INSERT INTO quota_profiles (user_id, daily_limit, monthly_limit, current_daily, current_monthly,
            last_reset_daily, last_reset_monthly, is_active, created_at, updated_at)
        VALUES ($1, $2, $3, 0, 0, $4, $5, $6, $7, $7)
        ON CONFLICT (user_id) DO NOTHING
    `,
		defaults.UserID,
		defaults.DailyLimit,
		defaults.MonthlyLimit,
		defaults.LastResetDaily,
		defaults.LastResetMonthly,
		defaults.IsActive,
		defaults.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert default quota profile: %w", err)
	}

	query := `SELECT ` + quotaColumns + ` FROM quota_profiles WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var p models.QuotaProfile
	err = q.QueryRow(ctx, query, defaults.UserID).Scan(
		&p.UserID,
		&p.DailyLimit,
		&p.MonthlyLimit,
		&p.CurrentDaily,
		&p.CurrentMonthly,
		&p.LastResetDaily,
		&p.LastResetMonthly,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "quota profile")
	}

	return &p, nil
}

func (db *DB) SaveQuotaProfile(ctx context.Context, p *models.QuotaProfile) error {
	tag, err := db.q(ctx).Exec(ctx, `
        UPDATE quota_profiles
        SET daily_limit = $2, monthly_limit = $3, current_daily = $4, current_monthly = $5,
            last_reset_daily = $6, last_reset_monthly = $7, is_active = $8, updated_at = $9
        WHERE user_id = $1
    `,
		p.UserID,
		p.DailyLimit,
		p.MonthlyLimit,
		p.CurrentDaily,
		p.CurrentMonthly,
		p.LastResetDaily,
		p.LastResetMonthly,
		p.IsActive,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update quota profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("quota profile %s: %w", p.UserID, ErrNotFound)
	}
	return nil
}

// ResetStaleQuotas zeroes the counter for scope on every profile whose
// marker is before windowStart. Rows locked by a concurrent Consume are
// re-checked after the lock is released, so a reset already applied on the
// request path is not repeated.
func (db *DB) ResetStaleQuotas(ctx context.Context, scope models.QuotaScope, windowStart time.Time) (int64, error) {
	var query string
	switch scope {
	case models.ScopeDaily:
		query = `
        UPDATE quota_profiles
        SET current_daily = 0, last_reset_daily = $1, updated_at = NOW()
        WHERE last_reset_daily < $1
    `
	case models.ScopeMonthly:
		query = `
        UPDATE quota_profiles
        SET current_monthly = 0, last_reset_monthly = $1, updated_at = NOW()
        WHERE last_reset_monthly < $1
    `
	default:
		return 0, fmt.Errorf("unknown quota scope %q", scope)
	}

	tag, err := db.q(ctx).Exec(ctx, query, windowStart)
	if err != nil {
		return 0, fmt.Errorf("reset %s quotas: %w", scope, err)
	}
	return tag.RowsAffected(), nil
}
