package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

// InsertUsageEvents appends events with COPY. Callers wanting the insert to
// be atomic with other writes run it inside RunInTx.
func (db *DB) InsertUsageEvents(ctx context.Context, events []*models.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for _, e := range events {
		var sessionID *string
		if e.SessionID != "" {
			sessionID = &e.SessionID
		}
		rows = append(rows, []any{
			e.ID,
			e.UserID,
			sessionID,
			string(e.UsageType),
			e.RequestCount,
			e.TokenCount,
			e.Cost,
			e.UsageDate,
			e.CreatedAt,
		})
	}

	n, err := db.q(ctx).CopyFrom(ctx,
		pgx.Identifier{"usage_events"},
		[]string{"id", "user_id", "session_id", "usage_type", "request_count", "token_count", "cost", "usage_date", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy usage events: %w", err)
	}
	if int(n) != len(events) {
		return fmt.Errorf("copy usage events: wrote %d of %d rows", n, len(events))
	}
	return nil
}

func (db *DB) ListUsageEvents(ctx context.Context, userID string, since, until time.Time) ([]*models.UsageEvent, error) {
	rows, err := db.q(ctx).Query(ctx, `
        SELECT id, user_id, COALESCE(session_id, ''), usage_type, request_count, token_count, cost, usage_date, created_at
        FROM usage_events
        WHERE user_id = $1 AND usage_date >= $2 AND usage_date < $3
        ORDER BY created_at DESC
    `, userID, since, until)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []*models.UsageEvent
	for rows.Next() {
		var (
			e         models.UsageEvent
			usageType string
		)
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.SessionID,
			&usageType,
			&e.RequestCount,
			&e.TokenCount,
			&e.Cost,
			&e.UsageDate,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		e.UsageType = models.UsageType(usageType)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage events: %w", err)
	}
	return events, nil
}

func (db *DB) SummarizeUsage(ctx context.Context, userID string, since, until time.Time) (*models.UsageSummary, error) {
	s := models.UsageSummary{UserID: userID, Since: since, Until: until}
	err := db.q(ctx).QueryRow(ctx, `
        SELECT
            COALESCE(SUM(request_count), 0),
            COALESCE(SUM(token_count), 0),
            COALESCE(SUM(cost), 0),
            COUNT(*)
        FROM usage_events
        WHERE user_id = $1 AND usage_date >= $2 AND usage_date < $3
    `, userID, since, until).Scan(&s.RequestCount, &s.TokenCount, &s.Cost, &s.EventCount)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	return &s, nil
}
