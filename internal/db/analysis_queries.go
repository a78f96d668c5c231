package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HanTheDev/funnel-insights/internal/models"
)

func (db *DB) GetFunnel(ctx context.Context, funnelID string) (*models.Funnel, error) {
	var f models.Funnel
	err := db.q(ctx).QueryRow(ctx, `
        SELECT id, user_id, organization_id, name, created_at
        FROM funnels
        WHERE id = $1
    `, funnelID).Scan(&f.ID, &f.UserID, &f.OrganizationID, &f.Name, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err, "funnel")
	}
	return &f, nil
}

// GetDataset returns the funnel's dataset for periodStart, or the most
// recent one when periodStart is nil.
func (db *DB) GetDataset(ctx context.Context, funnelID string, periodStart *time.Time) (*models.Dataset, error) {
	query := `
        SELECT funnel_id, period_start, period_end, metrics
        FROM funnel_datasets
        WHERE funnel_id = $1`
	args := []any{funnelID}
	if periodStart != nil {
		query += ` AND period_start = $2`
		args = append(args, *periodStart)
	} else {
		query += ` ORDER BY period_start DESC LIMIT 1`
	}

	var (
		d       models.Dataset
		metrics []byte
	)
	err := db.q(ctx).QueryRow(ctx, query, args...).Scan(&d.FunnelID, &d.PeriodStart, &d.PeriodEnd, &metrics)
	if err != nil {
		return nil, notFound(err, "dataset")
	}
	if err := json.Unmarshal(metrics, &d.Metrics); err != nil {
		return nil, fmt.Errorf("decode dataset metrics: %w", err)
	}
	return &d, nil
}

func (db *DB) InsertAnalysisRecord(ctx context.Context, r *models.AnalysisRecord) error {
	output, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Errorf("encode analysis output: %w", err)
	}

	var parentID, strategy *string
	if r.ParentID != "" {
		parentID = &r.ParentID
	}
	if r.SelectedStrategy != nil {
		s := string(*r.SelectedStrategy)
		strategy = &s
	}

	_, err = db.q(ctx).Exec(ctx, `
        INSERT INTO analysis_records (id, user_id, funnel_id, dataset_period_start, step, parent_id, output, selected_strategy, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `,
		r.ID,
		r.UserID,
		r.FunnelID,
		r.DatasetPeriodStart,
		int(r.Step),
		parentID,
		string(output),
		strategy,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analysis record: %w", err)
	}
	return nil
}

const analysisColumns = `id, user_id, funnel_id, dataset_period_start, step, COALESCE(parent_id, ''), output, selected_strategy, created_at`

func (db *DB) GetAnalysisRecord(ctx context.Context, id string) (*models.AnalysisRecord, error) {
	row := db.q(ctx).QueryRow(ctx, `SELECT `+analysisColumns+` FROM analysis_records WHERE id = $1`, id)
	r, err := scanAnalysisRecord(row)
	if err != nil {
		return nil, notFound(err, "analysis record")
	}
	return r, nil
}

// ListAnalysisRecords returns matching records, newest first.
func (db *DB) ListAnalysisRecords(ctx context.Context, f models.AnalysisFilter) ([]*models.AnalysisRecord, error) {
	query := `SELECT ` + analysisColumns + ` FROM analysis_records WHERE user_id = $1`
	args := []any{f.UserID}

	if f.FunnelID != "" {
		args = append(args, f.FunnelID)
		query += fmt.Sprintf(` AND funnel_id = $%d`, len(args))
	}
	if f.PeriodStart != nil {
		args = append(args, *f.PeriodStart)
		query += fmt.Sprintf(` AND dataset_period_start = $%d`, len(args))
	}
	if f.Step != 0 {
		args = append(args, int(f.Step))
		query += fmt.Sprintf(` AND step = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query analysis records: %w", err)
	}
	defer rows.Close()

	var records []*models.AnalysisRecord
	for rows.Next() {
		r, err := scanAnalysisRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis records: %w", err)
	}
	return records, nil
}

func (db *DB) DeleteAnalysisRecords(ctx context.Context, userID string) (int64, error) {
	tag, err := db.q(ctx).Exec(ctx, `DELETE FROM analysis_records WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete analysis records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAnalysisRecord(row pgx.Row) (*models.AnalysisRecord, error) {
	var (
		r        models.AnalysisRecord
		step     int16
		output   []byte
		strategy *string
	)
	if err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.FunnelID,
		&r.DatasetPeriodStart,
		&step,
		&r.ParentID,
		&output,
		&strategy,
		&r.CreatedAt,
	); err != nil {
		return nil, err
	}

	r.Step = models.Step(step)
	out, err := models.DecodeOutput(r.Step, output)
	if err != nil {
		return nil, err
	}
	r.Output = out
	if strategy != nil {
		s := models.Strategy(*strategy)
		r.SelectedStrategy = &s
	}
	return &r, nil
}
