package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/sms-dispatch/internal/model"
)

type ExpenditureRepositoryInterface interface {
	// Rollup is read-only: one record per completed campaign with a
	// billing department.
	Rollup(ctx context.Context, f model.ExpenditureFilter) ([]model.ExpenditureRecord, error)
	// MarkExported flags the given completed, unexported campaigns and
	// returns the ids it actually changed.
	MarkExported(ctx context.Context, campaignIDs []int, at time.Time) ([]int, error)
	// UnmarkExported releases campaigns whose batch never left.
	UnmarkExported(ctx context.Context, campaignIDs []int) error
}

type ExpenditureRepository struct {
	DB *sql.DB
}

func (r *ExpenditureRepository) Rollup(ctx context.Context, f model.ExpenditureFilter) ([]model.ExpenditureRecord, error) {
	query := `
        SELECT d.id, d.name, d.short_name, d.chart_code, d.account_number, d.object_code,
               c.id,
               LPAD(EXTRACT(MONTH FROM c.created_at)::text, 2, '0') AS month_sent,
               EXTRACT(YEAR FROM c.created_at)::text AS year_sent,
               COALESCE((SELECT SUM(r.cost) FROM recipients r WHERE r.campaign_id = c.id), 0) AS credit_spent,
               c.exported, c.exported_at
        FROM campaigns c
        JOIN departments d ON d.id = c.billing_department_id
        WHERE c.status = $1
    `
	args := []interface{}{model.CampaignCompleted}
	argPos := 2
	if !f.IncludeExported {
		query += ` AND NOT c.exported`
	}
	if f.Year != "" {
		query += fmt.Sprintf(" AND EXTRACT(YEAR FROM c.created_at)::text = $%d", argPos)
		args = append(args, f.Year)
		argPos++
	}
	if f.Month != "" {
		query += fmt.Sprintf(" AND LPAD(EXTRACT(MONTH FROM c.created_at)::text, 2, '0') = $%d", argPos)
		args = append(args, f.Month)
		argPos++
	}
	if f.DepartmentID != 0 {
		query += fmt.Sprintf(" AND d.id = $%d", argPos)
		args = append(args, f.DepartmentID)
	}
	query += ` ORDER BY year_sent, month_sent, d.name, c.id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []model.ExpenditureRecord{}
	for rows.Next() {
		var rec model.ExpenditureRecord
		d := &rec.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.ShortName, &d.ChartCode, &d.AccountNumber, &d.ObjectCode,
			&rec.CampaignID, &rec.Month, &rec.Year, &rec.Cost, &rec.Exported, &rec.ExportedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *ExpenditureRepository) MarkExported(ctx context.Context, campaignIDs []int, at time.Time) ([]int, error) {
	if len(campaignIDs) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(campaignIDs))
	for i, id := range campaignIDs {
		ids[i] = int64(id)
	}
	rows, err := r.DB.QueryContext(ctx, `
        UPDATE campaigns SET exported=TRUE, exported_at=$1, updated_at=NOW()
        WHERE id = ANY($2) AND status=$3 AND NOT exported
        RETURNING id
    `, at, pq.Array(ids), model.CampaignCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marked []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		marked = append(marked, id)
	}
	return marked, rows.Err()
}

func (r *ExpenditureRepository) UnmarkExported(ctx context.Context, campaignIDs []int) error {
	if len(campaignIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(campaignIDs))
	for i, id := range campaignIDs {
		ids[i] = int64(id)
	}
	_, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET exported=FALSE, exported_at=NULL, updated_at=NOW() WHERE id = ANY($1) AND exported`,
		pq.Array(ids))
	return err
}

var _ ExpenditureRepositoryInterface = (*ExpenditureRepository)(nil)
