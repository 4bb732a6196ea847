package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	Update(ctx context.Context, c *model.Campaign) error
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)

	// TransitionStatus moves the campaign to `to` only if its current
	// status is one of from. It reports whether the row changed.
	TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error)
	SaveStats(ctx context.Context, id int, stats model.CampaignStats) error
	ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error)
	// ListRetryable returns Completed campaigns holding failed recipients
	// retried fewer than maxRetries times.
	ListRetryable(ctx context.Context, maxRetries int) ([]*model.Campaign, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `
    id, name, target_kind, target_department_id, target_mailing_list_id, target_csv,
    target_manual_numbers, include_parents, message, personalized, status, scheduled_at,
    administrator_id, owner_role, billing_department_id, gateway_id,
    total_recipients, sent_count, delivered_count, failed_count, pending_count,
    total_cost, success_rate, exported, exported_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.Target.Kind, &c.Target.DepartmentID, &c.Target.MailingListID, &c.Target.CSV,
		&c.Target.ManualNumbers, &c.Target.IncludeParents, &c.Message, &c.Personalized, &c.Status, &c.ScheduledAt,
		&c.AdministratorID, &c.OwnerRole, &c.BillingDepartmentID, &c.GatewayID,
		&c.Stats.Total, &c.Stats.Sent, &c.Stats.Delivered, &c.Stats.Failed, &c.Stats.Pending,
		&c.Stats.TotalCost, &c.Stats.SuccessRate, &c.Exported, &c.ExportedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
        INSERT INTO campaigns (name, target_kind, target_department_id, target_mailing_list_id, target_csv,
            target_manual_numbers, include_parents, message, personalized, status, scheduled_at,
            administrator_id, owner_role, billing_department_id, gateway_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		c.Name, c.Target.Kind, c.Target.DepartmentID, c.Target.MailingListID, c.Target.CSV,
		c.Target.ManualNumbers, c.Target.IncludeParents, c.Message, c.Personalized, c.Status, c.ScheduledAt,
		c.AdministratorID, c.OwnerRole, c.BillingDepartmentID, c.GatewayID, c.CreatedAt,
	).Scan(&c.ID)
}

// Update writes the editable fields. Status and stats have their own methods.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	query := `
        UPDATE campaigns
        SET name=$1, target_kind=$2, target_department_id=$3, target_mailing_list_id=$4, target_csv=$5,
            target_manual_numbers=$6, include_parents=$7, message=$8, personalized=$9, scheduled_at=$10,
            gateway_id=$11, billing_department_id=$12, updated_at=NOW()
        WHERE id=$13
    `
	res, err := r.DB.ExecContext(ctx, query,
		c.Name, c.Target.Kind, c.Target.DepartmentID, c.Target.MailingListID, c.Target.CSV,
		c.Target.ManualNumbers, c.Target.IncludeParents, c.Message, c.Personalized, c.ScheduledAt,
		c.GatewayID, c.BillingDepartmentID, c.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from []model.CampaignStatus, to model.CampaignStatus) (bool, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status=$1, updated_at=NOW() WHERE id=$2 AND status = ANY($3)`,
		to, id, pq.Array(statuses),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish a missing campaign from a refused transition.
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

func (r *CampaignRepository) SaveStats(ctx context.Context, id int, s model.CampaignStats) error {
	query := `
        UPDATE campaigns
        SET total_recipients=$1, sent_count=$2, delivered_count=$3, failed_count=$4, pending_count=$5,
            total_cost=$6, success_rate=$7, updated_at=NOW()
        WHERE id=$8
    `
	_, err := r.DB.ExecContext(ctx, query, s.Total, s.Sent, s.Delivered, s.Failed, s.Pending, s.TotalCost, s.SuccessRate, id)
	return err
}

func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status=$1 AND scheduled_at <= $2 ORDER BY scheduled_at, id`,
		model.CampaignScheduled, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, c)
	}
	return due, rows.Err()
}

func (r *CampaignRepository) ListRetryable(ctx context.Context, maxRetries int) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns
        WHERE status=$1 AND failed_count > 0 AND EXISTS (
            SELECT 1 FROM recipients
            WHERE recipients.campaign_id = campaigns.id AND recipients.status=$2 AND recipients.retry_count < $3
        )
        ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, model.CampaignCompleted, model.RecipientFailed, maxRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
