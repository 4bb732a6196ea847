package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

type RecipientRepositoryInterface interface {
	// CreateIfAbsent inserts r unless its phone already exists in the
	// campaign. It reports whether a row was created.
	CreateIfAbsent(ctx context.Context, r *model.Recipient) (bool, error)
	GetByID(ctx context.Context, id int) (*model.Recipient, error)
	GetByProviderMessageID(ctx context.Context, providerID string) (*model.Recipient, error)
	ListByCampaign(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.Recipient, int, error)
	// ClaimPending moves up to limit pending recipients to sending, lowest
	// id first, and returns them. A recipient is claimed by one caller only.
	ClaimPending(ctx context.Context, campaignID, limit int) ([]*model.Recipient, error)
	// FailStale fails recipients left in sending since before cutoff.
	FailStale(ctx context.Context, campaignID int, cutoff time.Time, reason string) (int, error)
	// CountSending reports how many recipients are claimed but unresolved.
	CountSending(ctx context.Context, campaignID int) (int, error)

	// MarkSent and MarkFailed record the outcome of a pending or sending recipient.
	MarkSent(ctx context.Context, id int, out model.SendOutcome) error
	MarkFailed(ctx context.Context, id int, reason string, retries int) error
	// ResetFailed moves failed recipients back to pending and counts the
	// pass in retry_count. With maxRetries > 0 only recipients retried
	// fewer times are reset.
	ResetFailed(ctx context.Context, campaignID, maxRetries int) (int, error)
	// UpdateDeliveryStatus applies a gateway callback when allowed by
	// the recipient state machine. It reports whether the row changed.
	UpdateDeliveryStatus(ctx context.Context, id int, status model.RecipientStatus, reason string, at time.Time) (bool, error)
	Stats(ctx context.Context, campaignID int) (model.CampaignStats, error)
}

type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `
    id, campaign_id, phone, name, email, department, category, status, message, sent_at,
    delivered_at, failure_reason, provider_message_id, cost, retry_count, created_at, updated_at`

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var r model.Recipient
	err := row.Scan(
		&r.ID, &r.CampaignID, &r.Phone, &r.Name, &r.Email, &r.Department, &r.Category, &r.Status, &r.Message, &r.SentAt,
		&r.DeliveredAt, &r.FailureReason, &r.ProviderMessageID, &r.Cost, &r.RetryCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *RecipientRepository) CreateIfAbsent(ctx context.Context, rec *model.Recipient) (bool, error) {
	now := time.Now()
	if rec.Status == "" {
		rec.Status = model.RecipientPending
	}
	query := `
        INSERT INTO recipients (campaign_id, phone, name, email, department, category, status, message, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
        ON CONFLICT (campaign_id, phone) DO NOTHING
        RETURNING id
    `
	err := r.DB.QueryRowContext(ctx, query,
		rec.CampaignID, rec.Phone, rec.Name, rec.Email, rec.Department, rec.Category, rec.Status, rec.Message, now,
	).Scan(&rec.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	return true, nil
}

func (r *RecipientRepository) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	rec, err := scanRecipient(r.DB.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewRecipientNotFound(strconv.Itoa(id))
	}
	return rec, err
}

func (r *RecipientRepository) GetByProviderMessageID(ctx context.Context, providerID string) (*model.Recipient, error) {
	rec, err := scanRecipient(r.DB.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE provider_message_id=$1 AND provider_message_id <> '' LIMIT 1`, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewRecipientNotFound(providerID)
	}
	return rec, err
}

func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID int, status string, offset, limit int) ([]*model.Recipient, int, error) {
	where := ` WHERE campaign_id=$1`
	args := []interface{}{campaignID}
	argPos := 2
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipients`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + recipientColumns + ` FROM recipients` + where +
		fmt.Sprintf(" ORDER BY id LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	recipients := []*model.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, 0, err
		}
		recipients = append(recipients, rec)
	}
	return recipients, total, rows.Err()
}

func (r *RecipientRepository) ClaimPending(ctx context.Context, campaignID, limit int) ([]*model.Recipient, error) {
	query := `
        UPDATE recipients SET status=$1, updated_at=NOW()
        WHERE id IN (
            SELECT id FROM recipients
            WHERE campaign_id=$2 AND status=$3
            ORDER BY id LIMIT $4
            FOR UPDATE SKIP LOCKED
        ) AND status=$3
        RETURNING ` + recipientColumns
	rows, err := r.DB.QueryContext(ctx, query, model.RecipientSending, campaignID, model.RecipientPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING carries no order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RecipientRepository) FailStale(ctx context.Context, campaignID int, cutoff time.Time, reason string) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE recipients SET status=$1, failure_reason=$2, updated_at=NOW() WHERE campaign_id=$3 AND status=$4 AND updated_at < $5`,
		model.RecipientFailed, reason, campaignID, model.RecipientSending, cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *RecipientRepository) CountSending(ctx context.Context, campaignID int) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id=$1 AND status=$2`, campaignID, model.RecipientSending,
	).Scan(&n)
	return n, err
}

// unresolved are the states a send outcome may be recorded over.
var unresolved = []string{string(model.RecipientPending), string(model.RecipientSending)}

func (r *RecipientRepository) MarkSent(ctx context.Context, id int, out model.SendOutcome) error {
	query := `
        UPDATE recipients
        SET status=$1, sent_at=$2, cost=$3, provider_message_id=$4, message=$5,
            retry_count=retry_count+$6, failure_reason='', updated_at=NOW()
        WHERE id=$7 AND status = ANY($8)
    `
	_, err := r.DB.ExecContext(ctx, query,
		model.RecipientSent, out.SentAt, out.Cost, out.ProviderMessageID, out.Message, out.Retries, id, pq.Array(unresolved))
	return err
}

func (r *RecipientRepository) MarkFailed(ctx context.Context, id int, reason string, retries int) error {
	query := `
        UPDATE recipients
        SET status=$1, failure_reason=$2, retry_count=retry_count+$3, updated_at=NOW()
        WHERE id=$4 AND status = ANY($5)
    `
	_, err := r.DB.ExecContext(ctx, query, model.RecipientFailed, reason, retries, id, pq.Array(unresolved))
	return err
}

func (r *RecipientRepository) ResetFailed(ctx context.Context, campaignID, maxRetries int) (int, error) {
	query := `
        UPDATE recipients SET status=$1, failure_reason='', retry_count=retry_count+1, updated_at=NOW()
        WHERE campaign_id=$2 AND status=$3 AND ($4 <= 0 OR retry_count < $4)
    `
	res, err := r.DB.ExecContext(ctx, query, model.RecipientPending, campaignID, model.RecipientFailed, maxRetries)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *RecipientRepository) UpdateDeliveryStatus(ctx context.Context, id int, status model.RecipientStatus, reason string, at time.Time) (bool, error) {
	var from []string
	for _, s := range []model.RecipientStatus{model.RecipientPending, model.RecipientSending, model.RecipientSent, model.RecipientDelivered, model.RecipientFailed} {
		if s.CanTransition(status) {
			from = append(from, string(s))
		}
	}
	if len(from) == 0 {
		return false, nil
	}

	var deliveredAt *time.Time
	if status == model.RecipientDelivered {
		deliveredAt = &at
	}
	res, err := r.DB.ExecContext(ctx, `
        UPDATE recipients
        SET status=$1, failure_reason=CASE WHEN $2 = '' THEN failure_reason ELSE $2 END,
            delivered_at=COALESCE($3, delivered_at), updated_at=NOW()
        WHERE id=$4 AND status = ANY($5)
    `, status, reason, deliveredAt, id, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RecipientRepository) Stats(ctx context.Context, campaignID int) (model.CampaignStats, error) {
	query := `SELECT status, COUNT(*), COALESCE(SUM(cost), 0) FROM recipients WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return model.CampaignStats{}, err
	}
	defer rows.Close()

	counts := map[model.RecipientStatus]int{}
	total := decimal.Zero
	for rows.Next() {
		var status model.RecipientStatus
		var count int
		var cost decimal.Decimal
		if err := rows.Scan(&status, &count, &cost); err != nil {
			return model.CampaignStats{}, err
		}
		counts[status] = count
		total = total.Add(cost)
	}
	if err := rows.Err(); err != nil {
		return model.CampaignStats{}, err
	}
	return StatsFromCounts(counts, total), nil
}

// StatsFromCounts folds per-status counts into campaign stats. Delivered
// recipients count as sent and sending ones as pending.
func StatsFromCounts(counts map[model.RecipientStatus]int, cost decimal.Decimal) model.CampaignStats {
	s := model.CampaignStats{
		Delivered: counts[model.RecipientDelivered],
		Sent:      counts[model.RecipientSent] + counts[model.RecipientDelivered],
		Failed:    counts[model.RecipientFailed],
		Pending:   counts[model.RecipientPending] + counts[model.RecipientSending],
		TotalCost: cost,
	}
	s.Total = s.Sent + s.Failed + s.Pending
	s.ComputeRate()
	return s
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
