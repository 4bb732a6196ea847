package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

// BlacklistRepositoryInterface expects canonical phone numbers.
type BlacklistRepositoryInterface interface {
	// Add creates an active entry or reactivates a removed one. It
	// returns ErrAlreadyBlacklisted if an active entry exists.
	Add(ctx context.Context, phone string, reason model.BlacklistReason, notes string) (*model.BlacklistEntry, error)
	// Deactivate soft-removes the active entry for phone.
	Deactivate(ctx context.Context, phone string) error
	// GetActive returns nil, nil when phone is not blacklisted.
	GetActive(ctx context.Context, phone string) (*model.BlacklistEntry, error)
	ActiveAmong(ctx context.Context, phones []string) (map[string]bool, error)
	List(ctx context.Context, activeOnly bool, offset, limit int) ([]*model.BlacklistEntry, int, error)
}

type BlacklistRepository struct {
	DB *sql.DB
}

const blacklistColumns = `id, phone, reason, notes, active, created_at, updated_at, removed_at`

func scanBlacklist(row rowScanner) (*model.BlacklistEntry, error) {
	var e model.BlacklistEntry
	if err := row.Scan(&e.ID, &e.Phone, &e.Reason, &e.Notes, &e.Active, &e.CreatedAt, &e.UpdatedAt, &e.RemovedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// Add relies on the unique phone constraint; concurrent adds of the same
// number resolve to one winner and ErrAlreadyBlacklisted for the rest.
func (r *BlacklistRepository) Add(ctx context.Context, phone string, reason model.BlacklistReason, notes string) (*model.BlacklistEntry, error) {
	now := time.Now()
	query := `
        INSERT INTO blacklist (phone, reason, notes, active, created_at, updated_at)
        VALUES ($1, $2, $3, TRUE, $4, $4)
        ON CONFLICT (phone) DO UPDATE
            SET reason=EXCLUDED.reason, notes=EXCLUDED.notes, active=TRUE, updated_at=EXCLUDED.updated_at, removed_at=NULL
            WHERE blacklist.active = FALSE
        RETURNING ` + blacklistColumns
	e, err := scanBlacklist(r.DB.QueryRowContext(ctx, query, phone, reason, notes, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.ErrAlreadyBlacklisted
	}
	return e, err
}

func (r *BlacklistRepository) Deactivate(ctx context.Context, phone string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE blacklist SET active=FALSE, removed_at=NOW(), updated_at=NOW() WHERE phone=$1 AND active`, phone)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.ErrNotBlacklisted
	}
	return nil
}

func (r *BlacklistRepository) GetActive(ctx context.Context, phone string) (*model.BlacklistEntry, error) {
	e, err := scanBlacklist(r.DB.QueryRowContext(ctx,
		`SELECT `+blacklistColumns+` FROM blacklist WHERE phone=$1 AND active`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *BlacklistRepository) ActiveAmong(ctx context.Context, phones []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(phones) == 0 {
		return out, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT phone FROM blacklist WHERE active AND phone = ANY($1)`, pq.Array(phones))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

func (r *BlacklistRepository) List(ctx context.Context, activeOnly bool, offset, limit int) ([]*model.BlacklistEntry, int, error) {
	where := ``
	if activeOnly {
		where = ` WHERE active`
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM blacklist`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+blacklistColumns+` FROM blacklist`+where+` ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []*model.BlacklistEntry{}
	for rows.Next() {
		e, err := scanBlacklist(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

var _ BlacklistRepositoryInterface = (*BlacklistRepository)(nil)
