package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
)

type GatewayConfigRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.GatewayConfiguration, error)
	// GetDefault returns nil, nil when no configuration is the default.
	GetDefault(ctx context.Context) (*model.GatewayConfiguration, error)
	List(ctx context.Context) ([]*model.GatewayConfiguration, error)
	// Save inserts (ID == 0) or updates cfg. Saving a default clears the
	// flag on every other configuration in the same transaction.
	Save(ctx context.Context, cfg *model.GatewayConfiguration) error
	SetDefault(ctx context.Context, id int) error
}

type GatewayConfigRepository struct {
	DB *sql.DB
}

const gatewayColumns = `id, name, gateway_type, username, api_key, sender_id, sandbox, active, is_default, created_at, updated_at`

func scanGateway(row rowScanner) (*model.GatewayConfiguration, error) {
	var g model.GatewayConfiguration
	err := row.Scan(&g.ID, &g.Name, &g.Type, &g.Username, &g.APIKey, &g.SenderID, &g.Sandbox, &g.Active, &g.IsDefault, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GatewayConfigRepository) GetByID(ctx context.Context, id int) (*model.GatewayConfiguration, error) {
	g, err := scanGateway(r.DB.QueryRowContext(ctx, `SELECT `+gatewayColumns+` FROM gateway_configurations WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewGatewayNotFound(id)
	}
	return g, err
}

func (r *GatewayConfigRepository) GetDefault(ctx context.Context) (*model.GatewayConfiguration, error) {
	g, err := scanGateway(r.DB.QueryRowContext(ctx, `SELECT `+gatewayColumns+` FROM gateway_configurations WHERE is_default`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (r *GatewayConfigRepository) List(ctx context.Context) ([]*model.GatewayConfiguration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gatewayColumns+` FROM gateway_configurations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*model.GatewayConfiguration{}
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *GatewayConfigRepository) Save(ctx context.Context, cfg *model.GatewayConfiguration) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Serialises concurrent default changes.
	if _, err := tx.ExecContext(ctx, `LOCK TABLE gateway_configurations IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return err
	}
	if cfg.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE gateway_configurations SET is_default=FALSE, updated_at=NOW() WHERE is_default AND id <> $1`, cfg.ID); err != nil {
			return err
		}
	}

	if cfg.ID == 0 {
		err = tx.QueryRowContext(ctx, `
            INSERT INTO gateway_configurations (name, gateway_type, username, api_key, sender_id, sandbox, active, is_default)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
            ON CONFLICT (name) DO UPDATE
                SET gateway_type=EXCLUDED.gateway_type, username=EXCLUDED.username, api_key=EXCLUDED.api_key,
                    sender_id=EXCLUDED.sender_id, sandbox=EXCLUDED.sandbox, active=EXCLUDED.active,
                    is_default=EXCLUDED.is_default, updated_at=NOW()
            RETURNING id, created_at, updated_at
        `, cfg.Name, cfg.Type, cfg.Username, cfg.APIKey, cfg.SenderID, cfg.Sandbox, cfg.Active, cfg.IsDefault,
		).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	} else {
		err = tx.QueryRowContext(ctx, `
            UPDATE gateway_configurations
            SET name=$1, gateway_type=$2, username=$3, api_key=$4, sender_id=$5, sandbox=$6, active=$7, is_default=$8, updated_at=NOW()
            WHERE id=$9
            RETURNING created_at, updated_at
        `, cfg.Name, cfg.Type, cfg.Username, cfg.APIKey, cfg.SenderID, cfg.Sandbox, cfg.Active, cfg.IsDefault, cfg.ID,
		).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.NewGatewayNotFound(cfg.ID)
		}
	}
	if err != nil {
		return fmt.Errorf("save gateway %q: %w", cfg.Name, err)
	}
	return tx.Commit()
}

func (r *GatewayConfigRepository) SetDefault(ctx context.Context, id int) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE gateway_configurations IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE gateway_configurations SET is_default=FALSE, updated_at=NOW() WHERE is_default AND id <> $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE gateway_configurations SET is_default=TRUE, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewGatewayNotFound(id)
	}
	return tx.Commit()
}

var _ GatewayConfigRepositoryInterface = (*GatewayConfigRepository)(nil)
