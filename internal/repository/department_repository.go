package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/sms-dispatch/internal/model"
)

// DepartmentRepositoryInterface defines methods used by services
type DepartmentRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Department, error)
	ListAll(ctx context.Context) ([]model.Department, error)
	Upsert(ctx context.Context, d *model.Department) error
}

type DepartmentRepository struct {
	DB *sql.DB
}

// GetByID returns nil, nil when the department does not exist.
func (r *DepartmentRepository) GetByID(ctx context.Context, id int) (*model.Department, error) {
	query := `
        SELECT id, name, short_name, chart_code, account_number, object_code
        FROM departments
        WHERE id = $1
    `
	var d model.Department
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.Name, &d.ShortName, &d.ChartCode, &d.AccountNumber, &d.ObjectCode)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // not found
		}
		return nil, err
	}
	return &d, nil
}

func (r *DepartmentRepository) ListAll(ctx context.Context) ([]model.Department, error) {
	query := `
        SELECT id, name, short_name, chart_code, account_number, object_code
        FROM departments
        ORDER BY name
    `
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	departments := []model.Department{}
	for rows.Next() {
		var d model.Department
		if err := rows.Scan(&d.ID, &d.Name, &d.ShortName, &d.ChartCode, &d.AccountNumber, &d.ObjectCode); err != nil {
			return nil, err
		}
		departments = append(departments, d)
	}
	return departments, rows.Err()
}

// Upsert matches on name, used by the seeder.
func (r *DepartmentRepository) Upsert(ctx context.Context, d *model.Department) error {
	query := `
        INSERT INTO departments (name, short_name, chart_code, account_number, object_code)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (name) DO UPDATE
            SET short_name=EXCLUDED.short_name, chart_code=EXCLUDED.chart_code,
                account_number=EXCLUDED.account_number, object_code=EXCLUDED.object_code
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, d.Name, d.ShortName, d.ChartCode, d.AccountNumber, d.ObjectCode).Scan(&d.ID)
}

var _ DepartmentRepositoryInterface = (*DepartmentRepository)(nil)
