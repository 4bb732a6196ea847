// internal/model/expenditure.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Department struct {
	ID            int    `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	ShortName     string `db:"short_name" json:"short_name"`
	ChartCode     string `db:"chart_code" json:"chart_code"`
	AccountNumber string `db:"account_number" json:"account_number"`
	ObjectCode    string `db:"object_code" json:"object_code"`
}

// HasBillingInfo reports whether the department can be charged in the ledger.
func (d Department) HasBillingInfo() bool {
	return d.AccountNumber != "" && d.ObjectCode != ""
}

// ExpenditureRecord is one (department, completed campaign) row of the rollup.
type ExpenditureRecord struct {
	Department Department      `json:"department"`
	CampaignID int             `json:"campaign_id"`
	Month      string          `json:"month_sent"`
	Year       string          `json:"year_sent"`
	Cost       decimal.Decimal `json:"credit_spent"`
	Exported   bool            `json:"exported"`
	ExportedAt *time.Time      `json:"exported_at,omitempty"`
}

type ExpenditureFilter struct {
	Year            string
	Month           string
	DepartmentID    int
	IncludeExported bool
}
