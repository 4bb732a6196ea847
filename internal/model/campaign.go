// internal/model/campaign.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	CampaignDraft      CampaignStatus = "draft"
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignInProgress CampaignStatus = "in_progress"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
	CampaignCancelled  CampaignStatus = "cancelled"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:      {CampaignScheduled, CampaignInProgress, CampaignCancelled},
	CampaignScheduled:  {CampaignInProgress, CampaignCancelled},
	CampaignInProgress: {CampaignCompleted, CampaignFailed, CampaignCancelled},
}

// IsTerminal reports whether no regular transition leaves s.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed || s == CampaignCancelled
}

// CanTransition reports whether the state machine allows s -> to.
// Retrying failed recipients is the only way out of a terminal state
// and goes through CanRetry instead.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, next := range campaignTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CanRetry reports whether failed recipients of a campaign in status s
// may be re-sent.
func (s CampaignStatus) CanRetry() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignInProgress, CampaignCompleted, CampaignFailed, CampaignCancelled:
		return true
	}
	return false
}

type TargetKind string

const (
	TargetAllStudents TargetKind = "all_students"
	TargetAllStaff    TargetKind = "all_staff"
	TargetDepartment  TargetKind = "department"
	TargetMailingList TargetKind = "mailing_list"
	TargetAdhoc       TargetKind = "adhoc"
	TargetManual      TargetKind = "manual"
)

func (k TargetKind) Valid() bool {
	switch k {
	case TargetAllStudents, TargetAllStaff, TargetDepartment, TargetMailingList, TargetAdhoc, TargetManual:
		return true
	}
	return false
}

// Target describes who a campaign is sent to. Only the fields relevant
// to Kind are read.
type Target struct {
	Kind           TargetKind `json:"kind"`
	DepartmentID   int        `json:"department_id,omitempty"`
	MailingListID  int        `json:"mailing_list_id,omitempty"`
	CSV            string     `json:"csv,omitempty"`
	ManualNumbers  string     `json:"manual_numbers,omitempty"`
	IncludeParents bool       `json:"include_parents,omitempty"`
}

// CampaignStats are derived from the campaign's recipients. Sent counts
// both sent and delivered recipients, so Sent+Failed+Pending == Total.
type CampaignStats struct {
	Total       int             `json:"total_recipients"`
	Sent        int             `json:"sent_count"`
	Delivered   int             `json:"delivered_count"`
	Failed      int             `json:"failed_count"`
	Pending     int             `json:"pending_count"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	SuccessRate float64         `json:"success_rate"`
}

// ComputeRate fills SuccessRate as a percentage of Total.
func (s *CampaignStats) ComputeRate() {
	if s.Total == 0 {
		s.SuccessRate = 0
		return
	}
	s.SuccessRate = float64(s.Sent) / float64(s.Total) * 100
}

type Campaign struct {
	ID                  int            `db:"id" json:"id"`
	Name                string         `db:"name" json:"name"`
	Target              Target         `json:"target"`
	Message             string         `db:"message" json:"message"`
	Personalized        bool           `db:"personalized" json:"personalized"`
	Status              CampaignStatus `db:"status" json:"status"`
	ScheduledAt         *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	AdministratorID     int            `db:"administrator_id" json:"administrator_id"`
	OwnerRole           Role           `db:"owner_role" json:"owner_role"`
	BillingDepartmentID *int           `db:"billing_department_id" json:"billing_department_id,omitempty"`
	GatewayID           *int           `db:"gateway_id" json:"gateway_id,omitempty"`
	Stats               CampaignStats  `json:"stats"`
	Exported            bool           `db:"exported" json:"exported"`
	ExportedAt          *time.Time     `db:"exported_at" json:"exported_at,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}
