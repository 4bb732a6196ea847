// internal/model/blacklist.go
package model

import "time"

type BlacklistReason string

const (
	ReasonUserRequest BlacklistReason = "user_request"
	ReasonBounced     BlacklistReason = "bounced"
	ReasonComplaint   BlacklistReason = "complaint"
	ReasonAdmin       BlacklistReason = "admin"
	ReasonManual      BlacklistReason = "manual"
)

func (r BlacklistReason) Valid() bool {
	switch r {
	case ReasonUserRequest, ReasonBounced, ReasonComplaint, ReasonAdmin, ReasonManual:
		return true
	}
	return false
}

// BlacklistEntry rows are never deleted; removal flips Active off.
type BlacklistEntry struct {
	ID        int             `db:"id" json:"id"`
	Phone     string          `db:"phone" json:"phone"`
	Reason    BlacklistReason `db:"reason" json:"reason"`
	Notes     string          `db:"notes" json:"notes,omitempty"`
	Active    bool            `db:"active" json:"active"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
	RemovedAt *time.Time      `db:"removed_at" json:"removed_at,omitempty"`
}
