// internal/model/recipient.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecipientStatus is the per-recipient send state. Sending means a
// dispatch run has claimed the recipient and not yet recorded an outcome.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSending   RecipientStatus = "sending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientFailed    RecipientStatus = "failed"
)

// CanTransition covers gateway-driven moves. Failed -> Pending happens
// only through a retry pass and is not listed here.
func (s RecipientStatus) CanTransition(to RecipientStatus) bool {
	switch s {
	case RecipientPending, RecipientSending:
		return to == RecipientSent || to == RecipientFailed
	case RecipientSent:
		return to == RecipientDelivered || to == RecipientFailed
	}
	return false
}

type RecipientCategory string

const (
	CategoryStudent RecipientCategory = "student"
	CategoryStaff   RecipientCategory = "staff"
	CategoryParent  RecipientCategory = "parent"
	CategoryOther   RecipientCategory = "other"
)

type Recipient struct {
	ID                int               `db:"id" json:"id"`
	CampaignID        int               `db:"campaign_id" json:"campaign_id"`
	Phone             string            `db:"phone" json:"phone"`
	Name              string            `db:"name" json:"name"`
	Email             string            `db:"email" json:"email,omitempty"`
	Department        string            `db:"department" json:"department,omitempty"`
	Category          RecipientCategory `db:"category" json:"category"`
	Status            RecipientStatus   `db:"status" json:"status"`
	Message           string            `db:"message" json:"message,omitempty"`
	SentAt            *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `db:"delivered_at" json:"delivered_at,omitempty"`
	FailureReason     string            `db:"failure_reason" json:"failure_reason,omitempty"`
	ProviderMessageID string            `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Cost              decimal.Decimal   `db:"cost" json:"cost"`
	RetryCount        int               `db:"retry_count" json:"retry_count"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// RecipientCandidate is a resolved, normalized, not yet persisted recipient.
type RecipientCandidate struct {
	Phone      string
	Name       string
	Email      string
	Department string
	Category   RecipientCategory
}

// SendOutcome is written onto a recipient after a successful gateway call.
type SendOutcome struct {
	SentAt            time.Time
	Cost              decimal.Decimal
	ProviderMessageID string
	Message           string
	Retries           int
}
