// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// Phone parsing. Recoverable, reported per item.
	ErrInvalidFormat = errors.New("invalid phone number format")

	// Resolution refused before any directory access.
	ErrPermissionDenied = errors.New("permission denied")

	// Fatal to the current send attempt, never retried.
	ErrNoGatewayConfigured = errors.New("no sms gateway configured")
	ErrGatewayAuthFailure  = errors.New("sms gateway rejected credentials")
	ErrGatewayRejected     = errors.New("sms gateway rejected message")

	// Connection or timeout talking to the gateway.
	ErrNetworkTransient = errors.New("transient gateway network error")

	ErrDuplicateRecipient = errors.New("duplicate recipient")
	ErrAlreadyBlacklisted = errors.New("number already blacklisted")
	ErrNotBlacklisted     = errors.New("number not blacklisted")
	ErrInsufficientCredit = errors.New("insufficient sms credit")

	// Campaign preconditions and state machine.
	ErrInvalidTransition  = errors.New("invalid campaign status transition")
	ErrNoRecipients       = errors.New("campaign has no recipients")
	ErrEmptyMessage       = errors.New("campaign message is empty")
	ErrScheduleInPast     = errors.New("schedule time must be in the future")
	ErrNoFailedRecipients = errors.New("campaign has no failed recipients")

	ErrInvalidCSV   = errors.New("invalid csv upload")
	ErrInvalidInput = errors.New("invalid input")
)

// ErrCampaignNotFound is returned when a campaign id does not exist
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrRecipientNotFound struct {
	Key string
}

func (e *ErrRecipientNotFound) Error() string {
	return fmt.Sprintf("recipient %s not found", e.Key)
}

func NewRecipientNotFound(key string) error {
	return &ErrRecipientNotFound{Key: key}
}

type ErrGatewayNotFound struct {
	GatewayID int
}

func (e *ErrGatewayNotFound) Error() string {
	return fmt.Sprintf("gateway configuration with ID %d not found", e.GatewayID)
}

func NewGatewayNotFound(id int) error {
	return &ErrGatewayNotFound{GatewayID: id}
}

// IsNotFound reports whether err is one of the typed not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var r *ErrRecipientNotFound
	var g *ErrGatewayNotFound
	return errors.As(err, &c) || errors.As(err, &r) || errors.As(err, &g)
}
