package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicCampaignSends      = "campaign_sends"
	TopicExpenditureExports = "expenditure_exports"
)

type SendKind string

const (
	SendInitial SendKind = "send"
	SendRetry   SendKind = "retry"
)

// SendJob asks a worker to run the batch loop for one campaign.
type SendJob struct {
	CampaignID    int       `json:"campaign_id"`
	Kind          SendKind  `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// ExportLine is one campaign's charge in a ledger export batch.
type ExportLine struct {
	CampaignID    int             `json:"campaign_id"`
	Department    string          `json:"department"`
	ChartCode     string          `json:"chart_code"`
	AccountNumber string          `json:"account_number"`
	ObjectCode    string          `json:"object_code"`
	Month         string          `json:"month"`
	Year          string          `json:"year"`
	Amount        decimal.Decimal `json:"amount"`
}

type ExportBatch struct {
	BatchID   string          `json:"batch_id"`
	CreatedAt time.Time       `json:"created_at"`
	Lines     []ExportLine    `json:"lines"`
	Total     decimal.Decimal `json:"total"`
}

// Decode converts a delivered payload into out. In-process payloads
// arrive as the published value, broker payloads as raw JSON.
func Decode(payload any, out any) error {
	var raw []byte
	switch p := payload.(type) {
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	case string:
		raw = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
