// internal/model/gateway.go
package model

import "time"

type GatewayType string

const (
	GatewayAfricasTalking GatewayType = "africastalking"
	GatewaySandbox        GatewayType = "sandbox"
)

func (t GatewayType) Valid() bool {
	return t == GatewayAfricasTalking || t == GatewaySandbox
}

// GatewayConfiguration holds provider credentials. At most one row has
// IsDefault set.
type GatewayConfiguration struct {
	ID        int         `db:"id" json:"id"`
	Name      string      `db:"name" json:"name"`
	Type      GatewayType `db:"gateway_type" json:"gateway_type"`
	Username  string      `db:"username" json:"username"`
	APIKey    string      `db:"api_key" json:"-"`
	SenderID  string      `db:"sender_id" json:"sender_id,omitempty"`
	Sandbox   bool        `db:"sandbox" json:"sandbox"`
	Active    bool        `db:"active" json:"active"`
	IsDefault bool        `db:"is_default" json:"is_default"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}
