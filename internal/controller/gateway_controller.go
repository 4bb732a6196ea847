package controller

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/service"
)

type GatewayController struct {
	Gateways *service.GatewayService
	Credit   *service.CreditGuard
	Log      zerolog.Logger
}

// gatewayInput carries the API key, which model.GatewayConfiguration
// never serializes.
type gatewayInput struct {
	ID        int               `json:"id"`
	Name      string            `json:"name"`
	Type      model.GatewayType `json:"gateway_type"`
	Username  string            `json:"username"`
	APIKey    string            `json:"api_key"`
	SenderID  string            `json:"sender_id"`
	Sandbox   bool              `json:"sandbox"`
	Active    *bool             `json:"active"`
	IsDefault bool              `json:"is_default"`
}

func (c *GatewayController) ListGateways(w http.ResponseWriter, r *http.Request) {
	gateways, err := c.Gateways.List(r.Context(), CallerFrom(r.Context()))
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": gateways})
}

func (c *GatewayController) SaveGateway(w http.ResponseWriter, r *http.Request) {
	var in gatewayInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid body")
		return
	}
	cfg := &model.GatewayConfiguration{
		ID: in.ID, Name: in.Name, Type: in.Type, Username: in.Username, APIKey: in.APIKey,
		SenderID: in.SenderID, Sandbox: in.Sandbox, Active: true, IsDefault: in.IsDefault,
	}
	if in.Active != nil {
		cfg.Active = *in.Active
	}
	if err := c.Gateways.Save(r.Context(), CallerFrom(r.Context()), cfg); err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (c *GatewayController) SetDefault(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid gateway id")
		return
	}
	if err := c.Gateways.SetDefault(r.Context(), CallerFrom(r.Context()), id); err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "is_default": true})
}

// Balance serves the cached balance; ?refresh=true forces a lookup.
func (c *GatewayController) Balance(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	report := c.Credit.Report(r.Context(), force)
	ok, reason := c.Credit.CheckCanSend(r.Context(), CallerFrom(r.Context()).Role)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":  report,
		"can_send": ok,
		"reason":   reason,
	})
}
