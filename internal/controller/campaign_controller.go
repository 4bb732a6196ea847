// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Engine          *service.DispatchEngine
	Log             zerolog.Logger
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid body")
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), CallerFrom(r.Context()), body)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid body")
		return
	}
	campaign, err := c.CampaignService.UpdateCampaign(r.Context(), CallerFrom(r.Context()), id, body)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}

	campaign, err := c.CampaignService.GetCampaignDetails(r.Context(), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) PrepareRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	result, err := c.Engine.PrepareRecipients(r.Context(), CallerFrom(r.Context()), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SendCampaign only moves the campaign to in_progress; the batches run
// on a worker and progress is polled through GetCampaignDetails.
func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	campaign, err := c.Engine.StartSend(r.Context(), CallerFrom(r.Context()), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
	})
}

func (c *CampaignController) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	var body struct {
		ScheduledAt string `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid body")
		return
	}
	at, err := time.Parse(time.RFC3339, body.ScheduledAt)
	if err != nil {
		badRequest(w, "scheduled_at must be an RFC3339 time")
		return
	}
	campaign, err := c.Engine.Schedule(r.Context(), CallerFrom(r.Context()), id, at)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	campaign, err := c.Engine.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	campaign, err := c.Engine.StartRetry(r.Context(), CallerFrom(r.Context()), id)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
	})
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}

	var body struct {
		RecipientID      int     `json:"recipient_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := decodeOptional(r, &body); err != nil {
		badRequest(w, "invalid body")
		return
	}

	preview, err := c.Engine.Preview(r.Context(), id, body.RecipientID, body.OverrideTemplate)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": preview.Message,
		"used_template":    body.OverrideTemplate,
		"recipient_id":     preview.RecipientID,
		"phone":            preview.Phone,
		"segments":         preview.Segments,
	})
}

func (c *CampaignController) ListRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		badRequest(w, "invalid campaign id")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	recipients, pagination, err := c.Engine.ListRecipients(r.Context(), id, r.URL.Query().Get("status"), page, pageSize)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       recipients,
		"pagination": pagination,
	})
}
