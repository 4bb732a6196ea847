package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unclebandit/sms-dispatch/internal/handler"
)

type Routes struct {
	Campaigns    *CampaignController
	Gateways     *GatewayController
	Expenditures *ExpenditureController
	SMS          *handler.SMSHandler
	Log          zerolog.Logger
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(rt.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Public endpoints for recipients and the gateway provider.
	r.Route("/sms", func(r chi.Router) {
		r.Get("/optout/{phone}", rt.SMS.OptOut)
		r.Post("/optout/{phone}", rt.SMS.OptOut)
		r.Get("/optin/{phone}", rt.SMS.OptIn)
		r.Post("/optin/{phone}", rt.SMS.OptIn)
		r.Get("/check_status", rt.SMS.CheckStatus)
		r.Post("/webhook/delivery", rt.SMS.DeliveryWebhook)
		r.Post("/webhook/incoming", rt.SMS.IncomingWebhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireCaller)

		r.Post("/campaigns", rt.Campaigns.CreateCampaign)
		r.Get("/campaigns", rt.Campaigns.ListCampaigns)
		r.Get("/campaigns/{id}", rt.Campaigns.GetCampaignDetails)
		r.Put("/campaigns/{id}", rt.Campaigns.UpdateCampaign)
		r.Post("/campaigns/{id}/prepare", rt.Campaigns.PrepareRecipients)
		r.Post("/campaigns/{id}/send", rt.Campaigns.SendCampaign)
		r.Post("/campaigns/{id}/schedule", rt.Campaigns.ScheduleCampaign)
		r.Post("/campaigns/{id}/cancel", rt.Campaigns.CancelCampaign)
		r.Post("/campaigns/{id}/retry", rt.Campaigns.RetryFailed)
		r.Post("/campaigns/{id}/personalized-preview", rt.Campaigns.PersonalizedPreview)
		r.Get("/campaigns/{id}/recipients", rt.Campaigns.ListRecipients)

		r.Get("/gateways", rt.Gateways.ListGateways)
		r.Post("/gateways", rt.Gateways.SaveGateway)
		r.Post("/gateways/{id}/default", rt.Gateways.SetDefault)
		r.Get("/credit/balance", rt.Gateways.Balance)

		r.Get("/expenditures", rt.Expenditures.ListExpenditures)
		r.Get("/expenditures/pending", rt.Expenditures.PendingExport)
		r.Post("/expenditures/export", rt.Expenditures.Export)
	})
	return r
}
