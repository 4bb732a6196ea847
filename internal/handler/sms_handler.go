// internal/handler/sms_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/service"
)

// DeliveryReporter applies gateway delivery callbacks.
type DeliveryReporter interface {
	HandleDeliveryReport(ctx context.Context, providerID, status, reason string) (*service.DeliveryResult, error)
}

// SMSHandler serves the public endpoints: opt-out self service and the
// gateway callbacks. None of them require a caller identity.
type SMSHandler struct {
	Blacklist *service.BlacklistRegistry
	Delivery  DeliveryReporter
	Log       zerolog.Logger
}

func (h *SMSHandler) text(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}

// OptOut handles the unsubscribe link sent in campaign messages.
func (h *SMSHandler) OptOut(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "phone")
	_, err := h.Blacklist.Add(r.Context(), raw, model.ReasonUserRequest, "User opted out via web link")
	switch {
	case errors.Is(err, appErrors.ErrInvalidFormat):
		h.Log.Warn().Str("phone", raw).Msg("opt-out with invalid phone number")
		h.text(w, http.StatusBadRequest, "Invalid phone number format.")
	case errors.Is(err, appErrors.ErrAlreadyBlacklisted):
		h.text(w, http.StatusOK, fmt.Sprintf("Phone number %s is already opted out.", raw))
	case err != nil:
		h.Log.Error().Err(err).Str("phone", raw).Msg("opt-out failed")
		h.text(w, http.StatusInternalServerError, "An error occurred while processing your request. Please try again later.")
	default:
		h.Log.Info().Str("phone", raw).Msg("number opted out via web link")
		h.text(w, http.StatusOK, fmt.Sprintf("Phone number %s has been successfully opted out from SMS campaigns.", raw))
	}
}

// OptIn reverses an opt-out.
func (h *SMSHandler) OptIn(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "phone")
	err := h.Blacklist.Remove(r.Context(), raw)
	switch {
	case errors.Is(err, appErrors.ErrInvalidFormat):
		h.text(w, http.StatusBadRequest, "Invalid phone number format.")
	case errors.Is(err, appErrors.ErrNotBlacklisted):
		h.text(w, http.StatusOK, fmt.Sprintf("Phone number %s is not currently opted out.", raw))
	case err != nil:
		h.Log.Error().Err(err).Str("phone", raw).Msg("opt-in failed")
		h.text(w, http.StatusInternalServerError, "An error occurred while processing your request. Please try again later.")
	default:
		h.Log.Info().Str("phone", raw).Msg("number opted back in via web link")
		h.text(w, http.StatusOK, fmt.Sprintf("Phone number %s has been successfully re-subscribed to SMS campaigns.", raw))
	}
}

// CheckStatus answers {"isOptedOut": bool, "reason": string|null}.
func (h *SMSHandler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("phone")
	st, err := h.Blacklist.Status(r.Context(), raw)
	w.Header().Set("Content-Type", "application/json")
	if errors.Is(err, appErrors.ErrInvalidFormat) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "Invalid phone number format", "isOptedOut": false, "reason": nil})
		return
	}
	if err != nil {
		h.Log.Error().Err(err).Str("phone", raw).Msg("opt-out status lookup failed")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "internal error"})
		return
	}
	json.NewEncoder(w).Encode(st)
}

// formValues reads an urlencoded form or a flat JSON object.
func formValues(r *http.Request) (map[string]string, error) {
	out := map[string]string{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, err
		}
		for k, v := range body {
			if v != nil {
				out[k] = fmt.Sprint(v)
			}
		}
		return out, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	for k := range r.Form {
		out[k] = r.Form.Get(k)
	}
	return out, nil
}

// DeliveryWebhook receives provider delivery reports. Unknown message
// ids are acknowledged so the provider stops retrying them.
func (h *SMSHandler) DeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	form, err := formValues(r)
	if err != nil {
		h.text(w, http.StatusBadRequest, "invalid body")
		return
	}
	id, status := form["id"], form["status"]
	log := h.Log.With().Str("provider_message_id", id).Str("status", status).Str("phone", form["phoneNumber"]).Logger()
	log.Info().Msg("delivery report received")

	if id == "" {
		h.text(w, http.StatusBadRequest, "Missing message ID")
		return
	}

	_, err = h.Delivery.HandleDeliveryReport(r.Context(), id, status, form["failureReason"])
	switch {
	case appErrors.IsNotFound(err):
		log.Warn().Msg("recipient not found for delivery report")
		h.text(w, http.StatusOK, "Recipient not found")
	case err != nil:
		log.Error().Err(err).Msg("delivery report failed")
		h.text(w, http.StatusInternalServerError, "Error")
	default:
		h.text(w, http.StatusOK, "OK")
	}
}

var (
	stopWords  = map[string]bool{"STOP": true, "UNSUBSCRIBE": true, "STOPALL": true, "QUIT": true}
	startWords = map[string]bool{"START": true, "SUBSCRIBE": true}
)

// IncomingWebhook receives SMS replies. A STOP keyword opts the sender
// out and START opts them back in; other messages are only logged.
func (h *SMSHandler) IncomingWebhook(w http.ResponseWriter, r *http.Request) {
	form, err := formValues(r)
	if err != nil {
		h.text(w, http.StatusBadRequest, "invalid body")
		return
	}
	from, text := form["from"], strings.TrimSpace(form["text"])
	if from == "" || text == "" {
		h.text(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	log := h.Log.With().Str("from", from).Str("date", form["date"]).Logger()
	keyword := strings.ToUpper(strings.Fields(text)[0])

	switch {
	case stopWords[keyword]:
		_, err = h.Blacklist.Add(r.Context(), from, model.ReasonUserRequest, "Replied "+keyword)
		if errors.Is(err, appErrors.ErrAlreadyBlacklisted) {
			err = nil
		}
		if err == nil {
			log.Info().Msg("sender opted out by reply")
		}
	case startWords[keyword]:
		err = h.Blacklist.Remove(r.Context(), from)
		if errors.Is(err, appErrors.ErrNotBlacklisted) {
			err = nil
		}
		if err == nil {
			log.Info().Msg("sender opted in by reply")
		}
	default:
		log.Info().Str("text", text).Msg("incoming sms")
	}

	switch {
	case errors.Is(err, appErrors.ErrInvalidFormat):
		log.Warn().Msg("incoming sms from unparseable number")
		h.text(w, http.StatusOK, "OK")
	case err != nil:
		log.Error().Err(err).Msg("incoming sms failed")
		h.text(w, http.StatusInternalServerError, "Error")
	default:
		h.text(w, http.StatusOK, "OK")
	}
}
