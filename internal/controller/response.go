package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StatusFor maps the application error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, appErrors.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, appErrors.ErrInvalidInput),
		errors.Is(err, appErrors.ErrInvalidCSV),
		errors.Is(err, appErrors.ErrInvalidFormat),
		errors.Is(err, appErrors.ErrScheduleInPast):
		return http.StatusBadRequest
	case errors.Is(err, appErrors.ErrInvalidTransition),
		errors.Is(err, appErrors.ErrNoRecipients),
		errors.Is(err, appErrors.ErrEmptyMessage),
		errors.Is(err, appErrors.ErrNoFailedRecipients),
		errors.Is(err, appErrors.ErrAlreadyBlacklisted),
		errors.Is(err, appErrors.ErrNotBlacklisted),
		errors.Is(err, appErrors.ErrDuplicateRecipient):
		return http.StatusConflict
	case errors.Is(err, appErrors.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, appErrors.ErrNoGatewayConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, appErrors.ErrGatewayAuthFailure),
		errors.Is(err, appErrors.ErrGatewayRejected),
		errors.Is(err, appErrors.ErrNetworkTransient):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError logs server-side failures and hides their detail from the client.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func idParam(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	return id, err == nil && id > 0
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
