package controller

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
	"github.com/unclebandit/sms-dispatch/internal/model"
	"github.com/unclebandit/sms-dispatch/internal/service"
)

type ExpenditureController struct {
	Aggregator *service.ExpenditureAggregator
	Log        zerolog.Logger
}

// finance is open to system admins and administrators.
func canViewFinance(c model.Caller) bool {
	return c.Role == model.RoleSystemAdmin || c.Role == model.RoleAdministrator
}

func (c *ExpenditureController) authorize(w http.ResponseWriter, r *http.Request) bool {
	if !canViewFinance(CallerFrom(r.Context())) {
		writeError(w, c.Log, appErrors.ErrPermissionDenied)
		return false
	}
	return true
}

func (c *ExpenditureController) ListExpenditures(w http.ResponseWriter, r *http.Request) {
	if !c.authorize(w, r) {
		return
	}
	q := r.URL.Query()
	f := model.ExpenditureFilter{
		Year:            q.Get("year"),
		Month:           q.Get("month"),
		IncludeExported: q.Get("include_exported") != "false",
	}
	f.DepartmentID, _ = strconv.Atoi(q.Get("department_id"))

	if q.Get("summary") == "true" {
		summary, err := c.Aggregator.Summarize(r.Context(), f)
		if err != nil {
			writeError(w, c.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": summary})
		return
	}
	records, err := c.Aggregator.Rollup(r.Context(), f)
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": records})
}

func (c *ExpenditureController) PendingExport(w http.ResponseWriter, r *http.Request) {
	if !c.authorize(w, r) {
		return
	}
	ready, skipped, err := c.Aggregator.PendingExport(r.Context())
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": ready, "skipped": skipped})
}

func (c *ExpenditureController) Export(w http.ResponseWriter, r *http.Request) {
	if !CanExport(CallerFrom(r.Context())) {
		writeError(w, c.Log, appErrors.ErrPermissionDenied)
		return
	}
	res, err := c.Aggregator.Export(r.Context())
	if err != nil {
		writeError(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CanExport is limited to system admins; exports are not reversible.
func CanExport(c model.Caller) bool {
	return c.Role == model.RoleSystemAdmin
}
