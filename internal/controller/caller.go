package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/unclebandit/sms-dispatch/internal/model"
)

type callerKey struct{}

// Caller headers set by the authenticating proxy in front of the API.
const (
	HeaderUserID       = "X-User-ID"
	HeaderUserRole     = "X-User-Role"
	HeaderDepartmentID = "X-Department-ID"
)

// RequireCaller rejects requests without a known role and stores the
// caller in the request context.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := model.Role(r.Header.Get(HeaderUserRole))
		if !role.Valid() {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or unknown " + HeaderUserRole})
			return
		}
		caller := model.Caller{Role: role}
		caller.UserID, _ = strconv.Atoi(r.Header.Get(HeaderUserID))
		caller.DepartmentID, _ = strconv.Atoi(r.Header.Get(HeaderDepartmentID))
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func WithCaller(ctx context.Context, c model.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFrom(ctx context.Context) model.Caller {
	c, _ := ctx.Value(callerKey{}).(model.Caller)
	return c
}
