package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"keyline.org/internal/actions"
	"keyline.org/internal/codes"
	"keyline.org/internal/login"
	"keyline.org/internal/obs"
	"keyline.org/internal/storage"
	"keyline.org/internal/token"
)

type oauthError struct {
	Status int
	Code   string
	// Detail exposes the error text as error_description.
	Detail bool
}

var errorTable = []struct {
	target error
	oauthError
}{
	{storage.ErrUnavailable, oauthError{http.StatusServiceUnavailable, "temporarily_unavailable", false}},
	{actions.ErrPipelineAborted, oauthError{http.StatusForbidden, "access_denied", false}},
	{login.ErrAuthenticationFailed, oauthError{http.StatusForbidden, "access_denied", false}},
	{token.ErrAccessDenied, oauthError{http.StatusForbidden, "access_denied", true}},
	{token.ErrInvalidClient, oauthError{http.StatusUnauthorized, "invalid_client", true}},
	{login.ErrInvalidClient, oauthError{http.StatusBadRequest, "invalid_client", true}},
	{token.ErrInvalidGrant, oauthError{http.StatusBadRequest, "invalid_grant", true}},
	{codes.ErrInvalidGrant, oauthError{http.StatusBadRequest, "invalid_grant", true}},
	{token.ErrUnauthorizedClient, oauthError{http.StatusBadRequest, "unauthorized_client", true}},
	{token.ErrUnsupportedGrantType, oauthError{http.StatusBadRequest, "unsupported_grant_type", true}},
	{login.ErrUnsupportedResponseType, oauthError{http.StatusBadRequest, "unsupported_response_type", true}},
	{token.ErrInvalidTarget, oauthError{http.StatusBadRequest, "invalid_target", true}},
	{token.ErrInvalidToken, oauthError{http.StatusUnauthorized, "invalid_token", false}},
	{login.ErrLoginRequired, oauthError{http.StatusBadRequest, "login_required", true}},
	{login.ErrSessionExpired, oauthError{http.StatusBadRequest, "session_expired", true}},
	{login.ErrSessionNotFound, oauthError{http.StatusNotFound, "invalid_request", true}},
	{login.ErrSessionCompleted, oauthError{http.StatusConflict, "invalid_request", true}},
	{login.ErrSessionAbandoned, oauthError{http.StatusConflict, "invalid_request", true}},
	{login.ErrInvalidTransition, oauthError{http.StatusConflict, "invalid_request", true}},
	{token.ErrInvalidRequest, oauthError{http.StatusBadRequest, "invalid_request", true}},
	{login.ErrInvalidRequest, oauthError{http.StatusBadRequest, "invalid_request", true}},
	{storage.ErrInvalidInput, oauthError{http.StatusBadRequest, "invalid_request", true}},
	{storage.ErrInvalidQuery, oauthError{http.StatusBadRequest, "invalid_request", true}},
	{storage.ErrTenantRequired, oauthError{http.StatusBadRequest, "invalid_request", true}},
	{storage.ErrConflict, oauthError{http.StatusConflict, "conflict", true}},
	{storage.ErrNotFound, oauthError{http.StatusNotFound, "not_found", true}},
}

func classify(err error) oauthError {
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.oauthError
		}
	}
	return oauthError{http.StatusInternalServerError, "server_error", false}
}

// describe keeps the last line of err and drops its package prefix.
func describe(err error) string {
	msg := err.Error()
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	if pkg, rest, ok := strings.Cut(msg, ": "); ok && !strings.ContainsAny(pkg, " \"") {
		msg = rest
	}
	return msg
}

// writeOAuthError renders err as {error, error_description}.
func writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oe := classify(err)
	desc := http.StatusText(oe.Status)
	switch {
	case oe.Detail:
		desc = describe(err)
	case oe.Code == "access_denied":
		desc = "access denied"
	}
	if oe.Status >= http.StatusInternalServerError {
		obs.Logger().Error().Err(err).
			Str("request_id", RequestIDFromContext(r)).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	if oe.Status == http.StatusUnauthorized && oe.Code == "invalid_client" {
		w.Header().Set("WWW-Authenticate", `Basic realm="keyline"`)
	}
	payload := map[string]any{
		"error":             oe.Code,
		"error_description": desc,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, oe.Status, payload)
}
