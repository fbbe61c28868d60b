package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"keyline.org/internal/audit"
	"keyline.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type principalKey struct{}

// principal is the verified caller of a management request.
type principal struct {
	Subject  string
	ClientID string
	Scopes   []string
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// requireScope verifies the management bearer token and checks it carries scope.
func (a *API) requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="keyline"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		ctx, rc := a.requestContext(r)
		claims, err := a.tokens.Verify(ctx, rc, raw, a.cfg.ManagementAudience)
		if err != nil {
			if errors.Is(err, token.ErrInvalidToken) || errors.Is(err, token.ErrInvalidTarget) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="keyline", error="invalid_token"`)
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeOAuthError(w, r, err)
			return
		}
		// the signing keys are shared, so bind the token to a client of this tenant
		if claims.AZP == "" {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		client, err := a.store.Clients().Get(ctx, rc.TenantID, claims.AZP)
		if err != nil {
			writeOAuthError(w, r, err)
			return
		}
		if client == nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		if !claims.HasScope(scope) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="keyline", error="insufficient_scope", scope="`+scope+`"`)
			writeError(w, r, http.StatusForbidden, "insufficient scope")
			return
		}
		p := principal{Subject: claims.Subject, ClientID: claims.AZP, Scopes: token.ParseScope(claims.Scope)}
		ctx = context.WithValue(audit.WithSubject(ctx, claims.Subject), principalKey{}, p)
		next(w, r.WithContext(ctx))
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}
