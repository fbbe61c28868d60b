package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"keyline.org/internal/audit"
	"keyline.org/internal/config"
	"keyline.org/internal/login"
	"keyline.org/internal/obs"
	"keyline.org/internal/storage"
	"keyline.org/internal/token"
)

const tenantHeader = "X-Tenant-ID"

// Pinger is anything that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe: проверка готовности хранилища.
type ReadyProbe struct {
	Backend Pinger
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Backend == nil {
		return nil
	}
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := rp.Backend.Ping(ctx)
	obs.SetReady(err == nil)
	return err
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	store  storage.Adapter
	logins *login.Manager
	tokens *token.Service
	cfg    config.Config

	rateBurst  int
	ratePerSec float64
}

func New(store storage.Adapter, logins *login.Manager, tokens *token.Service, cfg config.Config, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: ReadyProbe{Backend: store},
		version:    version,
		store:      store,
		logins:     logins,
		tokens:     tokens,
		cfg:        cfg,
		rateBurst:  cfg.RateBurst,
		ratePerSec: cfg.RatePerSec,
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("GET /.well-known/jwks.json", a.JWKS)
	a.mux.HandleFunc("GET /.well-known/openid-configuration", a.Discovery)
	a.mux.HandleFunc("GET /authorize", a.Authorize)

	a.registerManagement()

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	// credential endpoints share one per-IP limiter
	sensitive := http.NewServeMux()
	sensitive.HandleFunc("POST /oauth/token", a.Token)
	sensitive.HandleFunc("POST /oauth/revoke", a.Revoke)
	sensitive.HandleFunc("GET /u/login/identifier", a.LoginState)
	sensitive.HandleFunc("POST /u/login/identifier", a.SubmitIdentifier)
	sensitive.HandleFunc("POST /u/login/password", a.SubmitPassword)
	sensitive.HandleFunc("POST /u/mfa/otp", a.SubmitOTP)
	sensitive.HandleFunc("POST /u/consent", a.SubmitConsent)
	sensitive.HandleFunc("POST /u/login/cancel", a.Cancel)
	limited := RateLimit(sensitive, a.rateBurst, a.ratePerSec)

	root := http.NewServeMux()
	root.Handle("/oauth/", limited)
	root.Handle("/u/", limited)
	root.Handle("/", a.mux)

	var h http.Handler = obs.Instrument(root)
	maxBody := a.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	h = MaxBodyBytes(h, maxBody)
	h = CORS(h, a.cfg.CORSOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "keyline",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           "keyline",
		"time":           time.Now().UTC().Format(time.RFC3339),
		"version":        a.version,
		"backend":        a.cfg.Backend,
		"default_tenant": a.cfg.DefaultTenant,
	})
}

// --- request scoping ---

func (a *API) tenantID(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(tenantHeader)); t != "" {
		return t
	}
	return a.cfg.DefaultTenant
}

// requestContext collects the per-request values the services need and
// tags ctx for audit lines.
func (a *API) requestContext(r *http.Request) (context.Context, token.RequestContext) {
	rc := token.RequestContext{
		TenantID:  a.tenantID(r),
		Issuer:    a.issuerURL(r),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
	return audit.WithTenant(r.Context(), rc.TenantID), rc
}

func (a *API) issuerURL(r *http.Request) string {
	if a.cfg.Issuer != "" {
		return strings.TrimRight(a.cfg.Issuer, "/") + "/"
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host + "/"
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(r.Header.Get("Content-Type")), "application/json")
}
