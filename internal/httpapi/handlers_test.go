package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"keyline.org/internal/actions"
	"keyline.org/internal/bootstrap"
	"keyline.org/internal/codes"
	"keyline.org/internal/config"
	"keyline.org/internal/delivery"
	"keyline.org/internal/login"
	"keyline.org/internal/store/kv"
	"keyline.org/internal/token"
)

const (
	testTenant   = "t1"
	mgmtAudience = "https://keyline.test/api/v2/"
	callback     = "https://app.test/cb"
	userPassword = "correct horse battery staple"
)

var (
	keysOnce   sync.Once
	sharedKeys *token.StaticKeys
	keysErr    error
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	adminID     string
	adminSecret string
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	mr := miniredis.RunT(t)
	mr.SetTime(time.Now())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keysOnce.Do(func() { sharedKeys, keysErr = token.GenerateStaticKeys(2048) })
	require.NoError(t, keysErr)

	store := kv.New(rdb)
	issuer := codes.New(store)
	sender := delivery.NewLogSender(zerolog.Nop())
	tokens := token.NewService(store, issuer, sharedKeys)
	exec := actions.New(store, actions.WithEmailSender(sender))
	logins := login.New(store, issuer, exec, tokens, login.WithEmailSender(sender))

	seed, err := bootstrap.Run(context.Background(), store, bootstrap.Options{
		TenantID:           testTenant,
		ManagementAudience: mgmtAudience,
	})
	require.NoError(t, err)

	cfg := config.Config{
		DefaultTenant:      testTenant,
		ManagementAudience: mgmtAudience,
		RateBurst:          1000,
		RatePerSec:         1000,
		MaxBodyBytes:       1 << 20,
	}
	api := New(store, logins, tokens, cfg, "test")

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	return &apiClient{
		baseURL:     srv.URL,
		client:      client,
		t:           t,
		adminID:     seed.ClientID,
		adminSecret: seed.ClientSecret,
	}
}

func (c *apiClient) do(method, path string, body io.Reader, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	c.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (c *apiClient) jsonRequest(method, path string, body any, bearerToken string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if bearerToken != "" {
		headers["Authorization"] = "Bearer " + bearerToken
	}
	return c.do(method, path, bytes.NewReader(payload), headers)
}

func (c *apiClient) form(path string, values url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	h := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	for k, v := range headers {
		h[k] = v
	}
	return c.do(http.MethodPost, path, strings.NewReader(values.Encode()), h)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

// managementToken runs client_credentials for the bootstrap admin client.
func (c *apiClient) managementToken(scopes ...string) string {
	c.t.Helper()
	resp := c.form("/oauth/token", url.Values{
		"grant_type":    {token.GrantClientCredentials},
		"client_id":     {c.adminID},
		"client_secret": {c.adminSecret},
		"audience":      {mgmtAudience},
		"scope":         {strings.Join(scopes, " ")},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("management token: status %d", resp.StatusCode)
	}
	return decode[token.Tokens](c.t, resp).AccessToken
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type jwksBody struct {
	Keys []map[string]any `json:"keys"`
}

type permissionsBody struct {
	Permissions []string `json:"permissions"`
}

type loginApp struct {
	clientID string
	secret   string
}

// seedApp creates a confidential web client and one user through the management API.
func (c *apiClient) seedApp() loginApp {
	c.t.Helper()
	tok := c.managementToken("create:clients", "read:clients", "create:users")

	resp := c.jsonRequest(http.MethodPost, "/api/v2/clients", map[string]any{
		"name":           "web",
		"app_type":       "regular_web",
		"callbacks":      []string{callback},
		"is_first_party": true,
	}, tok)
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](c.t, resp)
	app := loginApp{clientID: created["client_id"].(string), secret: created["client_secret"].(string)}
	require.NotEmpty(c.t, app.secret)

	resp = c.jsonRequest(http.MethodGet, "/api/v2/clients/"+app.clientID, nil, tok)
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	fetched := decode[map[string]any](c.t, resp)
	require.NotContains(c.t, fetched, "client_secret", "secret is only shown on create")

	resp = c.jsonRequest(http.MethodPost, "/api/v2/users", map[string]any{
		"email":    "ada@example.com",
		"password": userPassword,
		"name":     "Ada",
	}, tok)
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)
	user := decode[map[string]any](c.t, resp)
	require.NotContains(c.t, user, "password_hash")
	return app
}

// login walks the universal login pages and returns the final response.
func (c *apiClient) login(app loginApp, extra url.Values) *http.Response {
	c.t.Helper()
	q := url.Values{
		"client_id":     {app.clientID},
		"redirect_uri":  {callback},
		"response_type": {"code"},
		"scope":         {"openid email"},
		"state":         {"xyz"},
	}
	for k, v := range extra {
		q[k] = v
	}
	resp := c.get("/authorize", q, nil)
	require.Equal(c.t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(c.t, err)
	require.Equal(c.t, "/u/login/identifier", loc.Path)
	state := loc.Query().Get("state")
	require.NotEmpty(c.t, state)

	resp = c.get("/u/login/identifier", url.Values{"state": {state}}, nil)
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	info := decode[map[string]any](c.t, resp)
	require.Equal(c.t, "STARTED", info["stage"])
	require.Equal(c.t, app.clientID, info["client_id"])

	resp = c.form("/u/login/identifier", url.Values{"state": {state}, "username": {"Ada@Example.com"}}, nil)
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	require.Equal(c.t, "IDENTIFIER_ENTERED", decode[map[string]any](c.t, resp)["stage"])

	return c.form("/u/login/password", url.Values{"state": {state}, "password": {userPassword}}, nil)
}

func TestHealthReadyInfo(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", decode[map[string]any](t, resp)["status"])

	resp = c.get("/readyz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.get("/v1/info", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[map[string]any](t, resp)
	require.Equal(t, "keyline", info["name"])
	require.Equal(t, testTenant, info["default_tenant"])
	require.NotEmpty(t, resp.Header.Get(requestIDHeader))

	resp = c.get("/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	app := c.seedApp()

	resp := c.login(app, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, callback, loc.Scheme+"://"+loc.Host+loc.Path)
	require.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	exchange := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(url.Values{
			"grant_type":   {token.GrantAuthorizationCode},
			"code":         {code},
			"redirect_uri": {callback},
		}.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(url.QueryEscape(app.clientID), url.QueryEscape(app.secret))
		resp, err := c.client.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp = exchange()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	toks := decode[token.Tokens](t, resp)
	require.NotEmpty(t, toks.AccessToken)
	require.NotEmpty(t, toks.IDToken)
	require.Equal(t, "Bearer", toks.TokenType)

	// codes are single use
	resp = exchange()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	require.Equal(t, "invalid_grant", body["error"])
	require.NotEmpty(t, body["error_description"])
	require.NotEmpty(t, body["request_id"])
}

func TestFormPostResponseMode(t *testing.T) {
	c := newTestAPI(t)
	app := c.seedApp()

	resp := c.login(app, url.Values{"response_mode": {login.ModeFormPost}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(page), `action="`+callback+`"`)
	require.Contains(t, string(page), `name="code"`)
	require.Contains(t, string(page), `name="state" value="xyz"`)
}

func TestAuthorizeRejectsUnknownRedirect(t *testing.T) {
	c := newTestAPI(t)
	app := c.seedApp()

	resp := c.get("/authorize", url.Values{
		"client_id":    {app.clientID},
		"redirect_uri": {"https://evil.test/cb"},
	}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", decode[map[string]any](t, resp)["error"])

	// with a trusted redirect the error goes back to the client
	resp = c.get("/authorize", url.Values{
		"client_id":    {app.clientID},
		"redirect_uri": {callback},
		"prompt":       {"none"},
		"state":        {"s1"},
	}, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "login_required", loc.Query().Get("error"))
	require.Equal(t, "s1", loc.Query().Get("state"))
}

func TestDiscoveryAndJWKS(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/.well-known/openid-configuration", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	doc := decode[map[string]any](t, resp)
	require.Equal(t, c.baseURL+"/", doc["issuer"])
	require.Equal(t, c.baseURL+"/.well-known/jwks.json", doc["jwks_uri"])
	require.Equal(t, c.baseURL+"/oauth/token", doc["token_endpoint"])

	resp = c.get("/.well-known/jwks.json", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	set := decode[jwksBody](t, resp)
	require.NotEmpty(t, set.Keys)
	require.Equal(t, "RSA", set.Keys[0]["kty"])
	require.NotEmpty(t, set.Keys[0]["kid"])
	require.NotContains(t, set.Keys[0], "d", "private exponent must never be published")
}

func TestTokenEndpointErrors(t *testing.T) {
	c := newTestAPI(t)

	resp := c.form("/oauth/token", url.Values{"grant_type": {"password"}, "client_id": {c.adminID}, "client_secret": {c.adminSecret}}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "unsupported_grant_type", decode[map[string]any](t, resp)["error"])

	resp = c.form("/oauth/token", url.Values{
		"grant_type":    {token.GrantClientCredentials},
		"client_id":     {c.adminID},
		"client_secret": {"wrong"},
		"audience":      {mgmtAudience},
	}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	require.Equal(t, "invalid_client", decode[map[string]any](t, resp)["error"])

	resp = c.jsonRequest(http.MethodPost, "/oauth/token", map[string]any{
		"grant_type":    token.GrantClientCredentials,
		"client_id":     c.adminID,
		"client_secret": c.adminSecret,
		"audience":      "https://unknown.test/",
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_target", decode[map[string]any](t, resp)["error"])
}

func TestManagementRequiresScopes(t *testing.T) {
	c := newTestAPI(t)

	resp := c.jsonRequest(http.MethodGet, "/api/v2/users", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	resp = c.jsonRequest(http.MethodGet, "/api/v2/users", nil, "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	readOnly := c.managementToken("read:users")
	resp = c.jsonRequest(http.MethodGet, "/api/v2/users", nil, readOnly)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = c.jsonRequest(http.MethodPost, "/api/v2/users", map[string]any{"email": "x@example.com"}, readOnly)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "insufficient_scope")

	// the token belongs to t1 and is useless against another tenant
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/api/v2/users", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+readOnly)
	req.Header.Set(tenantHeader, "t2")
	other, err := c.client.Do(req)
	require.NoError(t, err)
	defer other.Body.Close()
	require.Equal(t, http.StatusUnauthorized, other.StatusCode)
}

func TestManagementCRUD(t *testing.T) {
	c := newTestAPI(t)
	tok := c.managementToken("create:roles", "read:roles", "update:roles", "delete:roles")

	resp := c.jsonRequest(http.MethodPost, "/api/v2/roles", map[string]any{"name": "admin"}, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	role := decode[map[string]any](t, resp)
	id := role["id"].(string)
	require.Equal(t, "/api/v2/roles/"+id, resp.Header.Get("Location"))

	resp = c.jsonRequest(http.MethodPost, "/api/v2/roles", map[string]any{"name": "viewer"}, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = c.jsonRequest(http.MethodPost, "/api/v2/roles", map[string]any{"name": "x", "bogus": true}, tok)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, float64(http.StatusBadRequest), decode[map[string]any](t, resp)["statusCode"])

	resp = c.jsonRequest(http.MethodGet, "/api/v2/roles?include_totals=true&per_page=1", nil, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[map[string]any](t, resp)
	require.Equal(t, float64(2), page["total"])
	require.Equal(t, float64(1), page["limit"])
	require.Len(t, page["roles"], 1)

	resp = c.jsonRequest(http.MethodGet, "/api/v2/roles?include_totals=true&page=144115188075855872", nil, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decode[map[string]any](t, resp)
	require.Empty(t, page["roles"])
	require.Equal(t, float64(2), page["total"])

	resp = c.jsonRequest(http.MethodGet, "/api/v2/roles", nil, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[[]map[string]any](t, resp), 2)

	resp = c.jsonRequest(http.MethodPatch, "/api/v2/roles/"+id, map[string]any{"description": "everything"}, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patched := decode[map[string]any](t, resp)
	require.Equal(t, "everything", patched["description"])
	require.Equal(t, "admin", patched["name"])

	resp = c.jsonRequest(http.MethodDelete, "/api/v2/roles/"+id, nil, tok)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = c.jsonRequest(http.MethodDelete, "/api/v2/roles/"+id, nil, tok)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = c.jsonRequest(http.MethodGet, "/api/v2/roles/"+id, nil, tok)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", decode[map[string]any](t, resp)["errorCode"])

	resp = c.jsonRequest(http.MethodPatch, "/api/v2/roles/"+id, map[string]any{"name": "gone"}, tok)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoleAndPermissionAssignments(t *testing.T) {
	c := newTestAPI(t)
	tok := c.managementToken(
		"create:resource_servers", "create:roles", "read:roles", "update:roles",
		"create:users", "read:users", "update:users",
	)

	resp := c.jsonRequest(http.MethodPost, "/api/v2/resource-servers", map[string]any{
		"name":             "orders",
		"identifier":       "https://orders.test/",
		"scopes":           []map[string]string{{"value": "read:orders"}, {"value": "write:orders"}},
		"token_dialect":    "access_token_authz",
		"enforce_policies": true,
	}, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = c.jsonRequest(http.MethodPost, "/api/v2/roles", map[string]any{"name": "reader"}, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	roleID := decode[map[string]any](t, resp)["id"].(string)

	resp = c.jsonRequest(http.MethodPost, "/api/v2/roles/"+roleID+"/permissions", map[string]any{
		"permissions": []map[string]string{{"resource_server_identifier": "https://orders.test/", "permission_name": "read:orders"}},
	}, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = c.jsonRequest(http.MethodGet, "/api/v2/roles/"+roleID+"/permissions", nil, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decode[[]map[string]any](t, resp), 1)

	resp = c.jsonRequest(http.MethodPost, "/api/v2/users", map[string]any{"email": "ada@example.com"}, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	userPath := "/api/v2/users/" + url.PathEscape(decode[map[string]any](t, resp)["user_id"].(string))

	resp = c.jsonRequest(http.MethodPost, userPath+"/roles", map[string]any{"roles": []string{roleID}}, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = c.jsonRequest(http.MethodPost, userPath+"/roles", map[string]any{"roles": []string{"missing"}}, tok)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = c.jsonRequest(http.MethodPost, userPath+"/permissions", map[string]any{
		"permissions": []map[string]string{{"resource_server_identifier": "https://orders.test/", "permission_name": "write:orders"}},
	}, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = c.jsonRequest(http.MethodGet, userPath+"/permissions?audience="+url.QueryEscape("https://orders.test/"), nil, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	effective := decode[permissionsBody](t, resp)
	require.ElementsMatch(t, []string{"read:orders", "write:orders"}, effective.Permissions)

	resp = c.jsonRequest(http.MethodDelete, userPath+"/roles", map[string]any{"roles": []string{roleID}}, tok)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = c.jsonRequest(http.MethodGet, userPath+"/permissions?audience="+url.QueryEscape("https://orders.test/"), nil, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	effective = decode[permissionsBody](t, resp)
	require.Equal(t, []string{"write:orders"}, effective.Permissions)
}
