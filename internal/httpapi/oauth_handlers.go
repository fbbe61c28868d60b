package httpapi

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"keyline.org/internal/login"
	"keyline.org/internal/storage"
	"keyline.org/internal/token"
)

func (a *API) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ap := storage.AuthParams{
		ClientID:            q.Get("client_id"),
		ResponseType:        q.Get("response_type"),
		ResponseMode:        q.Get("response_mode"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Audience:            q.Get("audience"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		UILocales:           q.Get("ui_locales"),
		Prompt:              q.Get("prompt"),
		Organization:        q.Get("organization"),
		Username:            q.Get("login_hint"),
	}
	ctx, rc := a.requestContext(r)
	sess, err := a.logins.Start(ctx, rc, ap)
	if err != nil {
		var re *login.RedirectError
		if errors.As(err, &re) {
			a.redirect(w, r, re.Completion)
			return
		}
		writeOAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, "/u/login/identifier?state="+url.QueryEscape(sess.ID), http.StatusFound)
}

// stepRequest carries every universal login form field.
type stepRequest struct {
	State    string `json:"state"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
	Action   string `json:"action,omitempty"`
}

func readStep(r *http.Request) (stepRequest, error) {
	var req stepRequest
	if isJSON(r) {
		if err := decodeJSON(r, &req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req = stepRequest{
			State:    r.PostForm.Get("state"),
			Username: r.PostForm.Get("username"),
			Password: r.PostForm.Get("password"),
			Code:     r.PostForm.Get("code"),
			Action:   r.PostForm.Get("action"),
		}
	}
	if req.State == "" {
		return req, errors.New("state is required")
	}
	return req, nil
}

type stepFunc func(ctx context.Context, rc token.RequestContext, req stepRequest) (login.Result, error)

func (a *API) step(w http.ResponseWriter, r *http.Request, fn stepFunc) {
	req, err := readStep(r)
	if err != nil {
		writeOAuthError(w, r, fmt.Errorf("%w: %v", login.ErrInvalidRequest, err))
		return
	}
	ctx, rc := a.requestContext(r)
	res, err := fn(ctx, rc, req)
	a.respondStep(w, r, res, err)
}

func (a *API) SubmitIdentifier(w http.ResponseWriter, r *http.Request) {
	a.step(w, r, func(ctx context.Context, rc token.RequestContext, req stepRequest) (login.Result, error) {
		return a.logins.SubmitIdentifier(ctx, rc, req.State, req.Username)
	})
}

func (a *API) SubmitPassword(w http.ResponseWriter, r *http.Request) {
	a.step(w, r, func(ctx context.Context, rc token.RequestContext, req stepRequest) (login.Result, error) {
		return a.logins.SubmitPassword(ctx, rc, req.State, req.Password)
	})
}

func (a *API) SubmitOTP(w http.ResponseWriter, r *http.Request) {
	a.step(w, r, func(ctx context.Context, rc token.RequestContext, req stepRequest) (login.Result, error) {
		return a.logins.SubmitOTP(ctx, rc, req.State, req.Code)
	})
}

func (a *API) SubmitConsent(w http.ResponseWriter, r *http.Request) {
	a.step(w, r, func(ctx context.Context, rc token.RequestContext, req stepRequest) (login.Result, error) {
		switch req.Action {
		case "accept":
			return a.logins.SubmitConsent(ctx, rc, req.State, true)
		case "deny":
			return a.logins.SubmitConsent(ctx, rc, req.State, false)
		}
		return login.Result{}, fmt.Errorf("%w: action must be accept or deny", login.ErrInvalidRequest)
	})
}

func (a *API) Cancel(w http.ResponseWriter, r *http.Request) {
	a.step(w, r, func(ctx context.Context, rc token.RequestContext, req stepRequest) (login.Result, error) {
		return a.logins.Cancel(ctx, rc, req.State)
	})
}

// LoginState describes a session to the login UI without advancing it.
func (a *API) LoginState(w http.ResponseWriter, r *http.Request) {
	ctx, rc := a.requestContext(r)
	sess, err := a.logins.Get(ctx, rc.TenantID, r.URL.Query().Get("state"))
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	body := map[string]any{
		"state":     sess.ID,
		"stage":     sess.PipelineState.Stage(),
		"client_id": sess.ClientID,
		"scope":     sess.AuthParams.Scope,
	}
	if sess.AuthParams.Username != "" {
		body["login_hint"] = sess.AuthParams.Username
	}
	switch step := sess.PipelineState.Step.(type) {
	case storage.MFAPending:
		body["channel"] = step.Channel
	case storage.ConsentPending:
		body["scopes"] = step.Scopes
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) respondStep(w http.ResponseWriter, r *http.Request, res login.Result, err error) {
	if res.Completion != nil {
		a.redirect(w, r, *res.Completion)
		return
	}
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state": res.Session.ID,
		"stage": res.Stage(),
	})
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Redirecting</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{range $k, $vs := .Params}}{{range $vs}}<input type="hidden" name="{{$k}}" value="{{.}}">
{{end}}{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>
`))

// redirect sends the authorization response to the client.
func (a *API) redirect(w http.ResponseWriter, r *http.Request, c login.Completion) {
	if c.ResponseMode == login.ModeFormPost {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = formPostTemplate.Execute(w, map[string]any{"Action": c.RedirectURI, "Params": c.Params})
		return
	}
	loc, err := c.Location()
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, loc, http.StatusFound)
}

type tokenForm struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	RefreshToken string `json:"refresh_token"`
	Token        string `json:"token"`
	Audience     string `json:"audience"`
	Scope        string `json:"scope"`
	Organization string `json:"organization"`
}

func readTokenRequest(r *http.Request) (token.TokenRequest, error) {
	var f tokenForm
	if isJSON(r) {
		if err := decodeJSON(r, &f); err != nil {
			return token.TokenRequest{}, errors.Join(token.ErrInvalidRequest, err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return token.TokenRequest{}, errors.Join(token.ErrInvalidRequest, err)
		}
		pf := r.PostForm
		f = tokenForm{
			GrantType:    pf.Get("grant_type"),
			ClientID:     pf.Get("client_id"),
			ClientSecret: pf.Get("client_secret"),
			Code:         pf.Get("code"),
			CodeVerifier: pf.Get("code_verifier"),
			RedirectURI:  pf.Get("redirect_uri"),
			RefreshToken: pf.Get("refresh_token"),
			Token:        pf.Get("token"),
			Audience:     pf.Get("audience"),
			Scope:        pf.Get("scope"),
			Organization: pf.Get("organization"),
		}
	}
	req := token.TokenRequest{
		GrantType:    f.GrantType,
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		Code:         f.Code,
		CodeVerifier: f.CodeVerifier,
		RedirectURI:  f.RedirectURI,
		RefreshToken: f.RefreshToken,
		Audience:     f.Audience,
		Scope:        f.Scope,
		Organization: f.Organization,
	}
	if req.RefreshToken == "" {
		req.RefreshToken = f.Token
	}
	// client_secret_basic; credentials are form-encoded inside the header
	if id, secret, ok := r.BasicAuth(); ok {
		uid, err1 := url.QueryUnescape(id)
		usecret, err2 := url.QueryUnescape(secret)
		if err1 != nil || err2 != nil {
			return token.TokenRequest{}, errors.Join(token.ErrInvalidClient, errors.New("malformed basic credentials"))
		}
		if req.ClientID != "" && req.ClientID != uid {
			return token.TokenRequest{}, errors.Join(token.ErrInvalidRequest, errors.New("client_id does not match the credentials"))
		}
		req.ClientID, req.ClientSecret = uid, usecret
	}
	return req, nil
}

func (a *API) Token(w http.ResponseWriter, r *http.Request) {
	req, err := readTokenRequest(r)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	ctx, rc := a.requestContext(r)
	toks, err := a.tokens.Exchange(ctx, rc, req)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, toks)
}

// Revoke implements refresh token revocation. Unknown tokens answer 200.
func (a *API) Revoke(w http.ResponseWriter, r *http.Request) {
	req, err := readTokenRequest(r)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	ctx, rc := a.requestContext(r)
	if err := a.tokens.Revoke(ctx, rc, req); err != nil {
		writeOAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	ctx, rc := a.requestContext(r)
	set, err := token.JWKS(ctx, a.tokens.Keys(), rc.TenantID)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}

func (a *API) Discovery(w http.ResponseWriter, r *http.Request) {
	ctx, rc := a.requestContext(r)
	base := rc.Issuer
	iss := base
	tenant, err := a.store.Tenants().Get(ctx, rc.TenantID)
	if err != nil {
		writeOAuthError(w, r, err)
		return
	}
	if tenant != nil && tenant.Issuer != "" {
		iss = strings.TrimRight(tenant.Issuer, "/") + "/"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                iss,
		"authorization_endpoint":                base + "authorize",
		"token_endpoint":                        base + "oauth/token",
		"revocation_endpoint":                   base + "oauth/revoke",
		"jwks_uri":                              base + ".well-known/jwks.json",
		"response_types_supported":              []string{"code", "token", "id_token", "id_token token"},
		"response_modes_supported":              []string{login.ModeQuery, login.ModeFragment, login.ModeFormPost},
		"grant_types_supported":                 []string{token.GrantAuthorizationCode, token.GrantRefreshToken, token.GrantClientCredentials, "implicit"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{storage.SigningRS256},
		"scopes_supported":                      []string{token.ScopeOpenID, token.ScopeProfile, token.ScopeEmail, token.ScopeOfflineAccess},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
		"claims_supported":                      []string{"sub", "iss", "aud", "exp", "iat", "nonce", "email", "email_verified", "name", "updated_at", "org_id"},
	})
}
