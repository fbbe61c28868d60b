package login

import (
	"errors"
	"fmt"
	"net/url"

	"keyline.org/internal/storage"
)

// Completion is the authorization response for the client.
type Completion struct {
	RedirectURI  string
	ResponseMode string
	Params       url.Values
}

// Location renders the redirect target for query and fragment modes.
func (c Completion) Location() (string, error) {
	u, err := url.Parse(c.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("login: parse redirect_uri: %w", err)
	}
	if c.ResponseMode == ModeFragment {
		u.Fragment = ""
		return u.String() + "#" + c.Params.Encode(), nil
	}
	q := u.Query()
	for k, vs := range c.Params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func errorCompletion(ap storage.AuthParams, code, description string) Completion {
	params := url.Values{}
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if ap.State != "" {
		params.Set("state", ap.State)
	}
	mode := ap.ResponseMode
	if mode == "" {
		mode = ModeQuery
	}
	return Completion{RedirectURI: ap.RedirectURI, ResponseMode: mode, Params: params}
}

// RedirectError is an authorize failure reported at the client's validated
// redirect_uri instead of to the browser.
type RedirectError struct {
	Completion Completion
	Err        error
}

func (e *RedirectError) Error() string { return e.Err.Error() }
func (e *RedirectError) Unwrap() error { return e.Err }

// OAuthCode is the error code placed in the redirect.
func (e *RedirectError) OAuthCode() string { return e.Completion.Params.Get("error") }

func redirectError(ap storage.AuthParams, err error) error {
	code := "invalid_request"
	switch {
	case errors.Is(err, ErrLoginRequired):
		code = "login_required"
	case errors.Is(err, ErrUnsupportedResponseType):
		code = "unsupported_response_type"
	}
	return &RedirectError{Completion: errorCompletion(ap, code, err.Error()), Err: err}
}
