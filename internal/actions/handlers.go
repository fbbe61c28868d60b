package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/mail"
	"slices"
	"strings"

	"keyline.org/internal/delivery"
	"keyline.org/internal/storage"
)

const maxResponseBytes = 1 << 20

var errNoUser = errors.New("no user in context")

func currentUserID(c Context) string {
	if c.User == nil {
		return ""
	}
	return c.User.ID
}

func userOutput(u *storage.User) map[string]any {
	return map[string]any{
		"user_id":        u.ID,
		"email":          u.Email,
		"connection":     u.Connection,
		"name":           u.Name,
		"email_verified": u.EmailVerified,
		"blocked":        u.Blocked,
		"app_metadata":   u.AppMetadata,
		"user_metadata":  u.UserMetadata,
	}
}

func (e *Executor) getUser(ctx context.Context, in Input) (Patch, error) {
	id := paramString(in.Params, "user_id", currentUserID(in.Context))
	if id == "" {
		return Patch{}, fmt.Errorf("get user: %w", errNoUser)
	}
	u, err := e.store.Users().Get(ctx, in.Context.TenantID, id)
	if err != nil {
		return Patch{}, err
	}
	if u == nil {
		return Patch{}, fmt.Errorf("get user %s: %w", id, storage.ErrNotFound)
	}
	patch := Patch{Output: userOutput(u)}
	if id == currentUserID(in.Context) {
		patch.User = u
	}
	return patch, nil
}

// updateUser applies the whitelisted profile fields. Metadata is merged key by key.
func (e *Executor) updateUser(ctx context.Context, in Input) (Patch, error) {
	id := paramString(in.Params, "user_id", currentUserID(in.Context))
	if id == "" {
		return Patch{}, fmt.Errorf("update user: %w", errNoUser)
	}
	users := e.store.Users()
	cur, err := users.Get(ctx, in.Context.TenantID, id)
	if err != nil {
		return Patch{}, err
	}
	if cur == nil {
		return Patch{}, fmt.Errorf("update user %s: %w", id, storage.ErrNotFound)
	}

	var patch storage.UserPatch
	if name, ok := in.Params["name"].(string); ok {
		patch.Name = &name
	}
	if v, ok := paramBool(in.Params, "email_verified"); ok {
		patch.EmailVerified = &v
	}
	if v, ok := paramBool(in.Params, "blocked"); ok {
		patch.Blocked = &v
	}
	if m := paramMap(in.Params, "app_metadata"); m != nil {
		patch.AppMetadata = mergeMetadata(cur.AppMetadata, m)
	}
	if m := paramMap(in.Params, "user_metadata"); m != nil {
		patch.UserMetadata = mergeMetadata(cur.UserMetadata, m)
	}

	ok, err := users.Update(ctx, in.Context.TenantID, id, patch)
	if err != nil {
		return Patch{}, err
	}
	if !ok {
		return Patch{}, fmt.Errorf("update user %s: %w", id, storage.ErrNotFound)
	}
	updated, err := users.Get(ctx, in.Context.TenantID, id)
	if err != nil || updated == nil {
		return Patch{}, fmt.Errorf("update user %s: reload: %w", id, errors.Join(err, storage.ErrNotFound))
	}
	out := Patch{Output: userOutput(updated)}
	if id == currentUserID(in.Context) {
		out.User = updated
	}
	return out, nil
}

// mergeMetadata overlays top-level keys; a nil value deletes the key.
func mergeMetadata(cur, next map[string]any) map[string]any {
	out := maps.Clone(cur)
	if out == nil {
		out = make(map[string]any, len(next))
	}
	for k, v := range next {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (e *Executor) createUser(ctx context.Context, in Input) (Patch, error) {
	email := paramString(in.Params, "email", "")
	if email == "" {
		return Patch{}, errors.New("create user: email is required")
	}
	u := storage.User{
		Email:        email,
		Connection:   paramString(in.Params, "connection", storage.DefaultConnection),
		Name:         paramString(in.Params, "name", ""),
		AppMetadata:  paramMap(in.Params, "app_metadata"),
		UserMetadata: paramMap(in.Params, "user_metadata"),
	}
	if v, ok := paramBool(in.Params, "email_verified"); ok {
		u.EmailVerified = v
	}
	created, err := e.store.Users().Create(ctx, in.Context.TenantID, u)
	if err != nil {
		return Patch{}, fmt.Errorf("create user: %w", err)
	}
	return Patch{Output: userOutput(&created)}, nil
}

// sendRequest performs the outbound call. The step context carries the timeout.
func (e *Executor) sendRequest(ctx context.Context, in Input) (Patch, error) {
	url := paramString(in.Params, "url", "")
	if url == "" {
		return Patch{}, errors.New("send request: url is required")
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return Patch{}, fmt.Errorf("send request: unsupported url scheme")
	}
	method := strings.ToUpper(paramString(in.Params, "method", http.MethodPost))

	var body io.Reader
	if payload, ok := in.Params["body"]; ok && payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Patch{}, fmt.Errorf("send request: encode body: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Patch{}, fmt.Errorf("send request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range paramMap(in.Params, "headers") {
		req.Header.Set(k, fmt.Sprint(v))
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return Patch{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Patch{}, fmt.Errorf("send request: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Patch{}, fmt.Errorf("send request: %s returned status %d", method, resp.StatusCode)
	}

	out := map[string]any{"status": resp.StatusCode}
	var parsed any
	if len(data) > 0 && json.Unmarshal(data, &parsed) == nil {
		out["body"] = parsed
	} else {
		out["body"] = string(data)
	}
	return Patch{Output: out}, nil
}

func (e *Executor) sendEmail(ctx context.Context, in Input) (Patch, error) {
	if e.email == nil {
		return Patch{}, errors.New("send email: no email sender configured")
	}
	to := in.Params["to"]
	recipient, _ := to.(string)
	if recipient == "" && in.Context.User != nil {
		recipient = in.Context.User.Email
	}
	template := paramString(in.Params, "template", "")
	if template == "" {
		return Patch{}, errors.New("send email: template is required")
	}
	res, err := e.email.SendEmail(ctx, template, paramMap(in.Params, "data"), delivery.Options{
		To:       recipient,
		From:     paramString(in.Params, "from", ""),
		Subject:  paramString(in.Params, "subject", ""),
		TenantID: in.Context.TenantID,
	})
	if err != nil {
		return Patch{}, fmt.Errorf("send email: %w", err)
	}
	return Patch{Output: map[string]any{"message_id": res.MessageID, "to": recipient}}, nil
}

// verifyEmail checks the address is well formed and passes the domain lists.
func (e *Executor) verifyEmail(ctx context.Context, in Input) (Patch, error) {
	email := paramString(in.Params, "email", "")
	if email == "" && in.Context.User != nil {
		email = in.Context.User.Email
	}
	if email == "" {
		return Patch{}, fmt.Errorf("verify email: %w", errNoUser)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return Patch{}, fmt.Errorf("verify email: malformed address")
	}
	_, domain, _ := strings.Cut(strings.ToLower(addr.Address), "@")

	if allowed := paramStrings(in.Params, "allowed_domains"); len(allowed) > 0 && !slices.Contains(lower(allowed), domain) {
		return Patch{}, fmt.Errorf("verify email: domain %s is not allowed", domain)
	}
	if slices.Contains(lower(paramStrings(in.Params, "blocked_domains")), domain) {
		return Patch{}, fmt.Errorf("verify email: domain %s is blocked", domain)
	}
	if req, _ := paramBool(in.Params, "require_verified"); req {
		if in.Context.User == nil || !in.Context.User.EmailVerified {
			return Patch{}, errors.New("verify email: address is not verified")
		}
	}
	return Patch{Output: map[string]any{"email": email, "domain": domain, "valid": true}}, nil
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
