package login

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"keyline.org/internal/actions"
	"keyline.org/internal/codes"
	"keyline.org/internal/delivery"
	"keyline.org/internal/obs"
	"keyline.org/internal/storage"
	"keyline.org/internal/token"
)

// Authentication method references recorded on the identity.
const (
	amrPassword = "pwd"
	amrMFA      = "mfa"
)

var liveStages = []storage.Stage{
	storage.StageStarted,
	storage.StageIdentifierEntered,
	storage.StageCredentialVerified,
	storage.StageMFAPending,
	storage.StageMFAVerified,
	storage.StageConsentPending,
}

// SubmitIdentifier records the username. Whether a matching user exists is
// not revealed until the password step.
func (m *Manager) SubmitIdentifier(ctx context.Context, rc token.RequestContext, sessionID, username string) (Result, error) {
	sess, err := m.load(ctx, rc.TenantID, sessionID, storage.StageStarted, storage.StageIdentifierEntered)
	if err != nil {
		return Result{Session: sess}, err
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return Result{Session: sess}, fmt.Errorf("%w: username is required", ErrInvalidRequest)
	}
	step := storage.IdentifierEntered{Username: username, Connection: storage.DefaultConnection}
	users, err := m.store.Users().List(ctx, rc.TenantID, storage.ListParams{
		PerPage: 1,
		Q:       storage.And(storage.Eq("email", username), storage.Eq("connection", storage.DefaultConnection)),
	})
	if err != nil {
		return Result{Session: sess}, err
	}
	if len(users.Items) > 0 {
		step.UserID = users.Items[0].ID
	}
	if err := m.transition(ctx, &sess, step, nil); err != nil {
		return Result{Session: sess}, err
	}
	return Result{Session: sess}, nil
}

// SubmitPassword verifies the password of the entered user. A session left
// at CREDENTIAL_VERIFIED by a failed follow-up step accepts the password again
// and picks up from there.
func (m *Manager) SubmitPassword(ctx context.Context, rc token.RequestContext, sessionID, password string) (Result, error) {
	sess, err := m.load(ctx, rc.TenantID, sessionID, storage.StageIdentifierEntered, storage.StageCredentialVerified)
	if err != nil {
		return Result{Session: sess}, err
	}
	return m.locked(ctx, sess, func(sess storage.LoginSession) (Result, error) {
		var userID, connection string
		switch step := sess.PipelineState.Step.(type) {
		case storage.IdentifierEntered:
			userID, connection = step.UserID, step.Connection
		case storage.CredentialVerified:
			userID, connection = step.UserID, step.Connection
		}

		var (
			user *storage.User
			err  error
		)
		if userID != "" {
			if user, err = m.store.Users().Get(ctx, rc.TenantID, userID); err != nil {
				return Result{Session: sess}, err
			}
		}
		hash := ""
		if user != nil {
			hash = user.PasswordHash
		}
		if err := VerifyPassword(hash, password); err != nil || user == nil {
			m.audit(ctx, sess, "login.failed", map[string]any{"reason": "bad_credentials"})
			return Result{Session: sess}, ErrAuthenticationFailed
		}
		if user.Blocked {
			m.audit(ctx, sess, "login.failed", map[string]any{"reason": reasonBlocked})
			return Result{Session: sess}, ErrAuthenticationFailed
		}

		id := storage.Identity{UserID: user.ID, Connection: connection, AMR: []string{amrPassword}}
		if sess.PipelineState.Stage() == storage.StageIdentifierEntered {
			if err := m.transition(ctx, &sess, storage.CredentialVerified{Identity: id}, nil); err != nil {
				return Result{Session: sess}, err
			}
		}
		return m.advance(ctx, rc, sess, id, *user)
	})
}

// SubmitOTP checks the one-time code sent for the MFA challenge. A wrong
// value leaves the challenge open. A session already at MFA_VERIFIED resumes
// without a new code.
func (m *Manager) SubmitOTP(ctx context.Context, rc token.RequestContext, sessionID, value string) (Result, error) {
	sess, err := m.load(ctx, rc.TenantID, sessionID, storage.StageMFAPending, storage.StageMFAVerified)
	if err != nil {
		return Result{Session: sess}, err
	}
	return m.locked(ctx, sess, func(sess storage.LoginSession) (Result, error) {
		var id storage.Identity
		switch step := sess.PipelineState.Step.(type) {
		case storage.MFAVerified:
			id = step.Identity
		case storage.MFAPending:
			if _, err := m.codes.VerifyOTP(ctx, rc.TenantID, step.ChallengeID, strings.TrimSpace(value)); err != nil {
				if errors.Is(err, codes.ErrInvalidGrant) || errors.Is(err, codes.ErrNotFound) ||
					errors.Is(err, codes.ErrExpired) || errors.Is(err, codes.ErrAlreadyUsed) {
					m.audit(ctx, sess, "login.failed", map[string]any{"reason": "bad_otp"})
					return Result{Session: sess}, ErrAuthenticationFailed
				}
				return Result{Session: sess}, err
			}
			id = step.Identity
			id.AMR = append(slices.Clone(id.AMR), amrMFA)
			if err := m.transition(ctx, &sess, storage.MFAVerified{Identity: id}, nil); err != nil {
				return Result{Session: sess}, err
			}
		}
		user, err := m.user(ctx, rc.TenantID, id.UserID)
		if err != nil {
			return Result{Session: sess}, err
		}
		return m.advance(ctx, rc, sess, id, user)
	})
}

// SubmitConsent completes the login when accepted. A refusal abandons the
// session and redirects with access_denied.
func (m *Manager) SubmitConsent(ctx context.Context, rc token.RequestContext, sessionID string, accept bool) (Result, error) {
	sess, err := m.load(ctx, rc.TenantID, sessionID, storage.StageConsentPending)
	if err != nil {
		return Result{Session: sess}, err
	}
	return m.locked(ctx, sess, func(sess storage.LoginSession) (Result, error) {
		pending := sess.PipelineState.Step.(storage.ConsentPending)
		if !accept {
			if err := m.abandon(ctx, &sess, reasonDenied); err != nil {
				return Result{Session: sess}, err
			}
			c := errorCompletion(sess.AuthParams, "access_denied", "the user denied the request")
			return Result{Session: sess, Completion: &c}, nil
		}
		user, err := m.user(ctx, rc.TenantID, pending.UserID)
		if err != nil {
			return Result{Session: sess}, err
		}
		client, err := m.client(ctx, sess)
		if err != nil {
			return Result{Session: sess}, err
		}
		return m.complete(ctx, rc, sess, pending.Identity, client, user)
	})
}

// Cancel abandons a live session and redirects with access_denied.
func (m *Manager) Cancel(ctx context.Context, rc token.RequestContext, sessionID string) (Result, error) {
	sess, err := m.load(ctx, rc.TenantID, sessionID, liveStages...)
	if err != nil {
		return Result{Session: sess}, err
	}
	if err := m.abandon(ctx, &sess, reasonCancelled); err != nil {
		return Result{Session: sess}, err
	}
	c := errorCompletion(sess.AuthParams, "access_denied", "the user cancelled the login")
	return Result{Session: sess, Completion: &c}, nil
}

func (m *Manager) user(ctx context.Context, tenantID, id string) (storage.User, error) {
	u, err := m.store.Users().Get(ctx, tenantID, id)
	if err != nil {
		return storage.User{}, err
	}
	if u == nil {
		return storage.User{}, ErrAuthenticationFailed
	}
	return *u, nil
}

func (m *Manager) client(ctx context.Context, sess storage.LoginSession) (storage.Client, error) {
	c, err := m.store.Clients().Get(ctx, sess.TenantID, sess.ClientID)
	if err != nil {
		return storage.Client{}, err
	}
	if c == nil {
		return storage.Client{}, ErrInvalidClient
	}
	return *c, nil
}

// advance picks the next stage once the user is known: MFA, consent or completion.
func (m *Manager) advance(ctx context.Context, rc token.RequestContext, sess storage.LoginSession, id storage.Identity, user storage.User) (Result, error) {
	if user.MFAEnrolled && !slices.Contains(id.AMR, amrMFA) {
		return m.challenge(ctx, sess, id, user)
	}
	client, err := m.client(ctx, sess)
	if err != nil {
		return Result{Session: sess}, err
	}
	if scopes := token.ParseScope(sess.AuthParams.Scope); !client.FirstParty && len(scopes) > 0 {
		if err := m.transition(ctx, &sess, storage.ConsentPending{Identity: id, Scopes: scopes}, nil); err != nil {
			return Result{Session: sess}, err
		}
		return Result{Session: sess}, nil
	}
	return m.complete(ctx, rc, sess, id, client, user)
}

func (m *Manager) challenge(ctx context.Context, sess storage.LoginSession, id storage.Identity, user storage.User) (Result, error) {
	if m.email == nil {
		return Result{Session: sess}, errors.New("login: mfa needs an email sender")
	}
	code, value, err := m.codes.CreateOTP(ctx, sess.TenantID, codes.Payload{UserID: user.ID, LoginID: sess.ID, Email: user.Email})
	if err != nil {
		return Result{Session: sess}, err
	}
	ttl := m.codes.TTL(storage.CodeOTP, 0)
	if _, err := m.email.SendEmail(ctx, otpTemplate, map[string]any{
		"code":        value,
		"ttl_seconds": int(ttl / time.Second),
	}, delivery.Options{To: user.Email, Subject: "Your verification code", TenantID: sess.TenantID}); err != nil {
		return Result{Session: sess}, fmt.Errorf("login: deliver otp: %w", err)
	}
	if err := m.transition(ctx, &sess, storage.MFAPending{Identity: id, ChallengeID: code.ID, Channel: "email"}, nil); err != nil {
		return Result{Session: sess}, err
	}
	return Result{Session: sess}, nil
}

// complete runs the post-login pipeline and builds the authorization response.
func (m *Manager) complete(ctx context.Context, rc token.RequestContext, sess storage.LoginSession, id storage.Identity, client storage.Client, user storage.User) (Result, error) {
	ap := sess.AuthParams
	if m.pipeline != nil {
		res, err := m.pipeline.RunTrigger(ctx, rc.TenantID, storage.TriggerPostUserLogin, actions.Context{
			User:       &user,
			Client:     &client,
			AuthParams: ap,
		})
		if err != nil {
			if !errors.Is(err, actions.ErrPipelineAborted) {
				return Result{Session: sess}, err
			}
			obs.Logger().Warn().Err(err).Str("tenant_id", rc.TenantID).Str("client_id", client.ID).Msg("post-login pipeline aborted")
			return m.reject(ctx, sess, reasonPipeline)
		}
		if res.Context.User != nil {
			user = *res.Context.User
		}
	}
	if user.Blocked {
		return m.reject(ctx, sess, reasonBlocked)
	}

	now := m.now().UTC()
	logins := user.LoginsCount + 1
	if _, err := m.store.Users().Update(ctx, rc.TenantID, user.ID, storage.UserPatch{LoginsCount: &logins, LastLogin: &now}); err != nil {
		return Result{Session: sess}, err
	}

	done := storage.Completed{UserID: user.ID, AMR: id.AMR, CompletedAt: now}
	params := url.Values{}
	if ap.ResponseType == "code" {
		code, err := m.codes.Create(ctx, rc.TenantID, storage.CodeAuthorization, codes.Payload{
			UserID:       user.ID,
			LoginID:      sess.ID,
			ConnectionID: id.Connection,
		})
		if err != nil {
			return Result{Session: sess}, err
		}
		done.CodeID = code.ID
		params.Set("code", code.ID)
	} else {
		if m.tokens == nil {
			return Result{Session: sess}, errors.New("login: no token service for implicit responses")
		}
		toks, err := m.tokens.Authorize(ctx, rc, token.AuthorizeParams{Client: client, User: user, AuthParams: ap})
		if err != nil {
			return Result{Session: sess}, err
		}
		if hasResponseType(ap.ResponseType, "token") {
			params.Set("access_token", toks.AccessToken)
			params.Set("token_type", toks.TokenType)
			params.Set("expires_in", strconv.Itoa(toks.ExpiresIn))
			if toks.Scope != "" {
				params.Set("scope", toks.Scope)
			}
		}
		if hasResponseType(ap.ResponseType, "id_token") && toks.IDToken != "" {
			params.Set("id_token", toks.IDToken)
		}
	}
	if ap.State != "" {
		params.Set("state", ap.State)
	}

	// the session must outlive the authorization code it backs
	var keep *time.Time
	if until := now.Add(m.codes.TTL(storage.CodeAuthorization, 0)); until.After(sess.ExpiresAt) {
		keep = &until
	}
	if err := m.transition(ctx, &sess, done, keep); err != nil {
		return Result{Session: sess}, err
	}
	return Result{Session: sess, Completion: &Completion{
		RedirectURI:  ap.RedirectURI,
		ResponseMode: ap.ResponseMode,
		Params:       params,
	}}, nil
}

// reject abandons the session and sends the browser back with access_denied.
func (m *Manager) reject(ctx context.Context, sess storage.LoginSession, reason string) (Result, error) {
	if err := m.abandon(ctx, &sess, reason); err != nil {
		return Result{Session: sess}, err
	}
	c := errorCompletion(sess.AuthParams, "access_denied", "")
	return Result{Session: sess, Completion: &c}, ErrAuthenticationFailed
}
