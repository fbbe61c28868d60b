// Package login drives a login session from /authorize to the redirect back
// to the client. Every continuation lives in the persisted pipeline state.
package login

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"keyline.org/internal/actions"
	"keyline.org/internal/audit"
	"keyline.org/internal/codes"
	"keyline.org/internal/delivery"
	"keyline.org/internal/obs"
	"keyline.org/internal/storage"
	"keyline.org/internal/token"
)

var (
	ErrSessionNotFound         = errors.New("login: session not found")
	ErrInvalidTransition       = errors.New("login: invalid transition")
	ErrSessionExpired          = errors.New("login: session expired")
	ErrSessionCompleted        = errors.New("login: session already completed")
	ErrSessionAbandoned        = errors.New("login: session abandoned")
	ErrLoginRequired           = errors.New("login: login required")
	ErrAuthenticationFailed    = errors.New("login: authentication failed")
	ErrInvalidRequest          = errors.New("login: invalid request")
	ErrInvalidClient           = errors.New("login: invalid client")
	ErrUnsupportedResponseType = errors.New("login: unsupported response type")
)

const (
	DefaultSessionTTL = 30 * time.Minute

	ModeQuery    = "query"
	ModeFragment = "fragment"
	ModeFormPost = "form_post"

	otpTemplate = "mfa_otp"
)

var responseTypes = []string{"code", "token", "id_token", "id_token token"}

type Store interface {
	Tenants() storage.TenantStore
	Users() storage.UserStore
	Clients() storage.ClientStore
	LoginSessions() storage.LoginSessionStore
}

// Pipeline runs the flows bound to a trigger.
type Pipeline interface {
	RunTrigger(ctx context.Context, tenantID, trigger string, in actions.Context) (actions.Result, error)
}

// Authorizer mints front-channel tokens for implicit responses.
type Authorizer interface {
	Authorize(ctx context.Context, rc token.RequestContext, p token.AuthorizeParams) (token.Tokens, error)
}

type Manager struct {
	store      Store
	codes      *codes.Issuer
	pipeline   Pipeline
	tokens     Authorizer
	email      delivery.EmailSender
	now        func() time.Time
	sessionTTL time.Duration
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSessionTTL sets the lifetime used when the tenant does not configure one.
func WithSessionTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.sessionTTL = ttl
		}
	}
}

func WithEmailSender(s delivery.EmailSender) Option {
	return func(m *Manager) { m.email = s }
}

func New(store Store, issuer *codes.Issuer, pipeline Pipeline, tokens Authorizer, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		codes:      issuer,
		pipeline:   pipeline,
		tokens:     tokens,
		now:        time.Now,
		sessionTTL: DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result is the session after a call and, once the session reached a
// terminal stage, where to send the browser.
type Result struct {
	Session    storage.LoginSession
	Completion *Completion
}

func (r Result) Stage() storage.Stage { return r.Session.PipelineState.Stage() }

// Start validates an authorize request against the client and opens a session.
func (m *Manager) Start(ctx context.Context, rc token.RequestContext, req storage.AuthParams) (storage.LoginSession, error) {
	if req.ClientID == "" {
		return storage.LoginSession{}, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	client, err := m.store.Clients().Get(ctx, rc.TenantID, req.ClientID)
	if err != nil {
		return storage.LoginSession{}, err
	}
	if client == nil {
		return storage.LoginSession{}, fmt.Errorf("%w: unknown client", ErrInvalidClient)
	}
	if err := validateRedirect(*client, &req); err != nil {
		return storage.LoginSession{}, err
	}
	// past this point the redirect_uri is trusted and errors go back to the client
	if err := normalize(*client, &req); err != nil {
		return storage.LoginSession{}, redirectError(req, err)
	}
	if req.Prompt == "none" {
		return storage.LoginSession{}, redirectError(req, ErrLoginRequired)
	}

	ttl := m.sessionTTL
	tenant, err := m.store.Tenants().Get(ctx, rc.TenantID)
	if err != nil {
		return storage.LoginSession{}, err
	}
	if tenant != nil && tenant.SessionLifetime > 0 {
		ttl = time.Duration(tenant.SessionLifetime) * time.Second
	}
	now := m.now().UTC()
	sess, err := m.store.LoginSessions().Create(ctx, rc.TenantID, storage.LoginSession{
		ClientID:   client.ID,
		AuthParams: req,
		IP:         rc.IP,
		UserAgent:  rc.UserAgent,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return storage.LoginSession{}, err
	}
	obs.LoginTransition(string(storage.StageStarted))
	m.audit(ctx, sess, "login.started", nil)
	return sess, nil
}

func validateRedirect(client storage.Client, ap *storage.AuthParams) error {
	if ap.RedirectURI == "" && len(client.Callbacks) == 1 {
		ap.RedirectURI = client.Callbacks[0]
	}
	if ap.RedirectURI == "" {
		return fmt.Errorf("%w: redirect_uri is required", ErrInvalidRequest)
	}
	if !slices.Contains(client.Callbacks, ap.RedirectURI) {
		return fmt.Errorf("%w: redirect_uri is not registered for this client", ErrInvalidRequest)
	}
	return nil
}

func normalize(client storage.Client, ap *storage.AuthParams) error {
	rt := strings.Fields(ap.ResponseType)
	sort.Strings(rt)
	ap.ResponseType = strings.Join(rt, " ")
	if ap.ResponseType == "" {
		ap.ResponseType = "code"
	}
	if !slices.Contains(responseTypes, ap.ResponseType) {
		return fmt.Errorf("%w: %s", ErrUnsupportedResponseType, ap.ResponseType)
	}
	implicit := ap.ResponseType != "code"

	switch ap.ResponseMode {
	case "":
		ap.ResponseMode = ModeQuery
		if implicit {
			ap.ResponseMode = ModeFragment
		}
	case ModeQuery:
		if implicit {
			return fmt.Errorf("%w: tokens cannot be returned in the query", ErrInvalidRequest)
		}
	case ModeFragment, ModeFormPost:
	default:
		return fmt.Errorf("%w: unsupported response_mode %q", ErrInvalidRequest, ap.ResponseMode)
	}

	if ap.Scope == "" {
		ap.Scope = token.ScopeOpenID
	}
	if hasResponseType(ap.ResponseType, "id_token") {
		if !slices.Contains(token.ParseScope(ap.Scope), token.ScopeOpenID) {
			return fmt.Errorf("%w: id_token responses need the openid scope", ErrInvalidRequest)
		}
		if ap.Nonce == "" {
			return fmt.Errorf("%w: nonce is required for id_token responses", ErrInvalidRequest)
		}
	}

	if ap.CodeChallenge != "" {
		if ap.CodeChallengeMethod == "" {
			ap.CodeChallengeMethod = codes.MethodPlain
		}
		if ap.CodeChallengeMethod != codes.MethodS256 && ap.CodeChallengeMethod != codes.MethodPlain {
			return fmt.Errorf("%w: unsupported code_challenge_method %q", ErrInvalidRequest, ap.CodeChallengeMethod)
		}
	} else if ap.CodeChallengeMethod != "" {
		return fmt.Errorf("%w: code_challenge_method without code_challenge", ErrInvalidRequest)
	}
	if !implicit && client.Public() && ap.CodeChallenge == "" {
		return fmt.Errorf("%w: public clients must send a code_challenge", ErrInvalidRequest)
	}
	if implicit && !client.AllowsGrant("implicit") {
		return fmt.Errorf("%w: implicit grant is not enabled for this client", ErrInvalidRequest)
	}
	return nil
}

func hasResponseType(rt, want string) bool {
	return slices.Contains(strings.Fields(rt), want)
}

// load fetches a session and checks it may move on from one of the stages in from.
// Expiry wins over every other outcome.
func (m *Manager) load(ctx context.Context, tenantID, id string, from ...storage.Stage) (storage.LoginSession, error) {
	if id == "" {
		return storage.LoginSession{}, ErrSessionNotFound
	}
	sess, err := m.store.LoginSessions().Get(ctx, tenantID, id)
	if err != nil {
		return storage.LoginSession{}, err
	}
	if sess == nil {
		return storage.LoginSession{}, ErrSessionNotFound
	}
	now := m.now()
	switch step := sess.PipelineState.Step.(type) {
	case storage.Completed:
		if sess.Expired(now) {
			return *sess, ErrSessionExpired
		}
		return *sess, ErrSessionCompleted
	case storage.Abandoned:
		if step.Reason == reasonExpired || sess.Expired(now) {
			return *sess, ErrSessionExpired
		}
		return *sess, ErrSessionAbandoned
	}
	if sess.Expired(now) {
		if err := m.abandon(ctx, sess, reasonExpired); err != nil {
			obs.Logger().Warn().Err(err).Str("tenant_id", tenantID).Msg("mark expired login session")
		}
		return *sess, ErrSessionExpired
	}
	stage := sess.PipelineState.Stage()
	if !slices.Contains(from, stage) {
		return *sess, fmt.Errorf("%w: session is %s", ErrInvalidTransition, stage)
	}
	if m.busy(*sess, now) {
		return *sess, fmt.Errorf("%w: session is %s and busy", ErrInvalidTransition, stage)
	}
	return *sess, nil
}

// Get returns a session for display without advancing it.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (storage.LoginSession, error) {
	sess, err := m.store.LoginSessions().Get(ctx, tenantID, id)
	if err != nil {
		return storage.LoginSession{}, err
	}
	if sess == nil {
		return storage.LoginSession{}, ErrSessionNotFound
	}
	return *sess, nil
}

// transition moves sess to step. The write only lands while the stored state
// is still the one sess was read with; a racing writer turns it into
// ErrInvalidTransition. The claim survives only into the in-flight stages.
func (m *Manager) transition(ctx context.Context, sess *storage.LoginSession, step storage.Step, expiresAt *time.Time) error {
	state := storage.PipelineState{Step: step, Attributes: sess.PipelineState.Attributes}
	if !inFlight(step.Stage()) {
		state = state.Without(attrClaim)
	}
	if err := m.swap(ctx, sess, state, expiresAt); err != nil {
		return err
	}
	stage := string(step.Stage())
	obs.LoginTransition(stage)
	m.audit(ctx, *sess, "login."+strings.ToLower(stage), nil)
	return nil
}

func (m *Manager) swap(ctx context.Context, sess *storage.LoginSession, next storage.PipelineState, expiresAt *time.Time) error {
	ok, err := m.store.LoginSessions().Transition(ctx, sess.TenantID, sess.ID, sess.PipelineState, storage.LoginSessionPatch{
		PipelineState: &next,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session %s changed concurrently", ErrInvalidTransition, sess.PipelineState.Stage())
	}
	sess.PipelineState = next
	if expiresAt != nil {
		sess.ExpiresAt = *expiresAt
	}
	return nil
}

const (
	attrClaim = "claimed_at"
	// claimTTL bounds how long a crashed request can hold a session.
	claimTTL = 2 * time.Minute
)

// inFlight stages are passed through within one request and never wait for the user.
func inFlight(s storage.Stage) bool {
	return s == storage.StageCredentialVerified || s == storage.StageMFAVerified
}

func (m *Manager) busy(sess storage.LoginSession, now time.Time) bool {
	raw, ok := sess.PipelineState.Attributes[attrClaim]
	if !ok {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	return err == nil && now.Sub(at) < claimTTL
}

// locked claims the session, runs fn and drops the claim again when fn left
// the session claimed, so a failed step can be retried. Of two racing
// requests for the same session only one gets to run fn.
func (m *Manager) locked(ctx context.Context, sess storage.LoginSession, fn func(storage.LoginSession) (Result, error)) (Result, error) {
	claimed := sess.PipelineState.With(attrClaim, m.now().UTC().Format(time.RFC3339Nano))
	if err := m.swap(ctx, &sess, claimed, nil); err != nil {
		return Result{Session: sess}, err
	}
	res, err := fn(sess)
	if _, held := res.Session.PipelineState.Attributes[attrClaim]; held && res.Session.ID != "" {
		if rerr := m.swap(ctx, &res.Session, res.Session.PipelineState.Without(attrClaim), nil); rerr != nil {
			obs.Logger().Warn().Err(rerr).Str("tenant_id", sess.TenantID).Msg("release login session")
		}
	}
	return res, err
}

const (
	reasonExpired   = "expired"
	reasonCancelled = "cancelled"
	reasonDenied    = "consent_denied"
	reasonPipeline  = "pipeline_aborted"
	reasonBlocked   = "blocked"
)

func (m *Manager) abandon(ctx context.Context, sess *storage.LoginSession, reason string) error {
	return m.transition(ctx, sess, storage.Abandoned{From: sess.PipelineState.Stage(), Reason: reason}, nil)
}

func (m *Manager) audit(ctx context.Context, sess storage.LoginSession, event string, fields map[string]any) {
	f := map[string]any{"client_id": sess.ClientID, "stage": string(sess.PipelineState.Stage())}
	for k, v := range fields {
		f[k] = v
	}
	_ = audit.LogEvent(audit.WithTenant(ctx, sess.TenantID), event, f)
}
