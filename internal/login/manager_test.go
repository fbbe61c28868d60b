package login

import (
	"context"
	"errors"
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
	"keyline.org/internal/codes"
	"keyline.org/internal/delivery"
	"keyline.org/internal/storage"
	"keyline.org/internal/store/kv"
	"keyline.org/internal/token"
)

const (
	callback = "https://app.test/cb"
	password = "correct horse battery staple"
	verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

var (
	keysOnce sync.Once
	keys     *token.StaticKeys
	keysErr  error
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	mgr    *Manager
	store  *kv.Store
	tokens *token.Service
	sender *delivery.LogSender
	clk    *clock
	rc     token.RequestContext

	spa storage.Client
	web storage.Client
	ada storage.User
	bob storage.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	mr.SetTime(time.Now())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keysOnce.Do(func() { keys, keysErr = token.GenerateStaticKeys(2048) })
	require.NoError(t, keysErr)

	store := kv.New(rdb)
	issuer := codes.New(store)
	sender := delivery.NewLogSender(zerolog.Nop())
	tokens := token.NewService(store, issuer, keys)
	exec := actions.New(store, actions.WithEmailSender(sender))
	clk := &clock{now: time.Now().UTC().Truncate(time.Second)}

	h := &harness{
		mgr:    New(store, issuer, exec, tokens, WithClock(clk.Now), WithEmailSender(sender)),
		store:  store,
		tokens: tokens,
		sender: sender,
		clk:    clk,
		rc:     token.RequestContext{TenantID: "t1", Issuer: "https://acme.test/", IP: "203.0.113.7", UserAgent: "test"},
	}
	_, err := store.Tenants().Create(ctx, storage.Tenant{ID: "t1", Name: "Acme", Issuer: "https://acme.test/"})
	require.NoError(t, err)

	h.spa, err = store.Clients().Create(ctx, "t1", storage.Client{
		Name: "spa", AppType: storage.AppTypeSPA, FirstParty: true, Callbacks: []string{callback},
	})
	require.NoError(t, err)
	h.web, err = store.Clients().Create(ctx, "t1", storage.Client{
		Name: "partner", AppType: storage.AppTypeRegularWeb, Callbacks: []string{callback},
	})
	require.NoError(t, err)

	hash, err := HashPassword(password)
	require.NoError(t, err)
	h.ada, err = store.Users().Create(ctx, "t1", storage.User{Email: "ada@example.com", Name: "Ada", PasswordHash: hash, EmailVerified: true})
	require.NoError(t, err)
	h.bob, err = store.Users().Create(ctx, "t1", storage.User{Email: "bob@example.com", PasswordHash: hash, MFAEnrolled: true})
	require.NoError(t, err)
	return h
}

func (h *harness) bindFlow(t *testing.T, steps ...storage.ActionStep) {
	t.Helper()
	ctx := context.Background()
	flow, err := h.store.Flows().Create(ctx, "t1", storage.Flow{Name: "post-login", Actions: steps})
	require.NoError(t, err)
	_, err = h.store.Hooks().Create(ctx, "t1", storage.Hook{TriggerID: storage.TriggerPostUserLogin, FlowID: flow.ID, Enabled: true})
	require.NoError(t, err)
}

func (h *harness) startSPA(t *testing.T) storage.LoginSession {
	t.Helper()
	sess, err := h.mgr.Start(context.Background(), h.rc, storage.AuthParams{
		ClientID:            h.spa.ID,
		RedirectURI:         callback,
		Scope:               "openid email",
		State:               "xyz",
		CodeChallenge:       codes.S256Challenge(verifier),
		CodeChallengeMethod: codes.MethodS256,
	})
	require.NoError(t, err)
	return sess
}

func TestStartValidatesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: "nope", RedirectURI: callback})
	require.ErrorIs(t, err, ErrInvalidClient)

	_, err = h.mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: h.web.ID, RedirectURI: "https://evil.test/cb"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	var re *RedirectError
	require.False(t, errors.As(err, &re), "unregistered redirect targets are never used")

	_, err = h.mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: h.web.ID, RedirectURI: callback, ResponseType: "code token"})
	require.ErrorIs(t, err, ErrUnsupportedResponseType)
	require.ErrorAs(t, err, &re)
	require.Equal(t, "unsupported_response_type", re.OAuthCode())

	_, err = h.mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: h.spa.ID, RedirectURI: callback})
	require.ErrorIs(t, err, ErrInvalidRequest, "public clients need PKCE")

	_, err = h.mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: h.web.ID, RedirectURI: callback, ResponseType: "token", ResponseMode: ModeQuery})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.mgr.Start(ctx, h.rc, storage.AuthParams{
		ClientID: h.web.ID, RedirectURI: callback, CodeChallenge: "abc", CodeChallengeMethod: "S512",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: h.web.ID, RedirectURI: callback, Prompt: "none", State: "s-9"})
	require.ErrorIs(t, err, ErrLoginRequired)
	require.ErrorAs(t, err, &re)
	loc, err := re.Completion.Location()
	require.NoError(t, err)
	u, err := url.Parse(loc)
	require.NoError(t, err)
	require.Equal(t, "login_required", u.Query().Get("error"))
	require.Equal(t, "s-9", u.Query().Get("state"))
}

func TestStartDefaults(t *testing.T) {
	h := newHarness(t)
	sess, err := h.mgr.Start(context.Background(), h.rc, storage.AuthParams{ClientID: h.web.ID})
	require.NoError(t, err)
	require.Equal(t, storage.StageStarted, sess.PipelineState.Stage())
	require.Equal(t, callback, sess.AuthParams.RedirectURI, "single callback is the default")
	require.Equal(t, "code", sess.AuthParams.ResponseType)
	require.Equal(t, ModeQuery, sess.AuthParams.ResponseMode)
	require.Equal(t, "openid", sess.AuthParams.Scope)
	require.Equal(t, DefaultSessionTTL, sess.ExpiresAt.Sub(sess.CreatedAt))
	require.Equal(t, "203.0.113.7", sess.IP)
}

func TestPasswordLoginIssuesRedeemableCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bindFlow(t, storage.ActionStep{
		ID:     "tag",
		Type:   storage.ActionTypeAuth0,
		Action: "UPDATE_USER",
		Params: map[string]any{"app_metadata": map[string]any{"last_client": "{{client.client_id}}"}},
	})
	sess := h.startSPA(t)

	res, err := h.mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "  Ada@Example.com ")
	require.NoError(t, err)
	require.Equal(t, storage.StageIdentifierEntered, res.Stage())

	res, err = h.mgr.SubmitPassword(ctx, h.rc, sess.ID, "wrong")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.Equal(t, storage.StageIdentifierEntered, res.Stage())

	res, err = h.mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.NoError(t, err)
	require.Equal(t, storage.StageCompleted, res.Stage())
	require.NotNil(t, res.Completion)
	require.Equal(t, ModeQuery, res.Completion.ResponseMode)

	loc, err := res.Completion.Location()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(loc, callback+"?"))
	u, err := url.Parse(loc)
	require.NoError(t, err)
	require.Equal(t, "xyz", u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	toks, err := h.tokens.Exchange(ctx, h.rc, token.TokenRequest{
		GrantType:    token.GrantAuthorizationCode,
		ClientID:     h.spa.ID,
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  callback,
	})
	require.NoError(t, err)
	require.NotEmpty(t, toks.AccessToken)
	require.NotEmpty(t, toks.IDToken)

	user, err := h.store.Users().Get(ctx, "t1", h.ada.ID)
	require.NoError(t, err)
	require.Equal(t, 1, user.LoginsCount)
	require.NotNil(t, user.LastLogin)
	require.Equal(t, h.spa.ID, user.AppMetadata["last_client"])

	_, err = h.mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.ErrorIs(t, err, ErrSessionCompleted)
}

func TestUnknownUserFailsLikeBadPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.startSPA(t)
	_, err := h.mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "nobody@example.com")
	require.NoError(t, err)
	_, err = h.mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestMFAThenConsent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: h.web.ID, Scope: "openid profile", State: "s1"})
	require.NoError(t, err)

	_, err = h.mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "bob@example.com")
	require.NoError(t, err)
	res, err := h.mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.NoError(t, err)
	require.Equal(t, storage.StageMFAPending, res.Stage())
	require.Nil(t, res.Completion)

	msg, ok := h.sender.Last("bob@example.com")
	require.True(t, ok)
	require.Equal(t, otpTemplate, msg.Template)
	otp, _ := msg.Data["code"].(string)
	require.Len(t, otp, 6)

	_, err = h.mgr.SubmitOTP(ctx, h.rc, sess.ID, "not-a-code")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	current, err := h.mgr.Get(ctx, "t1", sess.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StageMFAPending, current.PipelineState.Stage())

	res, err = h.mgr.SubmitOTP(ctx, h.rc, sess.ID, otp)
	require.NoError(t, err)
	require.Equal(t, storage.StageConsentPending, res.Stage(), "third-party clients ask for consent")
	pending := res.Session.PipelineState.Step.(storage.ConsentPending)
	require.Equal(t, []string{"openid", "profile"}, pending.Scopes)
	require.Equal(t, []string{amrPassword, amrMFA}, pending.AMR)

	res, err = h.mgr.SubmitConsent(ctx, h.rc, sess.ID, true)
	require.NoError(t, err)
	require.Equal(t, storage.StageCompleted, res.Stage())
	require.NotEmpty(t, res.Completion.Params.Get("code"))
	require.Equal(t, "s1", res.Completion.Params.Get("state"))
}

func TestConsentDeniedAbandons(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: h.web.ID, Scope: "openid", State: "s2"})
	require.NoError(t, err)
	_, err = h.mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "ada@example.com")
	require.NoError(t, err)
	res, err := h.mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.NoError(t, err)
	require.Equal(t, storage.StageConsentPending, res.Stage())

	res, err = h.mgr.SubmitConsent(ctx, h.rc, sess.ID, false)
	require.NoError(t, err)
	require.Equal(t, storage.StageAbandoned, res.Stage())
	require.Equal(t, "access_denied", res.Completion.Params.Get("error"))
	require.Equal(t, "s2", res.Completion.Params.Get("state"))

	_, err = h.mgr.SubmitConsent(ctx, h.rc, sess.ID, true)
	require.ErrorIs(t, err, ErrSessionAbandoned)
}

func TestExpiredSessionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.startSPA(t)
	h.clk.Advance(DefaultSessionTTL + time.Second)

	_, err := h.mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "ada@example.com")
	require.ErrorIs(t, err, ErrSessionExpired)
	_, err = h.mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "ada@example.com")
	require.ErrorIs(t, err, ErrSessionExpired)

	current, err := h.mgr.Get(ctx, "t1", sess.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StageAbandoned, current.PipelineState.Stage())
}

func TestOutOfOrderStepsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.startSPA(t)

	_, err := h.mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.mgr.SubmitOTP(ctx, h.rc, sess.ID, "123456")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.mgr.SubmitConsent(ctx, h.rc, sess.ID, true)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.mgr.SubmitIdentifier(ctx, token.RequestContext{TenantID: "t2"}, sess.ID, "ada@example.com")
	require.ErrorIs(t, err, ErrSessionNotFound, "sessions are tenant scoped")
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.startSPA(t)
	res, err := h.mgr.Cancel(ctx, h.rc, sess.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StageAbandoned, res.Stage())
	require.Equal(t, "access_denied", res.Completion.Params.Get("error"))

	_, err = h.mgr.Cancel(ctx, h.rc, sess.ID)
	require.ErrorIs(t, err, ErrSessionAbandoned)
}

func TestPipelineAbortFailsLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bindFlow(t, storage.ActionStep{
		ID:     "deny",
		Type:   storage.ActionTypeAuth0,
		Action: "SEND_REQUEST",
		Params: map[string]any{"url": "ftp://policy.internal/check"},
	})
	sess := h.startSPA(t)
	_, err := h.mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "ada@example.com")
	require.NoError(t, err)

	res, err := h.mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	require.NotErrorIs(t, err, actions.ErrPipelineAborted, "step detail stays internal")
	require.Equal(t, storage.StageAbandoned, res.Stage())
	require.NotNil(t, res.Completion)
	require.Equal(t, "access_denied", res.Completion.Params.Get("error"))
	require.Empty(t, res.Completion.Params.Get("error_description"))
}

func TestImplicitFlowReturnsTokensInFragment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.mgr.Start(ctx, h.rc, storage.AuthParams{
		ClientID:     h.spa.ID,
		RedirectURI:  callback,
		ResponseType: "token id_token",
		Scope:        "openid",
		Nonce:        "n-1",
		State:        "s3",
	})
	require.NoError(t, err)
	require.Equal(t, "id_token token", sess.AuthParams.ResponseType)
	require.Equal(t, ModeFragment, sess.AuthParams.ResponseMode)

	_, err = h.mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "ada@example.com")
	require.NoError(t, err)
	res, err := h.mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.NoError(t, err)

	loc, err := res.Completion.Location()
	require.NoError(t, err)
	base, fragment, ok := strings.Cut(loc, "#")
	require.True(t, ok)
	require.Equal(t, callback, base)
	params, err := url.ParseQuery(fragment)
	require.NoError(t, err)
	require.NotEmpty(t, params.Get("access_token"))
	require.NotEmpty(t, params.Get("id_token"))
	require.Equal(t, "Bearer", params.Get("token_type"))
	require.Equal(t, "7200", params.Get("expires_in"))
	require.Equal(t, "s3", params.Get("state"))
	require.Empty(t, params.Get("refresh_token"))
}

// reentrantPipeline fires a second consent for the same session while the
// first one is still running the post-login flow.
type reentrantPipeline struct {
	mgr       *Manager
	rc        token.RequestContext
	sessionID string
	runs      int
	inner     error
}

func (p *reentrantPipeline) RunTrigger(ctx context.Context, _, _ string, in actions.Context) (actions.Result, error) {
	p.runs++
	if p.runs == 1 {
		_, p.inner = p.mgr.SubmitConsent(ctx, p.rc, p.sessionID, true)
	}
	return actions.Result{Context: in}, nil
}

func (h *harness) consentPending(t *testing.T, mgr *Manager) storage.LoginSession {
	t.Helper()
	ctx := context.Background()
	sess, err := mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: h.web.ID, Scope: "openid", State: "s4"})
	require.NoError(t, err)
	_, err = mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "ada@example.com")
	require.NoError(t, err)
	res, err := mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.NoError(t, err)
	require.Equal(t, storage.StageConsentPending, res.Stage())
	return res.Session
}

func TestRacingConsentCompletesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pipe := &reentrantPipeline{rc: h.rc}
	mgr := New(h.store, codes.New(h.store), pipe, h.tokens, WithClock(h.clk.Now), WithEmailSender(h.sender))
	pipe.mgr = mgr
	sess := h.consentPending(t, mgr)
	pipe.sessionID = sess.ID

	res, err := mgr.SubmitConsent(ctx, h.rc, sess.ID, true)
	require.NoError(t, err)
	require.Equal(t, storage.StageCompleted, res.Stage())
	require.NotEmpty(t, res.Completion.Params.Get("code"))
	require.ErrorIs(t, pipe.inner, ErrInvalidTransition)
	require.Equal(t, 1, pipe.runs)
	require.Empty(t, res.Session.PipelineState.Attributes)

	user, err := h.store.Users().Get(ctx, "t1", h.ada.ID)
	require.NoError(t, err)
	require.Equal(t, 1, user.LoginsCount)

	_, err = mgr.SubmitConsent(ctx, h.rc, sess.ID, true)
	require.ErrorIs(t, err, ErrSessionCompleted)
}

func TestParallelConsentHasOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.consentPending(t, h.mgr)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		issued  []string
		losses  []error
		barrier = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-barrier
			res, err := h.mgr.SubmitConsent(ctx, h.rc, sess.ID, true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				losses = append(losses, err)
				return
			}
			issued = append(issued, res.Completion.Params.Get("code"))
		}()
	}
	close(barrier)
	wg.Wait()

	require.Len(t, issued, 1)
	for _, err := range losses {
		require.True(t, errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrSessionCompleted), "unexpected error %v", err)
	}
	user, err := h.store.Users().Get(ctx, "t1", h.ada.ID)
	require.NoError(t, err)
	require.Equal(t, 1, user.LoginsCount)
}

type flakySender struct {
	mu   sync.Mutex
	down bool
	next delivery.EmailSender
}

func (f *flakySender) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakySender) SendEmail(ctx context.Context, template string, data map[string]any, opts delivery.Options) (delivery.Result, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return delivery.Result{}, errors.New("smtp: connection refused")
	}
	return f.next.SendEmail(ctx, template, data, opts)
}

func TestFailedOTPDeliveryCanBeRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sender := &flakySender{down: true, next: h.sender}
	mgr := New(h.store, codes.New(h.store), nil, h.tokens, WithClock(h.clk.Now), WithEmailSender(sender))

	sess, err := mgr.Start(ctx, h.rc, storage.AuthParams{ClientID: h.web.ID, Scope: "openid"})
	require.NoError(t, err)
	_, err = mgr.SubmitIdentifier(ctx, h.rc, sess.ID, "bob@example.com")
	require.NoError(t, err)

	_, err = mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAuthenticationFailed)
	current, err := mgr.Get(ctx, "t1", sess.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StageCredentialVerified, current.PipelineState.Stage())
	require.Empty(t, current.PipelineState.Attributes, "a failed step releases the session")

	sender.setDown(false)
	_, err = mgr.SubmitPassword(ctx, h.rc, sess.ID, "wrong")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	res, err := mgr.SubmitPassword(ctx, h.rc, sess.ID, password)
	require.NoError(t, err)
	require.Equal(t, storage.StageMFAPending, res.Stage())
	msg, ok := h.sender.Last("bob@example.com")
	require.True(t, ok)
	require.Equal(t, otpTemplate, msg.Template)
}

func TestTerminalSessionsReportExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := h.startSPA(t)
	_, err := h.mgr.SubmitIdentifier(ctx, h.rc, done.ID, "ada@example.com")
	require.NoError(t, err)
	res, err := h.mgr.SubmitPassword(ctx, h.rc, done.ID, password)
	require.NoError(t, err)
	require.Equal(t, storage.StageCompleted, res.Stage())

	cancelled := h.startSPA(t)
	_, err = h.mgr.Cancel(ctx, h.rc, cancelled.ID)
	require.NoError(t, err)

	_, err = h.mgr.SubmitPassword(ctx, h.rc, done.ID, password)
	require.ErrorIs(t, err, ErrSessionCompleted)

	h.clk.Advance(DefaultSessionTTL + time.Hour)
	_, err = h.mgr.SubmitPassword(ctx, h.rc, done.ID, password)
	require.ErrorIs(t, err, ErrSessionExpired)
	_, err = h.mgr.Cancel(ctx, h.rc, cancelled.ID)
	require.ErrorIs(t, err, ErrSessionExpired)
}
