// Package codes issues and redeems single-use codes: authorization codes,
// email verification, password reset and invite tickets, and OTPs.
package codes

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"keyline.org/internal/ids"
	"keyline.org/internal/obs"
	"keyline.org/internal/storage"
)

var (
	ErrNotFound       = storage.ErrCodeNotFound
	ErrExpired        = storage.ErrCodeExpired
	ErrAlreadyUsed    = storage.ErrCodeUsed
	ErrInvalidGrant   = errors.New("codes: invalid grant")
	ErrInvalidPayload = errors.New("codes: invalid payload")
)

const (
	idBytes = 32
	// MaxTTL bounds any requested lifetime.
	MaxTTL = 30 * 24 * time.Hour
)

// DefaultTTL is the lifetime policy per code type.
var DefaultTTL = map[storage.CodeType]time.Duration{
	storage.CodeAuthorization:     60 * time.Second,
	storage.CodeOTP:               5 * time.Minute,
	storage.CodeEmailVerification: 24 * time.Hour,
	storage.CodePasswordReset:     24 * time.Hour,
	storage.CodeInvite:            7 * 24 * time.Hour,
}

// Store is the part of the storage adapter the issuer needs.
type Store interface {
	Codes() storage.CodeStore
	LoginSessions() storage.LoginSessionStore
}

// Payload describes what a code is bound to.
type Payload struct {
	UserID       string
	LoginID      string
	ConnectionID string
	CodeVerifier string
	Email        string
	// TTL overrides the policy lifetime. It is clamped to MaxTTL.
	TTL time.Duration
}

type Issuer struct {
	store Store
	now   func() time.Time
	ttl   map[storage.CodeType]time.Duration
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithTTL overrides the default lifetime for one code type.
func WithTTL(typ storage.CodeType, ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl[typ] = ttl
		}
	}
}

func New(store Store, opts ...Option) *Issuer {
	i := &Issuer{store: store, now: time.Now, ttl: make(map[storage.CodeType]time.Duration, len(DefaultTTL))}
	for typ, ttl := range DefaultTTL {
		i.ttl[typ] = ttl
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL returns the effective lifetime for typ given an optional requested value.
func (i *Issuer) TTL(typ storage.CodeType, requested time.Duration) time.Duration {
	ttl := i.ttl[typ]
	if requested > 0 {
		ttl = requested
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	return ttl
}

// Create stores a new code with a 256-bit random identifier.
func (i *Issuer) Create(ctx context.Context, tenantID string, typ storage.CodeType, p Payload) (storage.Code, error) {
	return i.create(ctx, tenantID, typ, p, "")
}

func (i *Issuer) create(ctx context.Context, tenantID string, typ storage.CodeType, p Payload, secretHash string) (storage.Code, error) {
	if !typ.Valid() {
		return storage.Code{}, fmt.Errorf("%w: unknown code type %q", ErrInvalidPayload, typ)
	}
	if p.TTL < 0 {
		return storage.Code{}, fmt.Errorf("%w: negative ttl", ErrInvalidPayload)
	}
	id, err := ids.Secret(idBytes)
	if err != nil {
		return storage.Code{}, err
	}
	now := i.now().UTC()
	code, err := i.store.Codes().Create(ctx, tenantID, storage.Code{
		ID:           id,
		Type:         typ,
		UserID:       p.UserID,
		LoginID:      p.LoginID,
		ConnectionID: p.ConnectionID,
		CodeVerifier: p.CodeVerifier,
		SecretHash:   secretHash,
		Email:        p.Email,
		CreatedAt:    now,
		ExpiresAt:    now.Add(i.TTL(typ, p.TTL)),
	})
	if err != nil {
		return storage.Code{}, err
	}
	obs.CodeIssued(string(typ))
	return code, nil
}

// Consume redeems a code exactly once.
func (i *Issuer) Consume(ctx context.Context, tenantID, id string, typ storage.CodeType) (storage.Code, error) {
	code, err := i.store.Codes().Consume(ctx, tenantID, id, typ, i.now())
	obs.CodeConsumed(string(typ), outcome(err))
	return code, err
}

// AuthorizationGrant is a redeemed authorization code with the session that produced it.
type AuthorizationGrant struct {
	Code    storage.Code
	Session *storage.LoginSession
}

// Redemption is what the token request presents alongside an authorization code.
type Redemption struct {
	Verifier    string
	ClientID    string
	RedirectURI string
	// RequirePKCE rejects codes whose session carried no code_challenge.
	RequirePKCE bool
}

// ConsumeAuthorizationCode checks the redemption against the login session
// that produced the code and only then redeems it, so a request from the wrong
// client or with a wrong verifier leaves the code usable.
func (i *Issuer) ConsumeAuthorizationCode(ctx context.Context, tenantID, id string, r Redemption) (AuthorizationGrant, error) {
	code, err := i.store.Codes().Get(ctx, tenantID, id, storage.CodeAuthorization)
	if err != nil {
		return AuthorizationGrant{}, err
	}
	if code == nil {
		obs.CodeConsumed(string(storage.CodeAuthorization), outcome(ErrNotFound))
		return AuthorizationGrant{}, ErrNotFound
	}
	if code.LoginID == "" {
		return AuthorizationGrant{}, fmt.Errorf("%w: code has no login session", ErrInvalidGrant)
	}
	session, err := i.store.LoginSessions().Get(ctx, tenantID, code.LoginID)
	if err != nil {
		return AuthorizationGrant{}, err
	}
	if session == nil {
		return AuthorizationGrant{}, fmt.Errorf("%w: login session is gone", ErrInvalidGrant)
	}
	if err := r.check(session.AuthParams); err != nil {
		obs.CodeConsumed(string(storage.CodeAuthorization), "rejected")
		return AuthorizationGrant{}, err
	}

	consumed, err := i.Consume(ctx, tenantID, id, storage.CodeAuthorization)
	if err != nil {
		return AuthorizationGrant{}, err
	}
	return AuthorizationGrant{Code: consumed, Session: session}, nil
}

func (r Redemption) check(ap storage.AuthParams) error {
	if r.ClientID != "" && ap.ClientID != r.ClientID {
		return fmt.Errorf("%w: code was issued to another client", ErrInvalidGrant)
	}
	if ap.RedirectURI != "" && r.RedirectURI != ap.RedirectURI {
		return fmt.Errorf("%w: redirect_uri does not match", ErrInvalidGrant)
	}
	if ap.CodeChallenge == "" {
		if r.RequirePKCE {
			return fmt.Errorf("%w: public clients must use PKCE", ErrInvalidGrant)
		}
		return nil
	}
	if !VerifyPKCE(ap.CodeChallengeMethod, ap.CodeChallenge, r.Verifier) {
		return fmt.Errorf("%w: code_verifier does not match", ErrInvalidGrant)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyUsed):
		return "used"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// PKCE methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// S256Challenge derives the S256 code_challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE reports whether verifier satisfies challenge. An empty method means plain.
func VerifyPKCE(method, challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	var expected string
	switch method {
	case MethodS256:
		expected = S256Challenge(verifier)
	case MethodPlain, "":
		expected = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
