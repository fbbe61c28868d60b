// Package token resolves scopes and permissions and mints signed access, ID
// and refresh tokens.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"keyline.org/internal/codes"
	"keyline.org/internal/obs"
	"keyline.org/internal/storage"
)

var (
	ErrInvalidRequest       = errors.New("token: invalid request")
	ErrInvalidClient        = errors.New("token: invalid client")
	ErrInvalidGrant         = errors.New("token: invalid grant")
	ErrUnauthorizedClient   = errors.New("token: unauthorized client")
	ErrUnsupportedGrantType = errors.New("token: unsupported grant type")
	ErrAccessDenied         = errors.New("token: access denied")
	ErrInvalidTarget        = errors.New("token: unknown audience")
	ErrInvalidToken         = errors.New("token: invalid token")
)

const (
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultIDTokenTTL = 10 * time.Hour

	userinfoPath = "userinfo"
)

// Store is the part of the storage adapter the service reads and writes.
type Store interface {
	Tenants() storage.TenantStore
	Users() storage.UserStore
	Clients() storage.ClientStore
	ResourceServers() storage.ResourceServerStore
	ClientGrants() storage.ClientGrantStore
	RefreshTokens() storage.RefreshTokenStore
	UserPermissions() storage.UserPermissionStore
	UserRoles() storage.UserRoleStore
	RolePermissions() storage.RolePermissionStore
}

// RequestContext carries request-derived values. It is passed explicitly so
// nothing request specific lives in process state.
type RequestContext struct {
	TenantID string
	// Issuer is the absolute base URL the request arrived on, with a trailing slash.
	Issuer    string
	IP        string
	UserAgent string
}

func (rc RequestContext) issuer(t *storage.Tenant) string {
	if t != nil && t.Issuer != "" {
		return withSlash(t.Issuer)
	}
	return withSlash(rc.Issuer)
}

func withSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

type Service struct {
	store      Store
	codes      *codes.Issuer
	keys       KeyProvider
	now        func() time.Time
	refreshTTL time.Duration
	idTokenTTL time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

func WithIDTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.idTokenTTL = ttl
		}
	}
}

func NewService(store Store, issuer *codes.Issuer, keys KeyProvider, opts ...Option) *Service {
	s := &Service{
		store:      store,
		codes:      issuer,
		keys:       keys,
		now:        time.Now,
		refreshTTL: defaultRefreshTTL,
		idTokenTTL: defaultIDTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys exposes the key provider, e.g. for JWKS publication.
func (s *Service) Keys() KeyProvider { return s.keys }

// Tokens is the token endpoint response body.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenParams is everything CreateAuthTokens needs.
type TokenParams struct {
	Request        RequestContext
	Tenant         *storage.Tenant
	Client         storage.Client
	User           *storage.User
	ResourceServer storage.ResourceServer
	// Scopes go into the access token; OIDCScopes steer ID and refresh tokens.
	Scopes       []string
	OIDCScopes   []string
	Permissions  []string
	Nonce        string
	Organization string
	GrantType    string
	// Browser selects token_lifetime_for_web.
	Browser bool
	// NoRefresh suppresses refresh token issuance, e.g. for implicit responses.
	NoRefresh bool
}

// CreateAuthTokens signs the access token and, when asked for and allowed,
// an ID token and a refresh token.
func (s *Service) CreateAuthTokens(ctx context.Context, p TokenParams) (Tokens, error) {
	now := s.now().UTC()
	rs := p.ResourceServer
	lifetime := rs.TokenLifetime
	if p.Browser && rs.TokenLifetimeForWeb > 0 {
		lifetime = rs.TokenLifetimeForWeb
	}
	if lifetime <= 0 {
		return Tokens{}, fmt.Errorf("%w: resource server has no token lifetime", ErrInvalidTarget)
	}
	iss := p.Request.issuer(p.Tenant)

	claims := jwt.MapClaims{
		"iss": iss,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(lifetime) * time.Second).Unix(),
		"jti": uuid.NewString(),
		"azp": p.Client.ID,
	}
	aud := []string{rs.Identifier}
	if p.User != nil {
		claims["sub"] = p.User.ID
		if slices.Contains(p.OIDCScopes, ScopeOpenID) && rs.Identifier != iss+userinfoPath {
			aud = append(aud, iss+userinfoPath)
		}
	} else {
		claims["sub"] = p.Client.ID + "@clients"
		claims["gty"] = "client-credentials"
	}
	if len(aud) == 1 {
		claims["aud"] = aud[0]
	} else {
		claims["aud"] = aud
	}
	claims["scope"] = strings.Join(p.Scopes, " ")
	if rs.TokenDialect == storage.DialectAccessTokenAuthz && rs.EnforcePolicies {
		perms := p.Permissions
		if perms == nil {
			perms = []string{}
		}
		claims["permissions"] = perms
	}
	if p.Organization != "" {
		claims["org_id"] = p.Organization
	}

	access, err := s.signAccess(ctx, p.Request.TenantID, rs, claims)
	if err != nil {
		return Tokens{}, err
	}
	out := Tokens{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   lifetime,
		Scope:       strings.Join(dedupe(append(slices.Clone(p.OIDCScopes), p.Scopes...)), " "),
	}

	if p.User != nil && slices.Contains(p.OIDCScopes, ScopeOpenID) {
		out.IDToken, err = s.signIDToken(ctx, p, iss, now)
		if err != nil {
			return Tokens{}, err
		}
	}
	if p.User != nil && !p.NoRefresh && rs.AllowOfflineAccess && slices.Contains(p.OIDCScopes, ScopeOfflineAccess) {
		out.RefreshToken, err = s.createRefreshToken(ctx, p, now)
		if err != nil {
			return Tokens{}, err
		}
	}
	if p.GrantType != "" {
		obs.TokenIssued(p.GrantType)
	}
	return out, nil
}

func (s *Service) signAccess(ctx context.Context, tenantID string, rs storage.ResourceServer, claims jwt.MapClaims) (string, error) {
	if rs.SigningAlg == storage.SigningHS256 {
		if rs.SigningSecret == "" {
			return "", fmt.Errorf("%w: resource server has no signing secret", ErrInvalidTarget)
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(rs.SigningSecret))
	}
	return s.signRS256(ctx, tenantID, claims)
}

func (s *Service) signRS256(ctx context.Context, tenantID string, claims jwt.MapClaims) (string, error) {
	key, err := s.keys.SigningKey(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("signing key: %w", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.ID
	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) signIDToken(ctx context.Context, p TokenParams, iss string, now time.Time) (string, error) {
	u := p.User
	claims := jwt.MapClaims{
		"iss": iss,
		"sub": u.ID,
		"aud": p.Client.ID,
		"iat": now.Unix(),
		"exp": now.Add(s.idTokenTTL).Unix(),
	}
	if p.Nonce != "" {
		claims["nonce"] = p.Nonce
	}
	if slices.Contains(p.OIDCScopes, ScopeEmail) {
		claims["email"] = u.Email
		claims["email_verified"] = u.EmailVerified
	}
	if slices.Contains(p.OIDCScopes, ScopeProfile) {
		claims["name"] = u.Name
		claims["updated_at"] = u.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if p.Organization != "" {
		claims["org_id"] = p.Organization
	}
	return s.signRS256(ctx, p.Request.TenantID, claims)
}

// Refresh tokens are "<id>.<secret>"; only the secret's SHA-256 is stored.
func (s *Service) createRefreshToken(ctx context.Context, p TokenParams, now time.Time) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	rec, err := s.store.RefreshTokens().Create(ctx, p.Request.TenantID, storage.RefreshToken{
		ClientID:     p.Client.ID,
		UserID:       p.User.ID,
		Audience:     p.ResourceServer.Identifier,
		Scope:        strings.Join(dedupe(append(slices.Clone(p.OIDCScopes), p.Scopes...)), " "),
		Organization: p.Organization,
		TokenHash:    hashSecret(secret),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.refreshTTL),
	})
	if err != nil {
		return "", err
	}
	return rec.ID + "." + secret, nil
}

func splitRefreshToken(raw string) (id, secret string, ok bool) {
	id, secret, ok = strings.Cut(raw, ".")
	return id, secret, ok && id != "" && secret != ""
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(hashSecret(secret))) == 1
}

// resourceServer resolves an audience. The tenant's userinfo endpoint is a
// built-in audience used when nothing else was requested.
func (s *Service) resourceServer(ctx context.Context, rc RequestContext, tenant *storage.Tenant, audience string) (storage.ResourceServer, error) {
	iss := rc.issuer(tenant)
	if audience == "" && tenant != nil {
		audience = tenant.DefaultAudience
	}
	if audience == "" || audience == iss+userinfoPath {
		return storage.ResourceServer{
			Name:                "userinfo",
			Identifier:          iss + userinfoPath,
			Scopes:              []storage.ResourceServerScope{{Value: ScopeOpenID}, {Value: ScopeProfile}, {Value: ScopeEmail}},
			TokenDialect:        storage.DialectAccessToken,
			TokenLifetime:       86400,
			TokenLifetimeForWeb: 7200,
			SigningAlg:          storage.SigningRS256,
		}, nil
	}
	return s.lookupResourceServer(ctx, rc.TenantID, audience)
}

func (s *Service) tenant(ctx context.Context, tenantID string) (*storage.Tenant, error) {
	return s.store.Tenants().Get(ctx, tenantID)
}

// AuthorizeParams is the completed login an implicit response is minted for.
type AuthorizeParams struct {
	Client     storage.Client
	User       storage.User
	AuthParams storage.AuthParams
}

// Authorize mints tokens for implicit and hybrid responses. Refresh tokens are
// never returned through the front channel.
func (s *Service) Authorize(ctx context.Context, rc RequestContext, p AuthorizeParams) (Tokens, error) {
	tenant, err := s.tenant(ctx, rc.TenantID)
	if err != nil {
		return Tokens{}, err
	}
	return s.issueForUser(ctx, rc, tenant, p.Client, p.User, p.AuthParams, ParseScope(p.AuthParams.Scope), "implicit", true, true)
}

func (s *Service) issueForUser(ctx context.Context, rc RequestContext, tenant *storage.Tenant, client storage.Client, user storage.User,
	ap storage.AuthParams, requested []string, grantType string, browser, noRefresh bool) (Tokens, error) {
	rs, err := s.resourceServer(ctx, rc, tenant, ap.Audience)
	if err != nil {
		return Tokens{}, err
	}
	oidc, _ := splitOIDC(requested)
	grant, err := s.CalculateScopesAndPermissions(ctx, rc.TenantID, user.ID, rs, requested, ap.Organization)
	if err != nil {
		return Tokens{}, err
	}
	scopes := grant.Scopes
	return s.CreateAuthTokens(ctx, TokenParams{
		Request:        rc,
		Tenant:         tenant,
		Client:         client,
		User:           &user,
		ResourceServer: rs,
		Scopes:         scopes,
		OIDCScopes:     oidc,
		Permissions:    grant.Permissions,
		Nonce:          ap.Nonce,
		Organization:   ap.Organization,
		GrantType:      grantType,
		Browser:        browser,
		NoRefresh:      noRefresh,
	})
}
