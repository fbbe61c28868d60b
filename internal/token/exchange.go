package token

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"keyline.org/internal/codes"
	"keyline.org/internal/storage"
)

// Grant types accepted by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// TokenRequest is a parsed token endpoint request.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	RedirectURI  string
	RefreshToken string
	Audience     string
	Scope        string
	Organization string
}

// HashClientSecret returns the stored form of a client secret.
func HashClientSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Exchange runs one token endpoint request.
func (s *Service) Exchange(ctx context.Context, rc RequestContext, req TokenRequest) (Tokens, error) {
	if req.ClientID == "" {
		return Tokens{}, fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	switch req.GrantType {
	case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
	case "":
		return Tokens{}, fmt.Errorf("%w: grant_type is required", ErrInvalidRequest)
	default:
		return Tokens{}, fmt.Errorf("%w: %s", ErrUnsupportedGrantType, req.GrantType)
	}

	client, err := s.authenticateClient(ctx, rc.TenantID, req)
	if err != nil {
		return Tokens{}, err
	}
	if !client.AllowsGrant(req.GrantType) {
		return Tokens{}, fmt.Errorf("%w: %s is not enabled for this client", ErrUnauthorizedClient, req.GrantType)
	}
	tenant, err := s.tenant(ctx, rc.TenantID)
	if err != nil {
		return Tokens{}, err
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.exchangeCode(ctx, rc, tenant, client, req)
	case GrantRefreshToken:
		return s.exchangeRefresh(ctx, rc, tenant, client, req)
	default:
		return s.clientCredentials(ctx, rc, tenant, client, req)
	}
}

func (s *Service) authenticateClient(ctx context.Context, tenantID string, req TokenRequest) (storage.Client, error) {
	c, err := s.store.Clients().Get(ctx, tenantID, req.ClientID)
	if err != nil {
		return storage.Client{}, err
	}
	if c == nil {
		return storage.Client{}, fmt.Errorf("%w: unknown client", ErrInvalidClient)
	}
	if c.ClientSecret == "" {
		if !c.Public() {
			return storage.Client{}, fmt.Errorf("%w: client has no credentials", ErrInvalidClient)
		}
		return *c, nil
	}
	if req.ClientSecret == "" {
		return storage.Client{}, fmt.Errorf("%w: client_secret is required", ErrInvalidClient)
	}
	if bcrypt.CompareHashAndPassword([]byte(c.ClientSecret), []byte(req.ClientSecret)) != nil {
		return storage.Client{}, fmt.Errorf("%w: bad client credentials", ErrInvalidClient)
	}
	return *c, nil
}

func (s *Service) exchangeCode(ctx context.Context, rc RequestContext, tenant *storage.Tenant, client storage.Client, req TokenRequest) (Tokens, error) {
	if req.Code == "" {
		return Tokens{}, fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	grant, err := s.codes.ConsumeAuthorizationCode(ctx, rc.TenantID, req.Code, codes.Redemption{
		Verifier:    req.CodeVerifier,
		ClientID:    client.ID,
		RedirectURI: req.RedirectURI,
		RequirePKCE: client.Public(),
	})
	if err != nil {
		if errors.Is(err, codes.ErrNotFound) || errors.Is(err, codes.ErrExpired) ||
			errors.Is(err, codes.ErrAlreadyUsed) || errors.Is(err, codes.ErrInvalidGrant) {
			return Tokens{}, errors.Join(ErrInvalidGrant, err)
		}
		return Tokens{}, err
	}
	ap := grant.Session.AuthParams

	user, err := s.activeUser(ctx, rc.TenantID, grant.Code.UserID)
	if err != nil {
		return Tokens{}, err
	}
	return s.issueForUser(ctx, rc, tenant, client, user, ap, ParseScope(ap.Scope), GrantAuthorizationCode,
		client.AppType == storage.AppTypeSPA, false)
}

func (s *Service) activeUser(ctx context.Context, tenantID, userID string) (storage.User, error) {
	if userID == "" {
		return storage.User{}, fmt.Errorf("%w: no subject", ErrInvalidGrant)
	}
	u, err := s.store.Users().Get(ctx, tenantID, userID)
	if err != nil {
		return storage.User{}, err
	}
	if u == nil {
		return storage.User{}, fmt.Errorf("%w: user is gone", ErrInvalidGrant)
	}
	if u.Blocked {
		return storage.User{}, fmt.Errorf("%w: user is blocked", ErrAccessDenied)
	}
	return *u, nil
}

// exchangeRefresh rotates the refresh token. Removing the old record is the
// single-use gate, so of two concurrent exchanges only one succeeds.
func (s *Service) exchangeRefresh(ctx context.Context, rc RequestContext, tenant *storage.Tenant, client storage.Client, req TokenRequest) (Tokens, error) {
	id, secret, ok := splitRefreshToken(req.RefreshToken)
	if !ok {
		return Tokens{}, fmt.Errorf("%w: malformed refresh token", ErrInvalidGrant)
	}
	store := s.store.RefreshTokens()
	rec, err := store.Get(ctx, rc.TenantID, id)
	if err != nil {
		return Tokens{}, err
	}
	now := s.now().UTC()
	switch {
	case rec == nil, !secureCompareHash(rec.TokenHash, secret):
		return Tokens{}, fmt.Errorf("%w: unknown refresh token", ErrInvalidGrant)
	case rec.ClientID != client.ID:
		return Tokens{}, fmt.Errorf("%w: refresh token was issued to another client", ErrInvalidGrant)
	case rec.RevokedAt != nil:
		return Tokens{}, fmt.Errorf("%w: refresh token revoked", ErrInvalidGrant)
	case !rec.ExpiresAt.After(now):
		return Tokens{}, fmt.Errorf("%w: refresh token expired", ErrInvalidGrant)
	}

	original := ParseScope(rec.Scope)
	requested := original
	if req.Scope != "" {
		requested = intersect(ParseScope(req.Scope), original)
	}
	// rotation keeps the session alive only when offline access was granted originally
	if slices.Contains(original, ScopeOfflineAccess) && !slices.Contains(requested, ScopeOfflineAccess) {
		requested = append(requested, ScopeOfflineAccess)
	}

	removed, err := store.Remove(ctx, rc.TenantID, rec.ID)
	if err != nil {
		return Tokens{}, err
	}
	if !removed {
		return Tokens{}, fmt.Errorf("%w: refresh token already exchanged", ErrInvalidGrant)
	}

	user, err := s.activeUser(ctx, rc.TenantID, rec.UserID)
	if err != nil {
		return Tokens{}, err
	}
	ap := storage.AuthParams{
		ClientID:     client.ID,
		Audience:     rec.Audience,
		Organization: rec.Organization,
	}
	return s.issueForUser(ctx, rc, tenant, client, user, ap, requested, GrantRefreshToken, false, false)
}

func (s *Service) clientCredentials(ctx context.Context, rc RequestContext, tenant *storage.Tenant, client storage.Client, req TokenRequest) (Tokens, error) {
	if client.Public() || client.ClientSecret == "" {
		return Tokens{}, fmt.Errorf("%w: client_credentials needs a confidential client", ErrUnauthorizedClient)
	}
	audience := req.Audience
	if audience == "" && tenant != nil {
		audience = tenant.DefaultAudience
	}
	if audience == "" {
		return Tokens{}, fmt.Errorf("%w: audience is required", ErrInvalidRequest)
	}
	rs, err := s.resourceServer(ctx, rc, tenant, audience)
	if err != nil {
		return Tokens{}, err
	}

	grants, err := s.store.ClientGrants().List(ctx, rc.TenantID, storage.ListParams{
		PerPage: 1,
		Q:       storage.And(storage.Eq("client_id", client.ID), storage.Eq("audience", rs.Identifier)),
	})
	if err != nil {
		return Tokens{}, err
	}
	if len(grants.Items) == 0 {
		return Tokens{}, fmt.Errorf("%w: client is not authorized for %s", ErrAccessDenied, rs.Identifier)
	}
	cg := grants.Items[0]
	if err := checkOrganization(cg, client, req.Organization); err != nil {
		return Tokens{}, err
	}

	requested := ParseScope(req.Scope)
	if len(requested) == 0 {
		requested = cg.Scope
	}
	scopes := intersect(intersect(requested, cg.Scope), rs.ScopeValues())
	_, scopes = splitOIDC(scopes)

	var perms []string
	if rs.EnforcePolicies {
		perms = sortedCopy(scopes)
	}
	return s.CreateAuthTokens(ctx, TokenParams{
		Request:        rc,
		Tenant:         tenant,
		Client:         client,
		ResourceServer: rs,
		Scopes:         scopes,
		Permissions:    perms,
		Organization:   req.Organization,
		GrantType:      GrantClientCredentials,
	})
}

func checkOrganization(cg storage.ClientGrant, client storage.Client, org string) error {
	switch cg.OrganizationUsage {
	case storage.OrgUsageRequire:
		if org == "" {
			return fmt.Errorf("%w: organization is required", ErrAccessDenied)
		}
	case storage.OrgUsageAllow:
	default:
		if org != "" {
			return fmt.Errorf("%w: organization tokens are not allowed", ErrAccessDenied)
		}
		return nil
	}
	if org != "" && !cg.AllowAnyOrganization && !slices.Contains(client.Organizations, org) {
		return fmt.Errorf("%w: client is not a member of %s", ErrAccessDenied, org)
	}
	return nil
}

// Revoke authenticates the client and revokes one of its refresh tokens.
func (s *Service) Revoke(ctx context.Context, rc RequestContext, req TokenRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidRequest)
	}
	if req.RefreshToken == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}
	client, err := s.authenticateClient(ctx, rc.TenantID, req)
	if err != nil {
		return err
	}
	return s.RevokeRefreshToken(ctx, rc.TenantID, client.ID, req.RefreshToken)
}

// RevokeRefreshToken marks a refresh token revoked. Unknown tokens are ignored.
func (s *Service) RevokeRefreshToken(ctx context.Context, tenantID, clientID, raw string) error {
	id, secret, ok := splitRefreshToken(raw)
	if !ok {
		return nil
	}
	rec, err := s.store.RefreshTokens().Get(ctx, tenantID, id)
	if err != nil || rec == nil || !secureCompareHash(rec.TokenHash, secret) {
		return err
	}
	if rec.ClientID != clientID {
		return fmt.Errorf("%w: refresh token was issued to another client", ErrInvalidClient)
	}
	now := s.now().UTC()
	_, err = s.store.RefreshTokens().Update(ctx, tenantID, id, storage.RefreshTokenPatch{RevokedAt: &now})
	return err
}
