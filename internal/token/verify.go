package token

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"keyline.org/internal/storage"
)

// Claims is the decoded form of an access token.
type Claims struct {
	jwt.RegisteredClaims
	Scope       string   `json:"scope,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	AZP         string   `json:"azp,omitempty"`
	OrgID       string   `json:"org_id,omitempty"`
	GrantType   string   `json:"gty,omitempty"`
}

// HasScope reports whether want appears in the scope claim or, for
// authorization-dialect tokens, in the permissions claim.
func (c *Claims) HasScope(want string) bool {
	return slices.Contains(strings.Fields(c.Scope), want) || slices.Contains(c.Permissions, want)
}

// Verify checks an access token minted for audience by the tenant's issuer.
// RS256 tokens are checked against the tenant keys and HS256 tokens against
// the resource server secret.
func (s *Service) Verify(ctx context.Context, rc RequestContext, raw, audience string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	tenantID := rc.TenantID
	tenant, err := s.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	keyFunc := func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case jwt.SigningMethodRS256.Alg():
			keys, err := s.keys.VerificationKeys(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			kid, _ := t.Header["kid"].(string)
			for _, k := range keys {
				if k.ID == kid {
					return &k.Private.PublicKey, nil
				}
			}
			return nil, fmt.Errorf("unknown key id %q", kid)
		case jwt.SigningMethodHS256.Alg():
			rs, err := s.lookupResourceServer(ctx, tenantID, audience)
			if err != nil {
				return nil, err
			}
			if rs.SigningAlg != storage.SigningHS256 || rs.SigningSecret == "" {
				return nil, fmt.Errorf("audience %s does not sign with HS256", audience)
			}
			return []byte(rs.SigningSecret), nil
		}
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(rc.issuer(tenant)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (s *Service) lookupResourceServer(ctx context.Context, tenantID, identifier string) (storage.ResourceServer, error) {
	res, err := s.store.ResourceServers().List(ctx, tenantID, storage.ListParams{
		PerPage: 1,
		Q:       storage.Eq("identifier", identifier),
	})
	if err != nil {
		return storage.ResourceServer{}, err
	}
	if len(res.Items) == 0 {
		return storage.ResourceServer{}, fmt.Errorf("%w: %s", ErrInvalidTarget, identifier)
	}
	return res.Items[0], nil
}
