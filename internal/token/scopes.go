package token

import (
	"context"
	"slices"
	"sort"
	"strings"

	"keyline.org/internal/storage"
)

// OIDC scopes steer ID and refresh token issuance. They never reach the
// access-token scope claim unless the resource server declares them.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

var oidcScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeOfflineAccess}

// Grant is the resolved outcome of a scope calculation.
type Grant struct {
	Scopes      []string
	Permissions []string
}

// ParseScope splits a space separated scope string, dropping duplicates.
func ParseScope(raw string) []string {
	return dedupe(strings.Fields(raw))
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// intersect keeps the members of a that are in b, in a's order.
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range dedupe(a) {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func splitOIDC(scopes []string) (oidc, rest []string) {
	for _, s := range dedupe(scopes) {
		if slices.Contains(oidcScopes, s) {
			oidc = append(oidc, s)
		} else {
			rest = append(rest, s)
		}
	}
	return oidc, rest
}

// CalculateScopesAndPermissions narrows requested to what the resource server
// declares and, when policies are enforced, to what the user effectively holds.
// Requests outside those sets are reduced silently.
func (s *Service) CalculateScopesAndPermissions(ctx context.Context, tenantID, userID string, rs storage.ResourceServer, requested []string, organizationID string) (Grant, error) {
	scopes := intersect(requested, rs.ScopeValues())
	if !rs.EnforcePolicies {
		return Grant{Scopes: scopes}, nil
	}
	if userID == "" {
		return Grant{Scopes: nil, Permissions: []string{}}, nil
	}
	effective, err := s.EffectivePermissions(ctx, tenantID, userID, rs.Identifier, organizationID)
	if err != nil {
		return Grant{}, err
	}
	return Grant{
		Scopes:      intersect(scopes, effective),
		Permissions: sortedCopy(intersect(effective, rs.ScopeValues())),
	}, nil
}

// EffectivePermissions is the union of direct grants and permissions
// inherited through roles, for one resource server.
func (s *Service) EffectivePermissions(ctx context.Context, tenantID, userID, audience, organizationID string) ([]string, error) {
	set := make(map[string]struct{})
	direct, err := s.store.UserPermissions().List(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range direct {
		if p.ResourceServerIdentifier == audience {
			set[p.PermissionName] = struct{}{}
		}
	}

	roles, err := s.store.UserRoles().List(ctx, tenantID, userID, organizationID)
	if err != nil {
		return nil, err
	}
	seenRole := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if _, ok := seenRole[r.RoleID]; ok {
			continue
		}
		seenRole[r.RoleID] = struct{}{}
		perms, err := s.store.RolePermissions().List(ctx, tenantID, r.RoleID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			if p.ResourceServerIdentifier == audience {
				set[p.PermissionName] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
