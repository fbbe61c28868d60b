package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"keyline.org/internal/storage"
)

var tenantMapper = mapper[storage.Tenant]{
	table:   "tenants",
	entity:  storage.EntityTenants,
	columns: []string{"id", "name", "issuer", "default_audience", "session_lifetime", "created_at", "updated_at"},
	values: func(t *storage.Tenant) ([]any, error) {
		return []any{t.ID, t.Name, t.Issuer, t.DefaultAudience, t.SessionLifetime, t.CreatedAt, t.UpdatedAt}, nil
	},
	scan: func(r scanner) (storage.Tenant, error) {
		var t storage.Tenant
		err := r.Scan(&t.ID, &t.Name, &t.Issuer, &t.DefaultAudience, &t.SessionLifetime, &t.CreatedAt, &t.UpdatedAt)
		return t, err
	},
}

var userMapper = mapper[storage.User]{
	table:  "users",
	entity: storage.EntityUsers,
	scoped: true,
	columns: []string{
		"tenant_id", "id", "email", "connection", "password_hash", "name", "email_verified", "mfa_enrolled",
		"blocked", "app_metadata", "user_metadata", "logins_count", "last_login", "created_at", "updated_at",
	},
	filter: map[string]string{"user_id": "id"},
	values: func(u *storage.User) ([]any, error) {
		appMeta, err := jsonb(u.AppMetadata)
		if err != nil {
			return nil, err
		}
		userMeta, err := jsonb(u.UserMetadata)
		if err != nil {
			return nil, err
		}
		return []any{
			u.TenantID, u.ID, u.Email, u.Connection, u.PasswordHash, u.Name, u.EmailVerified, u.MFAEnrolled,
			u.Blocked, appMeta, userMeta, u.LoginsCount, nullTime(u.LastLogin), u.CreatedAt, u.UpdatedAt,
		}, nil
	},
	scan: func(r scanner) (storage.User, error) {
		var (
			u                 storage.User
			appMeta, userMeta []byte
			lastLogin         sql.NullTime
		)
		err := r.Scan(&u.TenantID, &u.ID, &u.Email, &u.Connection, &u.PasswordHash, &u.Name, &u.EmailVerified,
			&u.MFAEnrolled, &u.Blocked, &appMeta, &userMeta, &u.LoginsCount, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			return u, err
		}
		u.LastLogin = timePtr(lastLogin)
		if err := fromJSONB(appMeta, &u.AppMetadata); err != nil {
			return u, err
		}
		return u, fromJSONB(userMeta, &u.UserMetadata)
	},
}

var clientMapper = mapper[storage.Client]{
	table:  "clients",
	entity: storage.EntityClients,
	scoped: true,
	columns: []string{
		"tenant_id", "id", "name", "client_secret", "app_type", "callbacks", "grant_types", "is_first_party",
		"organizations", "created_at", "updated_at",
	},
	filter: map[string]string{"client_id": "id"},
	values: func(c *storage.Client) ([]any, error) {
		callbacks, err := jsonb(c.Callbacks)
		if err != nil {
			return nil, err
		}
		grants, err := jsonb(c.GrantTypes)
		if err != nil {
			return nil, err
		}
		orgs, err := jsonb(c.Organizations)
		if err != nil {
			return nil, err
		}
		return []any{
			c.TenantID, c.ID, c.Name, c.ClientSecret, c.AppType, callbacks, grants, c.FirstParty,
			orgs, c.CreatedAt, c.UpdatedAt,
		}, nil
	},
	scan: func(r scanner) (storage.Client, error) {
		var (
			c                        storage.Client
			callbacks, grants, orgs []byte
		)
		err := r.Scan(&c.TenantID, &c.ID, &c.Name, &c.ClientSecret, &c.AppType, &callbacks, &grants, &c.FirstParty,
			&orgs, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return c, err
		}
		if err := fromJSONB(callbacks, &c.Callbacks); err != nil {
			return c, err
		}
		if err := fromJSONB(grants, &c.GrantTypes); err != nil {
			return c, err
		}
		return c, fromJSONB(orgs, &c.Organizations)
	},
}

var sessionMapper = mapper[storage.LoginSession]{
	table:  "login_sessions",
	entity: storage.EntityLoginSessions,
	scoped: true,
	columns: []string{
		"tenant_id", "id", "client_id", "auth_params", "pipeline_state", "ip", "user_agent",
		"created_at", "updated_at", "expires_at",
	},
	values: func(s *storage.LoginSession) ([]any, error) {
		params, err := jsonb(s.AuthParams)
		if err != nil {
			return nil, err
		}
		state, err := jsonb(s.PipelineState)
		if err != nil {
			return nil, err
		}
		return []any{
			s.TenantID, s.ID, s.ClientID, params, state, s.IP, s.UserAgent,
			s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
		}, nil
	},
	scan: func(r scanner) (storage.LoginSession, error) {
		var (
			s             storage.LoginSession
			params, state []byte
		)
		err := r.Scan(&s.TenantID, &s.ID, &s.ClientID, &params, &state, &s.IP, &s.UserAgent,
			&s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt)
		if err != nil {
			return s, err
		}
		if err := fromJSONB(params, &s.AuthParams); err != nil {
			return s, err
		}
		return s, fromJSONB(state, &s.PipelineState)
	},
}

var codeMapper = mapper[storage.Code]{
	table:  "codes",
	entity: storage.EntityCodes,
	scoped: true,
	columns: []string{
		"tenant_id", "id", "type", "user_id", "login_id", "connection_id", "code_verifier", "secret_hash",
		"email", "created_at", "expires_at", "used_at",
	},
	filter: map[string]string{"code_id": "id", "code_type": "type"},
	values: func(c *storage.Code) ([]any, error) {
		return []any{
			c.TenantID, c.ID, string(c.Type), c.UserID, c.LoginID, c.ConnectionID, c.CodeVerifier, c.SecretHash,
			c.Email, c.CreatedAt, c.ExpiresAt, nullTime(c.UsedAt),
		}, nil
	},
	scan: func(r scanner) (storage.Code, error) {
		var (
			c    storage.Code
			typ  string
			used sql.NullTime
		)
		err := r.Scan(&c.TenantID, &c.ID, &typ, &c.UserID, &c.LoginID, &c.ConnectionID, &c.CodeVerifier,
			&c.SecretHash, &c.Email, &c.CreatedAt, &c.ExpiresAt, &used)
		c.Type = storage.CodeType(typ)
		c.UsedAt = timePtr(used)
		return c, err
	},
}

var flowMapper = mapper[storage.Flow]{
	table:   "flows",
	entity:  storage.EntityFlows,
	scoped:  true,
	columns: []string{"tenant_id", "id", "name", "actions", "created_at", "updated_at"},
	values: func(f *storage.Flow) ([]any, error) {
		actions, err := jsonb(f.Actions)
		if err != nil {
			return nil, err
		}
		return []any{f.TenantID, f.ID, f.Name, actions, f.CreatedAt, f.UpdatedAt}, nil
	},
	scan: func(r scanner) (storage.Flow, error) {
		var (
			f       storage.Flow
			actions []byte
		)
		if err := r.Scan(&f.TenantID, &f.ID, &f.Name, &actions, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return f, err
		}
		return f, fromJSONB(actions, &f.Actions)
	},
}

var hookMapper = mapper[storage.Hook]{
	table:   "hooks",
	entity:  storage.EntityHooks,
	scoped:  true,
	columns: []string{"tenant_id", "id", "trigger_id", "flow_id", "enabled", "priority", "created_at", "updated_at"},
	filter:  map[string]string{"hook_id": "id"},
	values: func(h *storage.Hook) ([]any, error) {
		return []any{h.TenantID, h.ID, h.TriggerID, h.FlowID, h.Enabled, h.Priority, h.CreatedAt, h.UpdatedAt}, nil
	},
	scan: func(r scanner) (storage.Hook, error) {
		var h storage.Hook
		err := r.Scan(&h.TenantID, &h.ID, &h.TriggerID, &h.FlowID, &h.Enabled, &h.Priority, &h.CreatedAt, &h.UpdatedAt)
		return h, err
	},
}

var resourceServerMapper = mapper[storage.ResourceServer]{
	table:  "resource_servers",
	entity: storage.EntityResourceServers,
	scoped: true,
	columns: []string{
		"tenant_id", "id", "name", "identifier", "scopes", "token_dialect", "enforce_policies", "token_lifetime",
		"token_lifetime_for_web", "signing_alg", "signing_secret", "allow_offline_access", "created_at", "updated_at",
	},
	values: func(rs *storage.ResourceServer) ([]any, error) {
		scopes, err := jsonb(rs.Scopes)
		if err != nil {
			return nil, err
		}
		return []any{
			rs.TenantID, rs.ID, rs.Name, rs.Identifier, scopes, rs.TokenDialect, rs.EnforcePolicies, rs.TokenLifetime,
			rs.TokenLifetimeForWeb, rs.SigningAlg, rs.SigningSecret, rs.AllowOfflineAccess, rs.CreatedAt, rs.UpdatedAt,
		}, nil
	},
	scan: func(r scanner) (storage.ResourceServer, error) {
		var (
			rs     storage.ResourceServer
			scopes []byte
		)
		err := r.Scan(&rs.TenantID, &rs.ID, &rs.Name, &rs.Identifier, &scopes, &rs.TokenDialect, &rs.EnforcePolicies,
			&rs.TokenLifetime, &rs.TokenLifetimeForWeb, &rs.SigningAlg, &rs.SigningSecret, &rs.AllowOfflineAccess,
			&rs.CreatedAt, &rs.UpdatedAt)
		if err != nil {
			return rs, err
		}
		return rs, fromJSONB(scopes, &rs.Scopes)
	},
}

var clientGrantMapper = mapper[storage.ClientGrant]{
	table:  "client_grants",
	entity: storage.EntityClientGrants,
	scoped: true,
	columns: []string{
		"tenant_id", "id", "client_id", "audience", "scope", "organization_usage", "allow_any_organization",
		"created_at", "updated_at",
	},
	values: func(g *storage.ClientGrant) ([]any, error) {
		scope, err := jsonb(g.Scope)
		if err != nil {
			return nil, err
		}
		return []any{
			g.TenantID, g.ID, g.ClientID, g.Audience, scope, g.OrganizationUsage, g.AllowAnyOrganization,
			g.CreatedAt, g.UpdatedAt,
		}, nil
	},
	scan: func(r scanner) (storage.ClientGrant, error) {
		var (
			g     storage.ClientGrant
			scope []byte
		)
		err := r.Scan(&g.TenantID, &g.ID, &g.ClientID, &g.Audience, &scope, &g.OrganizationUsage,
			&g.AllowAnyOrganization, &g.CreatedAt, &g.UpdatedAt)
		if err != nil {
			return g, err
		}
		return g, fromJSONB(scope, &g.Scope)
	},
}

var roleMapper = mapper[storage.Role]{
	table:   "roles",
	entity:  storage.EntityRoles,
	scoped:  true,
	columns: []string{"tenant_id", "id", "name", "description", "created_at", "updated_at"},
	values: func(r *storage.Role) ([]any, error) {
		return []any{r.TenantID, r.ID, r.Name, r.Description, r.CreatedAt, r.UpdatedAt}, nil
	},
	scan: func(r scanner) (storage.Role, error) {
		var role storage.Role
		err := r.Scan(&role.TenantID, &role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
		return role, err
	},
}

var refreshTokenMapper = mapper[storage.RefreshToken]{
	table:  "refresh_tokens",
	entity: storage.EntityRefreshTokens,
	scoped: true,
	columns: []string{
		"tenant_id", "id", "client_id", "user_id", "audience", "scope", "organization", "token_hash",
		"created_at", "expires_at", "last_exchanged_at", "revoked_at",
	},
	values: func(t *storage.RefreshToken) ([]any, error) {
		return []any{
			t.TenantID, t.ID, t.ClientID, t.UserID, t.Audience, t.Scope, t.Organization, t.TokenHash,
			t.CreatedAt, t.ExpiresAt, nullTime(t.LastExchangedAt), nullTime(t.RevokedAt),
		}, nil
	},
	scan: func(r scanner) (storage.RefreshToken, error) {
		var (
			t                 storage.RefreshToken
			exchanged, revoke sql.NullTime
		)
		err := r.Scan(&t.TenantID, &t.ID, &t.ClientID, &t.UserID, &t.Audience, &t.Scope, &t.Organization,
			&t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &exchanged, &revoke)
		t.LastExchangedAt = timePtr(exchanged)
		t.RevokedAt = timePtr(revoke)
		return t, err
	},
}

func jsonb(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode jsonb: %w", err)
	}
	return b, nil
}

func fromJSONB(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode jsonb: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
