package storage

import (
	"strings"
	"time"

	"keyline.org/internal/ids"
)

// Entity names double as relational table names and key-value key segments.
const (
	EntityTenants         = "tenants"
	EntityUsers           = "users"
	EntityClients         = "clients"
	EntityLoginSessions   = "login_sessions"
	EntityCodes           = "codes"
	EntityFlows           = "flows"
	EntityHooks           = "hooks"
	EntityResourceServers = "resource_servers"
	EntityClientGrants    = "client_grants"
	EntityRoles           = "roles"
	EntityRefreshTokens   = "refresh_tokens"
	EntityUserPermissions = "user_permissions"
	EntityUserRoles       = "user_roles"
	EntityRolePermissions = "role_permissions"
)

// Record is implemented by every entity a backend inserts.
type Record interface {
	// Stamp assigns the tenant, a generated id when none was supplied, and timestamps.
	Stamp(tenantID string, now time.Time)
	Validate() error
}

// Tenant is the isolation boundary. It is the only unpartitioned entity.
type Tenant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Issuer          string    `json:"issuer,omitempty"`
	DefaultAudience string    `json:"default_audience,omitempty"`
	SessionLifetime int       `json:"session_lifetime"` // seconds
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type TenantPatch struct {
	Name            *string `json:"name,omitempty"`
	Issuer          *string `json:"issuer,omitempty"`
	DefaultAudience *string `json:"default_audience,omitempty"`
	SessionLifetime *int    `json:"session_lifetime,omitempty"`
}

func (t *Tenant) Stamp(_ string, now time.Time) {
	if t.ID == "" {
		t.ID = ids.Prefixed("ten")
	}
	stamp(&t.CreatedAt, &t.UpdatedAt, now)
}

func (t *Tenant) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return invalid("tenant name is required")
	}
	return nil
}

type User struct {
	ID            string         `json:"user_id"`
	TenantID      string         `json:"tenant_id"`
	Email         string         `json:"email"`
	Connection    string         `json:"connection"`
	PasswordHash  string         `json:"password_hash,omitempty"`
	Name          string         `json:"name,omitempty"`
	EmailVerified bool           `json:"email_verified"`
	MFAEnrolled   bool           `json:"mfa_enrolled"`
	Blocked       bool           `json:"blocked"`
	AppMetadata   map[string]any `json:"app_metadata,omitempty"`
	UserMetadata  map[string]any `json:"user_metadata,omitempty"`
	LoginsCount   int            `json:"logins_count"`
	LastLogin     *time.Time     `json:"last_login,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type UserPatch struct {
	Email         *string        `json:"email,omitempty"`
	Name          *string        `json:"name,omitempty"`
	PasswordHash  *string        `json:"password_hash,omitempty"`
	EmailVerified *bool          `json:"email_verified,omitempty"`
	MFAEnrolled   *bool          `json:"mfa_enrolled,omitempty"`
	Blocked       *bool          `json:"blocked,omitempty"`
	AppMetadata   map[string]any `json:"app_metadata,omitempty"`
	UserMetadata  map[string]any `json:"user_metadata,omitempty"`
	LoginsCount   *int           `json:"logins_count,omitempty"`
	LastLogin     *time.Time     `json:"last_login,omitempty"`
}

// DefaultConnection is the database connection users sign in with by password.
const DefaultConnection = "Username-Password-Authentication"

func (u *User) Stamp(tenantID string, now time.Time) {
	u.TenantID = tenantID
	if u.ID == "" {
		u.ID = "auth0|" + ids.New()
	}
	if u.Connection == "" {
		u.Connection = DefaultConnection
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	stamp(&u.CreatedAt, &u.UpdatedAt, now)
}

func (u *User) Validate() error {
	if u.Email == "" {
		return invalid("user email is required")
	}
	return nil
}

// Application types, mirroring the Auth0 management API.
const (
	AppTypeSPA            = "spa"
	AppTypeNative         = "native"
	AppTypeRegularWeb     = "regular_web"
	AppTypeNonInteractive = "non_interactive"
)

type Client struct {
	ID            string    `json:"client_id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	AppType       string    `json:"app_type"`
	Callbacks     []string  `json:"callbacks,omitempty"`
	GrantTypes    []string  `json:"grant_types,omitempty"`
	FirstParty    bool      `json:"is_first_party"`
	Organizations []string  `json:"organizations,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ClientPatch struct {
	Name          *string   `json:"name,omitempty"`
	ClientSecret  *string   `json:"client_secret,omitempty"`
	AppType       *string   `json:"app_type,omitempty"`
	Callbacks     *[]string `json:"callbacks,omitempty"`
	GrantTypes    *[]string `json:"grant_types,omitempty"`
	FirstParty    *bool     `json:"is_first_party,omitempty"`
	Organizations *[]string `json:"organizations,omitempty"`
}

func (c *Client) Stamp(tenantID string, now time.Time) {
	c.TenantID = tenantID
	if c.ID == "" {
		c.ID = ids.New()
	}
	if c.AppType == "" {
		c.AppType = AppTypeRegularWeb
	}
	stamp(&c.CreatedAt, &c.UpdatedAt, now)
}

func (c *Client) Validate() error {
	switch c.AppType {
	case AppTypeSPA, AppTypeNative, AppTypeRegularWeb, AppTypeNonInteractive:
	default:
		return invalid("unknown app_type %q", c.AppType)
	}
	return nil
}

// Public reports whether the client cannot keep a secret and must use PKCE.
func (c Client) Public() bool {
	return c.AppType == AppTypeSPA || c.AppType == AppTypeNative
}

// AllowsGrant reports whether grantType is enabled. An empty list allows the defaults
// for the application type.
func (c Client) AllowsGrant(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		if grantType == "client_credentials" {
			return !c.Public()
		}
		return true
	}
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AuthParams are the authorize-request parameters a login session carries.
// Backends persist them as a single nested document.
type AuthParams struct {
	ClientID            string `json:"client_id"`
	ResponseType        string `json:"response_type,omitempty"`
	ResponseMode        string `json:"response_mode,omitempty"`
	RedirectURI         string `json:"redirect_uri,omitempty"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	Audience            string `json:"audience,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	UILocales           string `json:"ui_locales,omitempty"`
	Prompt              string `json:"prompt,omitempty"`
	ActAs               string `json:"act_as,omitempty"`
	Organization        string `json:"organization,omitempty"`
	Username            string `json:"username,omitempty"`
}

type LoginSession struct {
	ID            string        `json:"id"`
	TenantID      string        `json:"tenant_id"`
	ClientID      string        `json:"client_id"`
	AuthParams    AuthParams    `json:"auth_params"`
	PipelineState PipelineState `json:"pipeline_state"`
	IP            string        `json:"ip,omitempty"`
	UserAgent     string        `json:"user_agent,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

type LoginSessionPatch struct {
	PipelineState *PipelineState `json:"pipeline_state,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

func (s *LoginSession) Stamp(tenantID string, now time.Time) {
	s.TenantID = tenantID
	if s.ID == "" {
		// the session id doubles as the state handle given to the browser
		secret, err := ids.Secret(24)
		if err != nil {
			secret = ids.New()
		}
		s.ID = secret
	}
	if s.PipelineState.Step == nil {
		s.PipelineState.Step = Started{}
	}
	stamp(&s.CreatedAt, &s.UpdatedAt, now)
}

func (s *LoginSession) Validate() error {
	if s.ClientID == "" {
		return invalid("login session client_id is required")
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return invalid("login session must expire after it is created")
	}
	return nil
}

// Expired reports whether the session is logically dead at now.
func (s LoginSession) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

type CodeType string

const (
	CodeAuthorization     CodeType = "authorization_code"
	CodeEmailVerification CodeType = "email_verification"
	CodePasswordReset     CodeType = "password_reset"
	CodeInvite            CodeType = "invite"
	CodeOTP               CodeType = "otp"
)

func (t CodeType) Valid() bool {
	switch t {
	case CodeAuthorization, CodeEmailVerification, CodePasswordReset, CodeInvite, CodeOTP:
		return true
	}
	return false
}

// Code is a single-use token. Its identity is (ID, Type).
type Code struct {
	ID           string     `json:"code_id"`
	Type         CodeType   `json:"code_type"`
	TenantID     string     `json:"tenant_id"`
	UserID       string     `json:"user_id,omitempty"`
	LoginID      string     `json:"login_id,omitempty"`
	ConnectionID string     `json:"connection_id,omitempty"`
	CodeVerifier string     `json:"code_verifier,omitempty"`
	SecretHash   string     `json:"secret_hash,omitempty"`
	Email        string     `json:"email,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
}

func (c *Code) Stamp(tenantID string, now time.Time) {
	c.TenantID = tenantID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now.UTC()
	}
}

func (c *Code) Validate() error {
	if c.ID == "" {
		return invalid("code id is required")
	}
	if !c.Type.Valid() {
		return invalid("unknown code type %q", c.Type)
	}
	if !c.ExpiresAt.After(c.CreatedAt) {
		return invalid("code must expire after it is created")
	}
	if c.UsedAt != nil {
		return invalid("code cannot be created consumed")
	}
	return nil
}

// Action step handler families.
const (
	ActionTypeAuth0 = "AUTH0"
	ActionTypeEmail = "EMAIL"
)

type ActionStep struct {
	ID           string         `json:"id"`
	Alias        string         `json:"alias,omitempty"`
	Type         string         `json:"type"`
	Action       string         `json:"action"`
	AllowFailure bool           `json:"allow_failure"`
	MaskOutput   bool           `json:"mask_output"`
	Params       map[string]any `json:"params,omitempty"`
}

type Flow struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	Name      string       `json:"name"`
	Actions   []ActionStep `json:"actions"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type FlowPatch struct {
	Name    *string       `json:"name,omitempty"`
	Actions *[]ActionStep `json:"actions,omitempty"`
}

func (f *Flow) Stamp(tenantID string, now time.Time) {
	f.TenantID = tenantID
	if f.ID == "" {
		f.ID = ids.Prefixed("af")
	}
	stamp(&f.CreatedAt, &f.UpdatedAt, now)
}

func (f *Flow) Validate() error {
	return ValidateActions(f.Actions)
}

// ValidateActions checks step ids are present and unique within the flow.
func ValidateActions(steps []ActionStep) error {
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return invalid("action step id is required")
		}
		if _, dup := seen[s.ID]; dup {
			return invalid("duplicate action step id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Type != ActionTypeAuth0 && s.Type != ActionTypeEmail {
			return invalid("unknown action type %q", s.Type)
		}
	}
	return nil
}

// Trigger points flows can be bound to.
const (
	TriggerPostUserLogin        = "post-user-login"
	TriggerPreUserRegistration  = "pre-user-registration"
	TriggerPostUserRegistration = "post-user-registration"
)

type Hook struct {
	ID        string    `json:"hook_id"`
	TenantID  string    `json:"tenant_id"`
	TriggerID string    `json:"trigger_id"`
	FlowID    string    `json:"flow_id"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type HookPatch struct {
	FlowID   *string `json:"flow_id,omitempty"`
	Enabled  *bool   `json:"enabled,omitempty"`
	Priority *int    `json:"priority,omitempty"`
}

func (h *Hook) Stamp(tenantID string, now time.Time) {
	h.TenantID = tenantID
	if h.ID == "" {
		h.ID = ids.Prefixed("h")
	}
	stamp(&h.CreatedAt, &h.UpdatedAt, now)
}

func (h *Hook) Validate() error {
	switch h.TriggerID {
	case TriggerPostUserLogin, TriggerPreUserRegistration, TriggerPostUserRegistration:
	default:
		return invalid("unknown trigger %q", h.TriggerID)
	}
	if h.FlowID == "" {
		return invalid("hook flow_id is required")
	}
	return nil
}

// Token dialects.
const (
	DialectAccessToken      = "access_token"
	DialectAccessTokenAuthz = "access_token_authz"
)

// Signing algorithms a resource server may select.
const (
	SigningRS256 = "RS256"
	SigningHS256 = "HS256"
)

type ResourceServerScope struct {
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

type ResourceServer struct {
	ID                  string                `json:"id"`
	TenantID            string                `json:"tenant_id"`
	Name                string                `json:"name"`
	Identifier          string                `json:"identifier"`
	Scopes              []ResourceServerScope `json:"scopes"`
	TokenDialect        string                `json:"token_dialect"`
	EnforcePolicies     bool                  `json:"enforce_policies"`
	TokenLifetime       int                   `json:"token_lifetime"`
	TokenLifetimeForWeb int                   `json:"token_lifetime_for_web"`
	SigningAlg          string                `json:"signing_alg"`
	SigningSecret       string                `json:"signing_secret,omitempty"`
	AllowOfflineAccess  bool                  `json:"allow_offline_access"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

type ResourceServerPatch struct {
	Name                *string                `json:"name,omitempty"`
	Scopes              *[]ResourceServerScope `json:"scopes,omitempty"`
	TokenDialect        *string                `json:"token_dialect,omitempty"`
	EnforcePolicies     *bool                  `json:"enforce_policies,omitempty"`
	TokenLifetime       *int                   `json:"token_lifetime,omitempty"`
	TokenLifetimeForWeb *int                   `json:"token_lifetime_for_web,omitempty"`
	SigningAlg          *string                `json:"signing_alg,omitempty"`
	SigningSecret       *string                `json:"signing_secret,omitempty"`
	AllowOfflineAccess  *bool                  `json:"allow_offline_access,omitempty"`
}

const (
	defaultTokenLifetime       = 86400
	defaultTokenLifetimeForWeb = 7200
)

func (rs *ResourceServer) Stamp(tenantID string, now time.Time) {
	rs.TenantID = tenantID
	if rs.ID == "" {
		rs.ID = ids.Prefixed("rs")
	}
	if rs.TokenDialect == "" {
		rs.TokenDialect = DialectAccessToken
	}
	if rs.SigningAlg == "" {
		rs.SigningAlg = SigningRS256
	}
	if rs.TokenLifetime <= 0 {
		rs.TokenLifetime = defaultTokenLifetime
	}
	if rs.TokenLifetimeForWeb <= 0 {
		rs.TokenLifetimeForWeb = defaultTokenLifetimeForWeb
	}
	stamp(&rs.CreatedAt, &rs.UpdatedAt, now)
}

func (rs *ResourceServer) Validate() error {
	if strings.TrimSpace(rs.Identifier) == "" {
		return invalid("resource server identifier is required")
	}
	if rs.TokenDialect != DialectAccessToken && rs.TokenDialect != DialectAccessTokenAuthz {
		return invalid("unknown token_dialect %q", rs.TokenDialect)
	}
	switch rs.SigningAlg {
	case SigningRS256:
	case SigningHS256:
		if rs.SigningSecret == "" {
			return invalid("HS256 resource servers need a signing_secret")
		}
	default:
		return invalid("unsupported signing_alg %q", rs.SigningAlg)
	}
	return nil
}

// ScopeValues returns the declared scope names.
func (rs ResourceServer) ScopeValues() []string {
	out := make([]string, 0, len(rs.Scopes))
	for _, s := range rs.Scopes {
		out = append(out, s.Value)
	}
	return out
}

// Organization usage policies for client grants.
const (
	OrgUsageDeny    = "deny"
	OrgUsageAllow   = "allow"
	OrgUsageRequire = "require"
)

type ClientGrant struct {
	ID                   string    `json:"id"`
	TenantID             string    `json:"tenant_id"`
	ClientID             string    `json:"client_id"`
	Audience             string    `json:"audience"`
	Scope                []string  `json:"scope"`
	OrganizationUsage    string    `json:"organization_usage"`
	AllowAnyOrganization bool      `json:"allow_any_organization"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type ClientGrantPatch struct {
	Scope                *[]string `json:"scope,omitempty"`
	OrganizationUsage    *string   `json:"organization_usage,omitempty"`
	AllowAnyOrganization *bool     `json:"allow_any_organization,omitempty"`
}

func (g *ClientGrant) Stamp(tenantID string, now time.Time) {
	g.TenantID = tenantID
	if g.ID == "" {
		g.ID = ids.Prefixed("cgr")
	}
	if g.OrganizationUsage == "" {
		g.OrganizationUsage = OrgUsageDeny
	}
	stamp(&g.CreatedAt, &g.UpdatedAt, now)
}

func (g *ClientGrant) Validate() error {
	if g.ClientID == "" || g.Audience == "" {
		return invalid("client grant needs client_id and audience")
	}
	switch g.OrganizationUsage {
	case OrgUsageDeny, OrgUsageAllow, OrgUsageRequire:
	default:
		return invalid("unknown organization_usage %q", g.OrganizationUsage)
	}
	return nil
}

type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type RolePatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (r *Role) Stamp(tenantID string, now time.Time) {
	r.TenantID = tenantID
	if r.ID == "" {
		r.ID = ids.Prefixed("rol")
	}
	stamp(&r.CreatedAt, &r.UpdatedAt, now)
}

func (r *Role) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("role name is required")
	}
	return nil
}

// UserPermission grants a resource-server permission directly to a user.
type UserPermission struct {
	TenantID                 string    `json:"tenant_id"`
	UserID                   string    `json:"user_id"`
	ResourceServerIdentifier string    `json:"resource_server_identifier"`
	PermissionName           string    `json:"permission_name"`
	CreatedAt                time.Time `json:"created_at"`
}

// UserRole assigns a role to a user, optionally only inside an organization.
type UserRole struct {
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	RoleID         string    `json:"role_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type RolePermission struct {
	TenantID                 string    `json:"tenant_id"`
	RoleID                   string    `json:"role_id"`
	ResourceServerIdentifier string    `json:"resource_server_identifier"`
	PermissionName           string    `json:"permission_name"`
	CreatedAt                time.Time `json:"created_at"`
}

type RefreshToken struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	ClientID        string     `json:"client_id"`
	UserID          string     `json:"user_id"`
	Audience        string     `json:"audience"`
	Scope           string     `json:"scope"`
	Organization    string     `json:"organization,omitempty"`
	TokenHash       string     `json:"token_hash"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	LastExchangedAt *time.Time `json:"last_exchanged_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

type RefreshTokenPatch struct {
	LastExchangedAt *time.Time `json:"last_exchanged_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

func (t *RefreshToken) Stamp(tenantID string, now time.Time) {
	t.TenantID = tenantID
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now.UTC()
	}
}

func (t *RefreshToken) Validate() error {
	if t.ClientID == "" || t.UserID == "" || t.TokenHash == "" {
		return invalid("refresh token needs client_id, user_id and token_hash")
	}
	return nil
}

func stamp(created, updated *time.Time, now time.Time) {
	now = now.UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

// Prepare stamps and validates rec for insertion under tenantID.
func Prepare(rec Record, tenantID string, now time.Time) error {
	rec.Stamp(tenantID, now)
	return rec.Validate()
}
