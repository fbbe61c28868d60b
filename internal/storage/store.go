package storage

import (
	"context"
	"time"
)

// EntityStore is the tenant-scoped CRUD contract every backend implements per entity.
type EntityStore[T any, P any] interface {
	Create(ctx context.Context, tenantID string, v T) (T, error)
	// Get returns nil, nil when the row does not exist.
	Get(ctx context.Context, tenantID, id string) (*T, error)
	List(ctx context.Context, tenantID string, params ListParams) (ListResult[T], error)
	// Update merges the set fields of patch. It reports false when the row does not exist.
	Update(ctx context.Context, tenantID, id string, patch P) (bool, error)
	// Remove is idempotent and reports whether a row existed.
	Remove(ctx context.Context, tenantID, id string) (bool, error)
}

type TenantStore interface {
	Create(ctx context.Context, t Tenant) (Tenant, error)
	Get(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context, params ListParams) (ListResult[Tenant], error)
	Update(ctx context.Context, id string, patch TenantPatch) (bool, error)
	Remove(ctx context.Context, id string) (bool, error)
}

type CodeStore interface {
	Create(ctx context.Context, tenantID string, c Code) (Code, error)
	Get(ctx context.Context, tenantID, id string, typ CodeType) (*Code, error)
	List(ctx context.Context, tenantID string, params ListParams) (ListResult[Code], error)
	// Consume marks the code used if it is unused and unexpired at now, as one
	// atomic conditional write. It fails with ErrCodeNotFound, ErrCodeExpired or ErrCodeUsed.
	Consume(ctx context.Context, tenantID, id string, typ CodeType, now time.Time) (Code, error)
	Remove(ctx context.Context, tenantID, id string, typ CodeType) (bool, error)
}

// Assignment stores are keyed by the full tuple. Assign is idempotent.

type UserPermissionStore interface {
	Assign(ctx context.Context, tenantID string, p UserPermission) error
	List(ctx context.Context, tenantID, userID string) ([]UserPermission, error)
	Remove(ctx context.Context, tenantID string, p UserPermission) (bool, error)
}

type UserRoleStore interface {
	Assign(ctx context.Context, tenantID string, r UserRole) error
	// List returns global assignments plus those scoped to organizationID.
	List(ctx context.Context, tenantID, userID, organizationID string) ([]UserRole, error)
	Remove(ctx context.Context, tenantID string, r UserRole) (bool, error)
}

type RolePermissionStore interface {
	Assign(ctx context.Context, tenantID string, p RolePermission) error
	List(ctx context.Context, tenantID, roleID string) ([]RolePermission, error)
	Remove(ctx context.Context, tenantID string, p RolePermission) (bool, error)
}

type (
	UserStore           = EntityStore[User, UserPatch]
	ClientStore         = EntityStore[Client, ClientPatch]
	FlowStore           = EntityStore[Flow, FlowPatch]
	HookStore           = EntityStore[Hook, HookPatch]
	ResourceServerStore = EntityStore[ResourceServer, ResourceServerPatch]
	ClientGrantStore    = EntityStore[ClientGrant, ClientGrantPatch]
	RoleStore           = EntityStore[Role, RolePatch]
	RefreshTokenStore   = EntityStore[RefreshToken, RefreshTokenPatch]
)

type LoginSessionStore interface {
	EntityStore[LoginSession, LoginSessionPatch]
	// Transition applies patch only while the stored pipeline state still
	// equals from. It reports false when the session is gone or another
	// writer moved it first.
	Transition(ctx context.Context, tenantID, id string, from PipelineState, patch LoginSessionPatch) (bool, error)
}

// Adapter is a complete storage backend.
type Adapter interface {
	Tenants() TenantStore
	Users() UserStore
	Clients() ClientStore
	LoginSessions() LoginSessionStore
	Codes() CodeStore
	Flows() FlowStore
	Hooks() HookStore
	ResourceServers() ResourceServerStore
	ClientGrants() ClientGrantStore
	Roles() RoleStore
	RefreshTokens() RefreshTokenStore
	UserPermissions() UserPermissionStore
	UserRoles() UserRoleStore
	RolePermissions() RolePermissionStore

	Ping(ctx context.Context) error
	Close() error
}
