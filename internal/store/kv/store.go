// Package kv is the single-table key-value backend on Redis. Every entity is a
// JSON document under a tenant-qualified key; listings, secondary indexes and
// unique constraints are maintained alongside it in the same keyspace.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"keyline.org/internal/storage"
)

const (
	defaultPrefix = "kl"
	globalScope   = "_global"
	maxTxRetries  = 8

	// expired codes and sessions stay readable for a while so callers can tell
	// expired from missing.
	retention = 24 * time.Hour
)

type Store struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time

	tenants         *tenantTable
	users           *table[storage.User, storage.UserPatch]
	clients         *table[storage.Client, storage.ClientPatch]
	sessions        sessionTable
	codes           *codeTable
	flows           *table[storage.Flow, storage.FlowPatch]
	hooks           *table[storage.Hook, storage.HookPatch]
	resourceServers *table[storage.ResourceServer, storage.ResourceServerPatch]
	clientGrants    *table[storage.ClientGrant, storage.ClientGrantPatch]
	roles           *table[storage.Role, storage.RolePatch]
	refreshTokens   *table[storage.RefreshToken, storage.RefreshTokenPatch]
	userPerms       *userPermissions
	userRoles       *userRoles
	rolePerms       *rolePermissions
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix = strings.Trim(prefix, ":"); prefix != "" {
			s.prefix = prefix
		}
	}
}

// New builds a store over an existing client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	s.tenants = &tenantTable{newTable[storage.Tenant, storage.TenantPatch](s, storage.EntityTenants, "id")}
	s.users = newTable[storage.User, storage.UserPatch](s, storage.EntityUsers, "user_id",
		withIndexes("email"), withUnique("email", "email", "connection"))
	s.clients = newTable[storage.Client, storage.ClientPatch](s, storage.EntityClients, "client_id")
	s.sessions = sessionTable{newTable[storage.LoginSession, storage.LoginSessionPatch](s, storage.EntityLoginSessions, "id",
		withExpiry("expires_at"))}
	s.codes = &codeTable{newTable[storage.Code, struct{}](s, storage.EntityCodes, "",
		withID(codeMember), withIndexes("login_id"), withExpiry("expires_at"))}
	s.flows = newTable[storage.Flow, storage.FlowPatch](s, storage.EntityFlows, "id")
	s.hooks = newTable[storage.Hook, storage.HookPatch](s, storage.EntityHooks, "hook_id",
		withIndexes("trigger_id"))
	s.resourceServers = newTable[storage.ResourceServer, storage.ResourceServerPatch](s, storage.EntityResourceServers, "id",
		withIndexes("identifier"), withUnique("identifier", "identifier"))
	s.clientGrants = newTable[storage.ClientGrant, storage.ClientGrantPatch](s, storage.EntityClientGrants, "id",
		withIndexes("client_id", "audience"), withUnique("client_audience", "client_id", "audience"))
	s.roles = newTable[storage.Role, storage.RolePatch](s, storage.EntityRoles, "id",
		withUnique("name", "name"))
	s.refreshTokens = newTable[storage.RefreshToken, storage.RefreshTokenPatch](s, storage.EntityRefreshTokens, "id",
		withIndexes("user_id", "client_id"))
	s.userPerms = &userPermissions{assignments{s: s, entity: storage.EntityUserPermissions}}
	s.userRoles = &userRoles{assignments{s: s, entity: storage.EntityUserRoles}}
	s.rolePerms = &rolePermissions{assignments{s: s, entity: storage.EntityRolePermissions}}
	return s
}

// Open dials addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	s := New(rdb, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Tenants() storage.TenantStore                 { return s.tenants }
func (s *Store) Users() storage.UserStore                     { return s.users }
func (s *Store) Clients() storage.ClientStore                 { return s.clients }
func (s *Store) LoginSessions() storage.LoginSessionStore     { return s.sessions }
func (s *Store) Codes() storage.CodeStore                     { return s.codes }
func (s *Store) Flows() storage.FlowStore                     { return s.flows }
func (s *Store) Hooks() storage.HookStore                     { return s.hooks }
func (s *Store) ResourceServers() storage.ResourceServerStore { return s.resourceServers }
func (s *Store) ClientGrants() storage.ClientGrantStore       { return s.clientGrants }
func (s *Store) Roles() storage.RoleStore                     { return s.roles }
func (s *Store) RefreshTokens() storage.RefreshTokenStore     { return s.refreshTokens }
func (s *Store) UserPermissions() storage.UserPermissionStore { return s.userPerms }
func (s *Store) UserRoles() storage.UserRoleStore             { return s.userRoles }
func (s *Store) RolePermissions() storage.RolePermissionStore { return s.rolePerms }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return storage.Unavailable(err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

var _ storage.Adapter = (*Store)(nil)

func (s *Store) key(tenantID, entity string, parts ...string) string {
	var b strings.Builder
	b.WriteString(s.prefix)
	b.WriteByte(':')
	b.WriteString(tenantID)
	b.WriteByte(':')
	b.WriteString(entity)
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// backendErr maps driver failures to the storage contract.
func backendErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, storage.ErrInvalidQuery),
		errors.Is(err, storage.ErrCodeNotFound),
		errors.Is(err, storage.ErrCodeExpired),
		errors.Is(err, storage.ErrCodeUsed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return storage.Unavailable(err)
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return storage.ErrTenantRequired
	}
	if strings.Contains(tenantID, ":") {
		return fmt.Errorf("%w: tenant id must not contain ':'", storage.ErrInvalidInput)
	}
	return nil
}
