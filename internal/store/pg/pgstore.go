package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"keyline.org/internal/storage"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

type Store struct {
	db  *sql.DB
	now func() time.Time

	tenants         *tenantStore
	users           *table[storage.User, storage.UserPatch]
	clients         *table[storage.Client, storage.ClientPatch]
	sessions        sessionTable
	codes           *codeStore
	flows           *table[storage.Flow, storage.FlowPatch]
	hooks           *table[storage.Hook, storage.HookPatch]
	resourceServers *table[storage.ResourceServer, storage.ResourceServerPatch]
	clientGrants    *table[storage.ClientGrant, storage.ClientGrantPatch]
	roles           *table[storage.Role, storage.RolePatch]
	refreshTokens   *table[storage.RefreshToken, storage.RefreshTokenPatch]
}

var _ storage.Adapter = (*Store)(nil)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle. Tests pass a sqlmock connection here.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.tenants = &tenantStore{t: newTable[storage.Tenant, storage.TenantPatch](s, tenantMapper)}
	s.users = newTable[storage.User, storage.UserPatch](s, userMapper)
	s.clients = newTable[storage.Client, storage.ClientPatch](s, clientMapper)
	s.sessions = sessionTable{newTable[storage.LoginSession, storage.LoginSessionPatch](s, sessionMapper)}
	s.codes = &codeStore{t: newTable[storage.Code, struct{}](s, codeMapper)}
	s.flows = newTable[storage.Flow, storage.FlowPatch](s, flowMapper)
	s.hooks = newTable[storage.Hook, storage.HookPatch](s, hookMapper)
	s.resourceServers = newTable[storage.ResourceServer, storage.ResourceServerPatch](s, resourceServerMapper)
	s.clientGrants = newTable[storage.ClientGrant, storage.ClientGrantPatch](s, clientGrantMapper)
	s.roles = newTable[storage.Role, storage.RolePatch](s, roleMapper)
	s.refreshTokens = newTable[storage.RefreshToken, storage.RefreshTokenPatch](s, refreshTokenMapper)
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storage.Unavailable(err)
	}
	return nil
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
func (s *Store) UserPermissions() storage.UserPermissionStore { return &userPermissionStore{s: s} }
func (s *Store) UserRoles() storage.UserRoleStore             { return &userRoleStore{s: s} }
func (s *Store) RolePermissions() storage.RolePermissionStore { return &rolePermissionStore{s: s} }

// dbErr translates driver errors into storage contract errors.
func dbErr(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.ConstraintName)
		case pgErrForeignKeyViolation, pgErrCheckViolation:
			return fmt.Errorf("%w: %s", storage.ErrInvalidInput, pgErr.Message)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// no server response: dial failures, broken connections, pool timeouts
	return storage.Unavailable(err)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return storage.ErrTenantRequired
	}
	return nil
}
