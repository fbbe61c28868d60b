package pg

import (
	"context"
	"fmt"
	"strings"

	"keyline.org/internal/storage"
)

// Assignment tables use the whole tuple as primary key, so assigning twice is a no-op.

type userPermissionStore struct{ s *Store }

func (st *userPermissionStore) Assign(ctx context.Context, tenantID string, p storage.UserPermission) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := required("user permission", p.UserID, p.ResourceServerIdentifier, p.PermissionName); err != nil {
		return err
	}
	_, err := st.s.db.ExecContext(ctx, `
		insert into user_permissions (tenant_id, user_id, resource_server_identifier, permission_name, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict do nothing
	`, tenantID, p.UserID, p.ResourceServerIdentifier, p.PermissionName, st.s.now().UTC())
	return dbErr(err)
}

func (st *userPermissionStore) List(ctx context.Context, tenantID, userID string) ([]storage.UserPermission, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := st.s.db.QueryContext(ctx, `
		select tenant_id, user_id, resource_server_identifier, permission_name, created_at
		from user_permissions
		where tenant_id = $1 and user_id = $2
		order by resource_server_identifier collate "C", permission_name collate "C"
	`, tenantID, userID)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()

	var result []storage.UserPermission
	for rows.Next() {
		var p storage.UserPermission
		if err := rows.Scan(&p.TenantID, &p.UserID, &p.ResourceServerIdentifier, &p.PermissionName, &p.CreatedAt); err != nil {
			return nil, dbErr(err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	return result, nil
}

func (st *userPermissionStore) Remove(ctx context.Context, tenantID string, p storage.UserPermission) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	return execAffected(ctx, st.s, `
		delete from user_permissions
		where tenant_id = $1 and user_id = $2 and resource_server_identifier = $3 and permission_name = $4
	`, tenantID, p.UserID, p.ResourceServerIdentifier, p.PermissionName)
}

type userRoleStore struct{ s *Store }

func (st *userRoleStore) Assign(ctx context.Context, tenantID string, r storage.UserRole) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := required("user role", r.UserID, r.RoleID); err != nil {
		return err
	}
	_, err := st.s.db.ExecContext(ctx, `
		insert into user_roles (tenant_id, user_id, role_id, organization_id, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict do nothing
	`, tenantID, r.UserID, r.RoleID, r.OrganizationID, st.s.now().UTC())
	return dbErr(err)
}

func (st *userRoleStore) List(ctx context.Context, tenantID, userID, organizationID string) ([]storage.UserRole, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := st.s.db.QueryContext(ctx, `
		select tenant_id, user_id, role_id, organization_id, created_at
		from user_roles
		where tenant_id = $1 and user_id = $2 and (organization_id = '' or organization_id = $3)
		order by organization_id collate "C", role_id collate "C"
	`, tenantID, userID, organizationID)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()

	var result []storage.UserRole
	for rows.Next() {
		var r storage.UserRole
		if err := rows.Scan(&r.TenantID, &r.UserID, &r.RoleID, &r.OrganizationID, &r.CreatedAt); err != nil {
			return nil, dbErr(err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	return result, nil
}

func (st *userRoleStore) Remove(ctx context.Context, tenantID string, r storage.UserRole) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	return execAffected(ctx, st.s, `
		delete from user_roles
		where tenant_id = $1 and user_id = $2 and role_id = $3 and organization_id = $4
	`, tenantID, r.UserID, r.RoleID, r.OrganizationID)
}

type rolePermissionStore struct{ s *Store }

func (st *rolePermissionStore) Assign(ctx context.Context, tenantID string, p storage.RolePermission) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := required("role permission", p.RoleID, p.ResourceServerIdentifier, p.PermissionName); err != nil {
		return err
	}
	_, err := st.s.db.ExecContext(ctx, `
		insert into role_permissions (tenant_id, role_id, resource_server_identifier, permission_name, created_at)
		values ($1, $2, $3, $4, $5)
		on conflict do nothing
	`, tenantID, p.RoleID, p.ResourceServerIdentifier, p.PermissionName, st.s.now().UTC())
	return dbErr(err)
}

func (st *rolePermissionStore) List(ctx context.Context, tenantID, roleID string) ([]storage.RolePermission, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	rows, err := st.s.db.QueryContext(ctx, `
		select tenant_id, role_id, resource_server_identifier, permission_name, created_at
		from role_permissions
		where tenant_id = $1 and role_id = $2
		order by resource_server_identifier collate "C", permission_name collate "C"
	`, tenantID, roleID)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()

	var result []storage.RolePermission
	for rows.Next() {
		var p storage.RolePermission
		if err := rows.Scan(&p.TenantID, &p.RoleID, &p.ResourceServerIdentifier, &p.PermissionName, &p.CreatedAt); err != nil {
			return nil, dbErr(err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	return result, nil
}

func (st *rolePermissionStore) Remove(ctx context.Context, tenantID string, p storage.RolePermission) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	return execAffected(ctx, st.s, `
		delete from role_permissions
		where tenant_id = $1 and role_id = $2 and resource_server_identifier = $3 and permission_name = $4
	`, tenantID, p.RoleID, p.ResourceServerIdentifier, p.PermissionName)
}

func execAffected(ctx context.Context, s *Store, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, dbErr(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, dbErr(err)
	}
	return aff > 0, nil
}

func required(what string, vals ...string) error {
	for _, v := range vals {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s needs every key part", storage.ErrInvalidInput, what)
		}
	}
	return nil
}
