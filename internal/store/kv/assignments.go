package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"keyline.org/internal/storage"
)

// assignments keep one hash per owner: the field is the rest of the composite
// key and the value is the JSON record.
type assignments struct {
	s      *Store
	entity string
}

func (a assignments) hashKey(tenantID, owner string) string {
	return a.s.key(tenantID, a.entity, owner)
}

func field(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

func (a assignments) assign(ctx context.Context, tenantID, owner, f string, rec any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return backendErr(a.s.rdb.HSetNX(ctx, a.hashKey(tenantID, owner), f, b).Err())
}

func (a assignments) remove(ctx context.Context, tenantID, owner, f string) (bool, error) {
	n, err := a.s.rdb.HDel(ctx, a.hashKey(tenantID, owner), f).Result()
	if err != nil {
		return false, backendErr(err)
	}
	return n > 0, nil
}

func listAssigned[T any](ctx context.Context, a assignments, tenantID, owner string) ([]T, error) {
	all, err := a.s.rdb.HGetAll(ctx, a.hashKey(tenantID, owner)).Result()
	if err != nil {
		return nil, backendErr(err)
	}
	fields := make([]string, 0, len(all))
	for f := range all {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	out := make([]T, 0, len(fields))
	for _, f := range fields {
		var v T
		if err := json.Unmarshal([]byte(all[f]), &v); err != nil {
			return nil, fmt.Errorf("kv: decode %s: %w", a.entity, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func required(entity string, vals ...string) error {
	for _, v := range vals {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s needs every key part", storage.ErrInvalidInput, entity)
		}
	}
	return nil
}

type userPermissions struct{ a assignments }

func (u *userPermissions) Assign(ctx context.Context, tenantID string, p storage.UserPermission) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := required(u.a.entity, p.UserID, p.ResourceServerIdentifier, p.PermissionName); err != nil {
		return err
	}
	p.TenantID = tenantID
	p.CreatedAt = u.a.s.now().UTC()
	return u.a.assign(ctx, tenantID, p.UserID, field(p.ResourceServerIdentifier, p.PermissionName), p)
}

func (u *userPermissions) List(ctx context.Context, tenantID, userID string) ([]storage.UserPermission, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return listAssigned[storage.UserPermission](ctx, u.a, tenantID, userID)
}

func (u *userPermissions) Remove(ctx context.Context, tenantID string, p storage.UserPermission) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	return u.a.remove(ctx, tenantID, p.UserID, field(p.ResourceServerIdentifier, p.PermissionName))
}

type userRoles struct{ a assignments }

func (u *userRoles) Assign(ctx context.Context, tenantID string, r storage.UserRole) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := required(u.a.entity, r.UserID, r.RoleID); err != nil {
		return err
	}
	r.TenantID = tenantID
	r.CreatedAt = u.a.s.now().UTC()
	return u.a.assign(ctx, tenantID, r.UserID, field(r.OrganizationID, r.RoleID), r)
}

func (u *userRoles) List(ctx context.Context, tenantID, userID, organizationID string) ([]storage.UserRole, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	all, err := listAssigned[storage.UserRole](ctx, u.a, tenantID, userID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.OrganizationID == "" || r.OrganizationID == organizationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (u *userRoles) Remove(ctx context.Context, tenantID string, r storage.UserRole) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	return u.a.remove(ctx, tenantID, r.UserID, field(r.OrganizationID, r.RoleID))
}

type rolePermissions struct{ a assignments }

func (rp *rolePermissions) Assign(ctx context.Context, tenantID string, p storage.RolePermission) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := required(rp.a.entity, p.RoleID, p.ResourceServerIdentifier, p.PermissionName); err != nil {
		return err
	}
	p.TenantID = tenantID
	p.CreatedAt = rp.a.s.now().UTC()
	return rp.a.assign(ctx, tenantID, p.RoleID, field(p.ResourceServerIdentifier, p.PermissionName), p)
}

func (rp *rolePermissions) List(ctx context.Context, tenantID, roleID string) ([]storage.RolePermission, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return listAssigned[storage.RolePermission](ctx, rp.a, tenantID, roleID)
}

func (rp *rolePermissions) Remove(ctx context.Context, tenantID string, p storage.RolePermission) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	return rp.a.remove(ctx, tenantID, p.RoleID, field(p.ResourceServerIdentifier, p.PermissionName))
}
