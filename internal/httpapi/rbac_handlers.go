package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"keyline.org/internal/storage"
)

type permissionRef struct {
	ResourceServerIdentifier string `json:"resource_server_identifier"`
	PermissionName           string `json:"permission_name"`
}

type permissionsRequest struct {
	Permissions []permissionRef `json:"permissions"`
}

type rolesRequest struct {
	Roles          []string `json:"roles"`
	OrganizationID string   `json:"organization_id,omitempty"`
}

func (a *API) registerAssignments() {
	roles := managementPrefix + "roles/{id}/permissions"
	a.mux.HandleFunc("GET "+roles, a.requireScope("read:roles", a.listRolePermissions))
	a.mux.HandleFunc("POST "+roles, a.requireScope("update:roles", a.addRolePermissions))
	a.mux.HandleFunc("DELETE "+roles, a.requireScope("update:roles", a.removeRolePermissions))

	userRoles := managementPrefix + "users/{id}/roles"
	a.mux.HandleFunc("GET "+userRoles, a.requireScope("read:users", a.listUserRoles))
	a.mux.HandleFunc("POST "+userRoles, a.requireScope("update:users", a.assignUserRoles))
	a.mux.HandleFunc("DELETE "+userRoles, a.requireScope("update:users", a.removeUserRoles))

	userPerms := managementPrefix + "users/{id}/permissions"
	a.mux.HandleFunc("GET "+userPerms, a.requireScope("read:users", a.listUserPermissions))
	a.mux.HandleFunc("POST "+userPerms, a.requireScope("update:users", a.addUserPermissions))
	a.mux.HandleFunc("DELETE "+userPerms, a.requireScope("update:users", a.removeUserPermissions))
}

func decodePermissions(r *http.Request) ([]permissionRef, error) {
	var req permissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, badBody(err)
	}
	if len(req.Permissions) == 0 {
		return nil, fmt.Errorf("%w: permissions must not be empty", storage.ErrInvalidInput)
	}
	for _, p := range req.Permissions {
		if strings.TrimSpace(p.ResourceServerIdentifier) == "" || strings.TrimSpace(p.PermissionName) == "" {
			return nil, fmt.Errorf("%w: every permission needs resource_server_identifier and permission_name", storage.ErrInvalidInput)
		}
	}
	return req.Permissions, nil
}

func decodeRoles(r *http.Request) (rolesRequest, error) {
	var req rolesRequest
	if err := decodeJSON(r, &req); err != nil {
		return req, badBody(err)
	}
	if len(req.Roles) == 0 {
		return req, fmt.Errorf("%w: roles must not be empty", storage.ErrInvalidInput)
	}
	return req, nil
}

// requireRole reports whether the role exists, writing 404 when it does not.
func (a *API) requireRole(w http.ResponseWriter, r *http.Request, roleID string) bool {
	role, err := a.store.Roles().Get(r.Context(), a.tenantID(r), roleID)
	if err != nil {
		writeManagementError(w, r, err)
		return false
	}
	if role == nil {
		writeManagementError(w, r, fmt.Errorf("%w: role %s", storage.ErrNotFound, roleID))
		return false
	}
	return true
}

func (a *API) requireUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	user, err := a.store.Users().Get(r.Context(), a.tenantID(r), userID)
	if err != nil {
		writeManagementError(w, r, err)
		return false
	}
	if user == nil {
		writeManagementError(w, r, fmt.Errorf("%w: user %s", storage.ErrNotFound, userID))
		return false
	}
	return true
}

func (a *API) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("id")
	if !a.requireRole(w, r, roleID) {
		return
	}
	perms, err := a.store.RolePermissions().List(r.Context(), a.tenantID(r), roleID)
	if err != nil {
		writeManagementError(w, r, err)
		return
	}
	if perms == nil {
		perms = []storage.RolePermission{}
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) addRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("id")
	perms, err := decodePermissions(r)
	if err != nil {
		writeManagementError(w, r, err)
		return
	}
	if !a.requireRole(w, r, roleID) {
		return
	}
	tenantID := a.tenantID(r)
	for _, p := range perms {
		err := a.store.RolePermissions().Assign(r.Context(), tenantID, storage.RolePermission{
			RoleID:                   roleID,
			ResourceServerIdentifier: p.ResourceServerIdentifier,
			PermissionName:           p.PermissionName,
		})
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
	}
	a.audit(r.Context(), "management.roles.permissions.add", map[string]any{"id": roleID, "count": len(perms)})
	w.WriteHeader(http.StatusCreated)
}

func (a *API) removeRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("id")
	perms, err := decodePermissions(r)
	if err != nil {
		writeManagementError(w, r, err)
		return
	}
	tenantID := a.tenantID(r)
	for _, p := range perms {
		_, err := a.store.RolePermissions().Remove(r.Context(), tenantID, storage.RolePermission{
			RoleID:                   roleID,
			ResourceServerIdentifier: p.ResourceServerIdentifier,
			PermissionName:           p.PermissionName,
		})
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
	}
	a.audit(r.Context(), "management.roles.permissions.remove", map[string]any{"id": roleID, "count": len(perms)})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if !a.requireUser(w, r, userID) {
		return
	}
	list, err := a.store.UserRoles().List(r.Context(), a.tenantID(r), userID, r.URL.Query().Get("organization_id"))
	if err != nil {
		writeManagementError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.UserRole{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) assignUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	req, err := decodeRoles(r)
	if err != nil {
		writeManagementError(w, r, err)
		return
	}
	if !a.requireUser(w, r, userID) {
		return
	}
	tenantID := a.tenantID(r)
	for _, roleID := range req.Roles {
		if !a.requireRole(w, r, roleID) {
			return
		}
		err := a.store.UserRoles().Assign(r.Context(), tenantID, storage.UserRole{
			UserID:         userID,
			RoleID:         roleID,
			OrganizationID: req.OrganizationID,
		})
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
	}
	a.audit(r.Context(), "management.users.roles.assign", map[string]any{
		"id":              userID,
		"roles":           req.Roles,
		"organization_id": req.OrganizationID,
	})
	w.WriteHeader(http.StatusCreated)
}

func (a *API) removeUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	req, err := decodeRoles(r)
	if err != nil {
		writeManagementError(w, r, err)
		return
	}
	tenantID := a.tenantID(r)
	for _, roleID := range req.Roles {
		_, err := a.store.UserRoles().Remove(r.Context(), tenantID, storage.UserRole{
			UserID:         userID,
			RoleID:         roleID,
			OrganizationID: req.OrganizationID,
		})
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
	}
	a.audit(r.Context(), "management.users.roles.remove", map[string]any{"id": userID, "roles": req.Roles})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if !a.requireUser(w, r, userID) {
		return
	}
	// with ?audience= the effective set (direct plus role grants) is returned
	if aud := r.URL.Query().Get("audience"); aud != "" {
		perms, err := a.tokens.EffectivePermissions(r.Context(), a.tenantID(r), userID, aud, r.URL.Query().Get("organization_id"))
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
		if perms == nil {
			perms = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"audience": aud, "permissions": perms})
		return
	}
	list, err := a.store.UserPermissions().List(r.Context(), a.tenantID(r), userID)
	if err != nil {
		writeManagementError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.UserPermission{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) addUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	perms, err := decodePermissions(r)
	if err != nil {
		writeManagementError(w, r, err)
		return
	}
	if !a.requireUser(w, r, userID) {
		return
	}
	tenantID := a.tenantID(r)
	for _, p := range perms {
		err := a.store.UserPermissions().Assign(r.Context(), tenantID, storage.UserPermission{
			UserID:                   userID,
			ResourceServerIdentifier: p.ResourceServerIdentifier,
			PermissionName:           p.PermissionName,
		})
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
	}
	a.audit(r.Context(), "management.users.permissions.add", map[string]any{"id": userID, "count": len(perms)})
	w.WriteHeader(http.StatusCreated)
}

func (a *API) removeUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	perms, err := decodePermissions(r)
	if err != nil {
		writeManagementError(w, r, err)
		return
	}
	tenantID := a.tenantID(r)
	for _, p := range perms {
		_, err := a.store.UserPermissions().Remove(r.Context(), tenantID, storage.UserPermission{
			UserID:                   userID,
			ResourceServerIdentifier: p.ResourceServerIdentifier,
			PermissionName:           p.PermissionName,
		})
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
	}
	a.audit(r.Context(), "management.users.permissions.remove", map[string]any{"id": userID, "count": len(perms)})
	w.WriteHeader(http.StatusNoContent)
}
