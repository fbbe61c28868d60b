package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"keyline.org/internal/audit"
	"keyline.org/internal/ids"
	"keyline.org/internal/login"
	"keyline.org/internal/storage"
	"keyline.org/internal/token"
)

const managementPrefix = "/api/v2/"

// resource describes one management collection.
type resource[T any, P any] struct {
	path   string // URL segment, e.g. resource-servers
	entity string // scope suffix, e.g. resource_servers
	store  func(storage.Adapter) storage.EntityStore[T, P]
	id     func(T) string

	// optional hooks; defaults decode the body straight into T and P
	decodeCreate func(r *http.Request) (T, error)
	decodePatch  func(r *http.Request) (P, error)
	// created runs on the stored row before it is returned from create
	created func(stored T, in T) T
	redact  func(T) T
}

func (a *API) registerManagement() {
	mount(a, resource[storage.ResourceServer, storage.ResourceServerPatch]{
		path:   "resource-servers",
		entity: "resource_servers",
		store:  func(s storage.Adapter) storage.ResourceServerStore { return s.ResourceServers() },
		id:     func(v storage.ResourceServer) string { return v.ID },
	})
	mount(a, resource[storage.ClientGrant, storage.ClientGrantPatch]{
		path:   "client-grants",
		entity: "client_grants",
		store:  func(s storage.Adapter) storage.ClientGrantStore { return s.ClientGrants() },
		id:     func(v storage.ClientGrant) string { return v.ID },
	})
	mount(a, resource[storage.Flow, storage.FlowPatch]{
		path:   "flows",
		entity: "flows",
		store:  func(s storage.Adapter) storage.FlowStore { return s.Flows() },
		id:     func(v storage.Flow) string { return v.ID },
	})
	mount(a, resource[storage.Hook, storage.HookPatch]{
		path:   "hooks",
		entity: "hooks",
		store:  func(s storage.Adapter) storage.HookStore { return s.Hooks() },
		id:     func(v storage.Hook) string { return v.ID },
	})
	mount(a, resource[storage.Role, storage.RolePatch]{
		path:   "roles",
		entity: "roles",
		store:  func(s storage.Adapter) storage.RoleStore { return s.Roles() },
		id:     func(v storage.Role) string { return v.ID },
	})
	mount(a, resource[storage.User, storage.UserPatch]{
		path:         "users",
		entity:       "users",
		store:        func(s storage.Adapter) storage.UserStore { return s.Users() },
		id:           func(v storage.User) string { return v.ID },
		decodeCreate: decodeUserCreate,
		decodePatch:  decodeUserPatch,
		redact: func(u storage.User) storage.User {
			u.PasswordHash = ""
			return u
		},
	})
	mount(a, resource[storage.Client, storage.ClientPatch]{
		path:         "clients",
		entity:       "clients",
		store:        func(s storage.Adapter) storage.ClientStore { return secretClientStore{s.Clients()} },
		id:           func(v storage.Client) string { return v.ID },
		decodeCreate: decodeClientCreate,
		// the plaintext secret is shown once, on create
		created: func(stored, in storage.Client) storage.Client {
			stored.ClientSecret = in.ClientSecret
			return stored
		},
		redact: func(c storage.Client) storage.Client {
			c.ClientSecret = ""
			return c
		},
	})
	a.registerAssignments()
}

func mount[T any, P any](a *API, res resource[T, P]) {
	base := managementPrefix + res.path
	a.mux.HandleFunc("GET "+base, a.requireScope("read:"+res.entity, listHandler(a, res)))
	a.mux.HandleFunc("POST "+base, a.requireScope("create:"+res.entity, createHandler(a, res)))
	a.mux.HandleFunc("GET "+base+"/{id}", a.requireScope("read:"+res.entity, getHandler(a, res)))
	a.mux.HandleFunc("PATCH "+base+"/{id}", a.requireScope("update:"+res.entity, patchHandler(a, res)))
	a.mux.HandleFunc("DELETE "+base+"/{id}", a.requireScope("delete:"+res.entity, deleteHandler(a, res)))
}

func (res resource[T, P]) out(v T) T {
	if res.redact != nil {
		return res.redact(v)
	}
	return v
}

func listHandler[T any, P any](a *API, res resource[T, P]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := parseListParams(r)
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
		page, err := res.store(a.store).List(r.Context(), a.tenantID(r), params)
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
		items := make([]T, 0, len(page.Items))
		for _, v := range page.Items {
			items = append(items, res.out(v))
		}
		if !params.IncludeTotals {
			writeJSON(w, http.StatusOK, items)
			return
		}
		body := map[string]any{
			"start": page.Start,
			"limit": page.Limit,
		}
		body[strings.ReplaceAll(res.path, "-", "_")] = items
		if page.Total != nil {
			body["total"] = *page.Total
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func getHandler[T any, P any](a *API, res resource[T, P]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := res.store(a.store).Get(r.Context(), a.tenantID(r), r.PathValue("id"))
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
		if v == nil {
			writeManagementError(w, r, fmt.Errorf("%w: %s", storage.ErrNotFound, res.entity))
			return
		}
		writeJSON(w, http.StatusOK, res.out(*v))
	}
}

func createHandler[T any, P any](a *API, res resource[T, P]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in T
		var err error
		if res.decodeCreate != nil {
			in, err = res.decodeCreate(r)
		} else {
			err = decodeJSON(r, &in)
		}
		if err != nil {
			writeManagementError(w, r, badBody(err))
			return
		}
		stored, err := res.store(a.store).Create(r.Context(), a.tenantID(r), in)
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
		id := res.id(stored)
		a.audit(r.Context(), "management."+res.entity+".create", map[string]any{"id": id})
		out := res.out(stored)
		if res.created != nil {
			out = res.created(out, in)
		}
		w.Header().Set("Location", managementPrefix+res.path+"/"+id)
		writeJSON(w, http.StatusCreated, out)
	}
}

func patchHandler[T any, P any](a *API, res resource[T, P]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch P
		var err error
		if res.decodePatch != nil {
			patch, err = res.decodePatch(r)
		} else {
			err = decodeJSON(r, &patch)
		}
		if err != nil {
			writeManagementError(w, r, badBody(err))
			return
		}
		id := r.PathValue("id")
		tenantID := a.tenantID(r)
		store := res.store(a.store)
		ok, err := store.Update(r.Context(), tenantID, id, patch)
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
		if !ok {
			writeManagementError(w, r, fmt.Errorf("%w: %s", storage.ErrNotFound, res.entity))
			return
		}
		a.audit(r.Context(), "management."+res.entity+".update", map[string]any{"id": id})
		v, err := store.Get(r.Context(), tenantID, id)
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
		if v == nil {
			writeManagementError(w, r, fmt.Errorf("%w: %s", storage.ErrNotFound, res.entity))
			return
		}
		writeJSON(w, http.StatusOK, res.out(*v))
	}
}

func deleteHandler[T any, P any](a *API, res resource[T, P]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		existed, err := res.store(a.store).Remove(r.Context(), a.tenantID(r), id)
		if err != nil {
			writeManagementError(w, r, err)
			return
		}
		if existed {
			a.audit(r.Context(), "management."+res.entity+".delete", map[string]any{"id": id})
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseListParams(r *http.Request) (storage.ListParams, error) {
	q := r.URL.Query()
	var p storage.ListParams
	var err error
	if p.Page, err = parseInt(q.Get("page"), 0); err != nil {
		return p, fmt.Errorf("%w: page must be an integer", storage.ErrInvalidQuery)
	}
	if p.PerPage, err = parseInt(q.Get("per_page"), storage.DefaultPerPage); err != nil {
		return p, fmt.Errorf("%w: per_page must be an integer", storage.ErrInvalidQuery)
	}
	if v := q.Get("include_totals"); v != "" {
		if p.IncludeTotals, err = strconv.ParseBool(v); err != nil {
			return p, fmt.Errorf("%w: include_totals must be a boolean", storage.ErrInvalidQuery)
		}
	}
	p.Q = q.Get("q")
	return p.Normalize(), nil
}

func parseInt(raw string, def int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func badBody(err error) error {
	if errors.Is(err, storage.ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
}

// writeManagementError renders the management API error shape.
func writeManagementError(w http.ResponseWriter, r *http.Request, err error) {
	oe := classify(err)
	msg := http.StatusText(oe.Status)
	if oe.Detail {
		msg = describe(err)
	}
	body := map[string]any{
		"statusCode": oe.Status,
		"error":      http.StatusText(oe.Status),
		"message":    msg,
		"errorCode":  oe.Code,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, oe.Status, body)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if p, ok := principalFrom(ctx); ok {
		fields["client_id"] = p.ClientID
	}
	_ = audit.LogEvent(ctx, event, fields)
}

type userCreateRequest struct {
	Email         string         `json:"email"`
	Password      string         `json:"password"`
	Connection    string         `json:"connection"`
	Name          string         `json:"name"`
	EmailVerified bool           `json:"email_verified"`
	MFAEnrolled   bool           `json:"mfa_enrolled"`
	Blocked       bool           `json:"blocked"`
	AppMetadata   map[string]any `json:"app_metadata"`
	UserMetadata  map[string]any `json:"user_metadata"`
}

func decodeUserCreate(r *http.Request) (storage.User, error) {
	var req userCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		return storage.User{}, err
	}
	u := storage.User{
		Email:         strings.ToLower(strings.TrimSpace(req.Email)),
		Connection:    req.Connection,
		Name:          req.Name,
		EmailVerified: req.EmailVerified,
		MFAEnrolled:   req.MFAEnrolled,
		Blocked:       req.Blocked,
		AppMetadata:   req.AppMetadata,
		UserMetadata:  req.UserMetadata,
	}
	if req.Password != "" {
		hash, err := login.HashPassword(req.Password)
		if err != nil {
			return storage.User{}, err
		}
		u.PasswordHash = hash
	}
	return u, nil
}

type userPatchRequest struct {
	Email         *string        `json:"email"`
	Name          *string        `json:"name"`
	Password      *string        `json:"password"`
	EmailVerified *bool          `json:"email_verified"`
	MFAEnrolled   *bool          `json:"mfa_enrolled"`
	Blocked       *bool          `json:"blocked"`
	AppMetadata   map[string]any `json:"app_metadata"`
	UserMetadata  map[string]any `json:"user_metadata"`
}

func decodeUserPatch(r *http.Request) (storage.UserPatch, error) {
	var req userPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		return storage.UserPatch{}, err
	}
	p := storage.UserPatch{
		Name:          req.Name,
		EmailVerified: req.EmailVerified,
		MFAEnrolled:   req.MFAEnrolled,
		Blocked:       req.Blocked,
		AppMetadata:   req.AppMetadata,
		UserMetadata:  req.UserMetadata,
	}
	if req.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*req.Email))
		p.Email = &email
	}
	if req.Password != nil {
		hash, err := login.HashPassword(*req.Password)
		if err != nil {
			return storage.UserPatch{}, err
		}
		p.PasswordHash = &hash
	}
	return p, nil
}

type clientRequest struct {
	Name          string   `json:"name"`
	AppType       string   `json:"app_type"`
	Callbacks     []string `json:"callbacks"`
	GrantTypes    []string `json:"grant_types"`
	FirstParty    bool     `json:"is_first_party"`
	Organizations []string `json:"organizations"`
}

// decodeClientCreate generates a secret for confidential app types. The
// returned client carries the plaintext secret; the hash is what gets stored.
func decodeClientCreate(r *http.Request) (storage.Client, error) {
	var req clientRequest
	if err := decodeJSON(r, &req); err != nil {
		return storage.Client{}, err
	}
	c := storage.Client{
		Name:          req.Name,
		AppType:       req.AppType,
		Callbacks:     req.Callbacks,
		GrantTypes:    req.GrantTypes,
		FirstParty:    req.FirstParty,
		Organizations: req.Organizations,
	}
	if c.AppType == storage.AppTypeRegularWeb || c.AppType == storage.AppTypeNonInteractive {
		secret, err := ids.Secret(32)
		if err != nil {
			return storage.Client{}, err
		}
		c.ClientSecret = secret
	}
	return c, nil
}

// secretClientStore hashes the secret on the way in so the plaintext never
// reaches the backend.
type secretClientStore struct {
	storage.ClientStore
}

func (s secretClientStore) Create(ctx context.Context, tenantID string, c storage.Client) (storage.Client, error) {
	if c.ClientSecret != "" {
		hash, err := token.HashClientSecret(c.ClientSecret)
		if err != nil {
			return storage.Client{}, err
		}
		c.ClientSecret = hash
	}
	return s.ClientStore.Create(ctx, tenantID, c)
}

func (s secretClientStore) Update(ctx context.Context, tenantID, id string, p storage.ClientPatch) (bool, error) {
	if p.ClientSecret != nil {
		hash, err := token.HashClientSecret(*p.ClientSecret)
		if err != nil {
			return false, err
		}
		p.ClientSecret = &hash
	}
	return s.ClientStore.Update(ctx, tenantID, id, p)
}
