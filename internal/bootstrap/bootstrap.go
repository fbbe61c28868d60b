// Package bootstrap seeds a fresh deployment with a tenant, the management
// API resource server and an admin machine-to-machine client.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"keyline.org/internal/ids"
	"keyline.org/internal/storage"
	"keyline.org/internal/token"
)

const DefaultAdminClientName = "Keyline Admin"

// ManagementEntities are the collections exposed by the management API.
var ManagementEntities = []string{
	"resource_servers", "client_grants", "flows", "hooks", "users", "roles", "clients",
}

// ManagementScopes lists read/create/update/delete for every management entity.
func ManagementScopes() []string {
	out := make([]string, 0, len(ManagementEntities)*4)
	for _, e := range ManagementEntities {
		for _, verb := range []string{"read", "create", "update", "delete"} {
			out = append(out, verb+":"+e)
		}
	}
	return out
}

type Options struct {
	TenantID           string
	TenantName         string
	Issuer             string
	ManagementAudience string
	AdminClientName    string
}

type Result struct {
	TenantCreated         bool
	ResourceServerCreated bool
	ClientID              string
	// ClientSecret is only set when this call created the admin client.
	ClientSecret string
}

// Run is idempotent: existing rows are left alone.
func Run(ctx context.Context, store storage.Adapter, opts Options) (Result, error) {
	var res Result
	opts.TenantID = strings.TrimSpace(opts.TenantID)
	if opts.TenantID == "" {
		return res, storage.ErrTenantRequired
	}
	if opts.ManagementAudience == "" {
		return res, fmt.Errorf("%w: management audience is required", storage.ErrInvalidInput)
	}
	if opts.AdminClientName == "" {
		opts.AdminClientName = DefaultAdminClientName
	}
	if opts.TenantName == "" {
		opts.TenantName = opts.TenantID
	}

	tenant, err := store.Tenants().Get(ctx, opts.TenantID)
	if err != nil {
		return res, fmt.Errorf("lookup tenant: %w", err)
	}
	if tenant == nil {
		if _, err := store.Tenants().Create(ctx, storage.Tenant{ID: opts.TenantID, Name: opts.TenantName, Issuer: opts.Issuer}); err != nil {
			return res, fmt.Errorf("create tenant: %w", err)
		}
		res.TenantCreated = true
	}

	rss, err := store.ResourceServers().List(ctx, opts.TenantID, storage.ListParams{
		PerPage: 1,
		Q:       storage.Eq("identifier", opts.ManagementAudience),
	})
	if err != nil {
		return res, fmt.Errorf("lookup management api: %w", err)
	}
	if len(rss.Items) == 0 {
		scopes := make([]storage.ResourceServerScope, 0, len(ManagementEntities)*4)
		for _, s := range ManagementScopes() {
			scopes = append(scopes, storage.ResourceServerScope{Value: s})
		}
		_, err := store.ResourceServers().Create(ctx, opts.TenantID, storage.ResourceServer{
			Name:       "Keyline Management API",
			Identifier: opts.ManagementAudience,
			Scopes:     scopes,
		})
		if err != nil {
			return res, fmt.Errorf("create management api: %w", err)
		}
		res.ResourceServerCreated = true
	}

	grants, err := store.ClientGrants().List(ctx, opts.TenantID, storage.ListParams{
		PerPage: 1,
		Q:       storage.Eq("audience", opts.ManagementAudience),
	})
	if err != nil {
		return res, fmt.Errorf("lookup admin grant: %w", err)
	}
	if len(grants.Items) > 0 {
		res.ClientID = grants.Items[0].ClientID
		return res, nil
	}

	secret, err := ids.Secret(32)
	if err != nil {
		return res, err
	}
	hash, err := token.HashClientSecret(secret)
	if err != nil {
		return res, err
	}
	client, err := store.Clients().Create(ctx, opts.TenantID, storage.Client{
		Name:         opts.AdminClientName,
		AppType:      storage.AppTypeNonInteractive,
		GrantTypes:   []string{token.GrantClientCredentials},
		ClientSecret: hash,
		FirstParty:   true,
	})
	if err != nil {
		return res, fmt.Errorf("create admin client: %w", err)
	}
	_, err = store.ClientGrants().Create(ctx, opts.TenantID, storage.ClientGrant{
		ClientID: client.ID,
		Audience: opts.ManagementAudience,
		Scope:    ManagementScopes(),
	})
	if err != nil {
		return res, fmt.Errorf("create admin grant: %w", err)
	}
	res.ClientID = client.ID
	res.ClientSecret = secret
	return res, nil
}
