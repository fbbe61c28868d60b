package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"keyline.org/internal/codes"
	"keyline.org/internal/storage"
	"keyline.org/internal/store/kv"
	"keyline.org/internal/token"
)

const audience = "https://keyline.test/api/v2/"

func newStore(t *testing.T) *kv.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(time.Now())
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.New(rdb)
}

func TestRunSeedsOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	opts := Options{TenantID: "default", Issuer: "https://id.keyline.test/", ManagementAudience: audience}

	first, err := Run(ctx, store, opts)
	require.NoError(t, err)
	require.True(t, first.TenantCreated)
	require.True(t, first.ResourceServerCreated)
	require.NotEmpty(t, first.ClientID)
	require.NotEmpty(t, first.ClientSecret)

	client, err := store.Clients().Get(ctx, "default", first.ClientID)
	require.NoError(t, err)
	require.NotNil(t, client)
	require.NotEqual(t, first.ClientSecret, client.ClientSecret, "only the hash is stored")

	second, err := Run(ctx, store, opts)
	require.NoError(t, err)
	require.False(t, second.TenantCreated)
	require.False(t, second.ResourceServerCreated)
	require.Equal(t, first.ClientID, second.ClientID)
	require.Empty(t, second.ClientSecret)

	clients, err := store.Clients().List(ctx, "default", storage.ListParams{IncludeTotals: true})
	require.NoError(t, err)
	require.Equal(t, 1, *clients.Total)
}

func TestAdminClientGetsManagementToken(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	res, err := Run(ctx, store, Options{TenantID: "default", ManagementAudience: audience})
	require.NoError(t, err)

	keys, err := token.GenerateStaticKeys(2048)
	require.NoError(t, err)
	svc := token.NewService(store, codes.New(store), keys)
	rc := token.RequestContext{TenantID: "default", Issuer: "https://id.keyline.test/"}

	toks, err := svc.Exchange(ctx, rc, token.TokenRequest{
		GrantType:    token.GrantClientCredentials,
		ClientID:     res.ClientID,
		ClientSecret: res.ClientSecret,
		Audience:     audience,
		Scope:        "read:users create:users",
	})
	require.NoError(t, err)

	claims, err := svc.Verify(ctx, rc, toks.AccessToken, audience)
	require.NoError(t, err)
	require.True(t, claims.HasScope("read:users"))
	require.True(t, claims.HasScope("create:users"))
	require.False(t, claims.HasScope("delete:users"))
	require.Equal(t, res.ClientID+"@clients", claims.Subject)
}

func TestRunRequiresTenant(t *testing.T) {
	_, err := Run(context.Background(), newStore(t), Options{ManagementAudience: audience})
	require.ErrorIs(t, err, storage.ErrTenantRequired)
}

func TestManagementScopes(t *testing.T) {
	scopes := ManagementScopes()
	require.Len(t, scopes, len(ManagementEntities)*4)
	require.Contains(t, scopes, "delete:client_grants")
	require.Contains(t, scopes, "read:flows")
}
