package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"keyline.org/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return New(rdb, WithPrefix("test")), mr
}

func TestUserCRUD(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	u, err := s.Users().Create(ctx, "t1", storage.User{Email: "Ada@Example.com", Name: "Ada"})
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", u.Email)
	require.NotEmpty(t, u.ID)

	got, err := s.Users().Get(ctx, "t1", u.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Ada", got.Name)

	missing, err := s.Users().Get(ctx, "t1", "auth0|nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	name := "Countess"
	blocked := true
	ok, err := s.Users().Update(ctx, "t1", u.ID, storage.UserPatch{Name: &name, Blocked: &blocked})
	require.NoError(t, err)
	require.True(t, ok)

	got, err = s.Users().Get(ctx, "t1", u.ID)
	require.NoError(t, err)
	require.Equal(t, "Countess", got.Name)
	require.True(t, got.Blocked)
	require.Equal(t, "ada@example.com", got.Email, "absent patch fields must be kept")

	ok, err = s.Users().Update(ctx, "t1", "auth0|nope", storage.UserPatch{Name: &name})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Users().Remove(ctx, "t1", u.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Users().Remove(ctx, "t1", u.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUniqueConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.ResourceServers().Create(ctx, "t1", storage.ResourceServer{Name: "a", Identifier: "https://api"})
	require.NoError(t, err)
	_, err = s.ResourceServers().Create(ctx, "t1", storage.ResourceServer{Name: "b", Identifier: "https://api"})
	require.ErrorIs(t, err, storage.ErrConflict)

	// the same identifier in another tenant is fine
	_, err = s.ResourceServers().Create(ctx, "t2", storage.ResourceServer{Name: "b", Identifier: "https://api"})
	require.NoError(t, err)

	r1, err := s.Roles().Create(ctx, "t1", storage.Role{Name: "admin"})
	require.NoError(t, err)
	r2, err := s.Roles().Create(ctx, "t1", storage.Role{Name: "viewer"})
	require.NoError(t, err)
	taken := "admin"
	_, err = s.Roles().Update(ctx, "t1", r2.ID, storage.RolePatch{Name: &taken})
	require.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.Roles().Remove(ctx, "t1", r1.ID)
	require.NoError(t, err)
	ok, err := s.Roles().Update(ctx, "t1", r2.ID, storage.RolePatch{Name: &taken})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTenantIsolation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	c, err := s.Clients().Create(ctx, "t1", storage.Client{Name: "web"})
	require.NoError(t, err)

	got, err := s.Clients().Get(ctx, "t2", c.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	res, err := s.Clients().List(ctx, "t2", storage.ListParams{})
	require.NoError(t, err)
	require.Empty(t, res.Items)

	ok, err := s.Clients().Remove(ctx, "t2", c.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Clients().Get(ctx, "", c.ID)
	require.ErrorIs(t, err, storage.ErrTenantRequired)
}

func TestListFiltersAndPages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, trigger := range []string{storage.TriggerPostUserLogin, storage.TriggerPostUserLogin, storage.TriggerPreUserRegistration} {
		_, err := s.Hooks().Create(ctx, "t1", storage.Hook{
			ID:        "h" + string(rune('a'+i)),
			TriggerID: trigger,
			FlowID:    "af_1",
			Enabled:   i != 1,
			Priority:  i,
		})
		require.NoError(t, err)
	}

	res, err := s.Hooks().List(ctx, "t1", storage.ListParams{Q: "trigger_id:post-user-login", IncludeTotals: true})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, "ha", res.Items[0].ID)
	require.Equal(t, 2, *res.Total)

	res, err = s.Hooks().List(ctx, "t1", storage.ListParams{Q: "trigger_id:post-user-login enabled:true"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	res, err = s.Hooks().List(ctx, "t1", storage.ListParams{Page: 1, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Equal(t, "hc", res.Items[0].ID)

	_, err = s.Hooks().List(ctx, "t1", storage.ListParams{Q: "secret:x"})
	require.ErrorIs(t, err, storage.ErrInvalidQuery)
}

func TestConsumeExactlyOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Codes().Create(ctx, "t1", storage.Code{
		ID: "abc", Type: storage.CodeAuthorization, ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		others  []error
		barrier = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-barrier
			_, err := s.Codes().Consume(ctx, "t1", "abc", storage.CodeAuthorization, now)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			others = append(others, err)
		}()
	}
	close(barrier)
	wg.Wait()

	require.Equal(t, 1, wins)
	for _, err := range others {
		require.True(t, errors.Is(err, storage.ErrCodeUsed), "unexpected error %v", err)
	}

	code, err := s.Codes().Get(ctx, "t1", "abc", storage.CodeAuthorization)
	require.NoError(t, err)
	require.NotNil(t, code.UsedAt)
}

func TestSessionTransitionExactlyOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := storage.PipelineState{Step: storage.ConsentPending{
		Identity: storage.Identity{UserID: "u1"}, Scopes: []string{"openid"},
	}}
	sess, err := s.LoginSessions().Create(ctx, "t1", storage.LoginSession{
		ClientID: "c1", PipelineState: pending, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		errs    []error
		barrier = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-barrier
			done := storage.PipelineState{Step: storage.Completed{UserID: "u1", CompletedAt: now}}
			ok, err := s.LoginSessions().Transition(ctx, "t1", sess.ID, pending, storage.LoginSessionPatch{PipelineState: &done})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				wins++
			}
		}()
	}
	close(barrier)
	wg.Wait()
	require.Empty(t, errs)
	require.Equal(t, 1, wins)

	got, err := s.LoginSessions().Get(ctx, "t1", sess.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StageCompleted, got.PipelineState.Stage())

	// a stale expectation never overwrites
	back := pending
	ok, err := s.LoginSessions().Transition(ctx, "t1", sess.ID, pending, storage.LoginSessionPatch{PipelineState: &back})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.LoginSessions().Transition(ctx, "t1", "missing", pending, storage.LoginSessionPatch{PipelineState: &back})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConsumeOutcomes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Codes().Create(ctx, "t1", storage.Code{ID: "old", Type: storage.CodeOTP, ExpiresAt: now.Add(time.Second)})
	require.NoError(t, err)

	_, err = s.Codes().Consume(ctx, "t1", "old", storage.CodeOTP, now.Add(2*time.Second))
	require.ErrorIs(t, err, storage.ErrCodeExpired)

	_, err = s.Codes().Consume(ctx, "t1", "old", storage.CodeInvite, now)
	require.ErrorIs(t, err, storage.ErrCodeNotFound)

	_, err = s.Codes().Consume(ctx, "t2", "old", storage.CodeOTP, now)
	require.ErrorIs(t, err, storage.ErrCodeNotFound)
}

func TestAssignments(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	perm := storage.UserPermission{UserID: "u1", ResourceServerIdentifier: "https://api", PermissionName: "read:x"}
	require.NoError(t, s.UserPermissions().Assign(ctx, "t1", perm))
	require.NoError(t, s.UserPermissions().Assign(ctx, "t1", perm))
	perms, err := s.UserPermissions().List(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, perms, 1)

	require.NoError(t, s.UserRoles().Assign(ctx, "t1", storage.UserRole{UserID: "u1", RoleID: "r-global"}))
	require.NoError(t, s.UserRoles().Assign(ctx, "t1", storage.UserRole{UserID: "u1", RoleID: "r-org", OrganizationID: "org_1"}))

	roles, err := s.UserRoles().List(ctx, "t1", "u1", "")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	roles, err = s.UserRoles().List(ctx, "t1", "u1", "org_1")
	require.NoError(t, err)
	require.Len(t, roles, 2)

	ok, err := s.UserPermissions().Remove(ctx, "t1", perm)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.UserPermissions().Remove(ctx, "t1", perm)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackendUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Users().Get(context.Background(), "t1", "x")
	require.ErrorIs(t, err, storage.ErrUnavailable)
	require.ErrorIs(t, s.Ping(context.Background()), storage.ErrUnavailable)
}
