package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/localstore"
	"github.com/supabase06-cpu/posv1/internal/service"
	"github.com/supabase06-cpu/posv1/internal/store"
	"github.com/supabase06-cpu/posv1/internal/store/memory"
)

func newAuth(t *testing.T) (*AuthManager, *memory.Store, localstore.Store) {
	t.Helper()
	remote := memory.New()
	require.NoError(t, remote.AddUser(domain.UserProfile{
		ID: "u-1", Email: "priya@store.local", StoreID: testStore, Role: domain.RoleCashier,
		FirstName: "Priya", IsActive: true,
	}, "till-pass"))
	require.NoError(t, remote.AddUser(domain.UserProfile{
		ID: "u-2", Email: "gone@store.local", StoreID: testStore, Role: domain.RoleCashier,
	}, "till-pass"))
	local := localstore.NewMemoryStore()
	return NewAuthManager("unit-secret", time.Hour, testPIN, remote, local), remote, local
}

func TestSignInPersistsSession(t *testing.T) {
	ctx := context.Background()
	auth, _, local := newAuth(t)

	session, err := auth.SignIn(ctx, domain.LoginRequest{Email: " Priya@Store.Local ", Password: "till-pass"})
	require.NoError(t, err)
	assert.Equal(t, "u-1", session.User.ID)
	assert.Empty(t, session.User.PasswordHash)

	actor, err := auth.ParseToken(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{UserID: "u-1", Email: "priya@store.local", Role: domain.RoleCashier, StoreID: testStore}, actor)

	// A second manager over the same local store sees the session, as after a restart.
	restarted := NewAuthManager("unit-secret", time.Hour, "", memory.New(), local)
	got, err := restarted.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.AccessToken, got.AccessToken)
	assert.Equal(t, "Priya", got.User.DisplayName())
}

func TestSignInRejections(t *testing.T) {
	ctx := context.Background()
	auth, remote, _ := newAuth(t)

	_, err := auth.SignIn(ctx, domain.LoginRequest{Email: "priya@store.local", Password: "wrong-pass"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = auth.SignIn(ctx, domain.LoginRequest{Email: "nobody@store.local", Password: "till-pass"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = auth.SignIn(ctx, domain.LoginRequest{Email: "gone@store.local", Password: "till-pass"})
	assert.ErrorIs(t, err, ErrInactiveAccount)

	_, err = auth.SignIn(ctx, domain.LoginRequest{Email: "priya", Password: "till-pass"})
	var verr *service.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "email", verr.Fields["Email"])

	remote.Fail("GetUserByEmail", store.Transient("get user", errors.New("connection refused")))
	_, err = auth.SignIn(ctx, domain.LoginRequest{Email: "priya@store.local", Password: "till-pass"})
	assert.ErrorIs(t, err, ErrAuthUnavailable)

	session, err := auth.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestExpiredSessionIsSignedOut(t *testing.T) {
	ctx := context.Background()
	auth, _, local := newAuth(t)

	_, err := auth.SignIn(ctx, domain.LoginRequest{Email: "priya@store.local", Password: "till-pass"})
	require.NoError(t, err)

	auth.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	session, err := auth.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	_, err = local.Read(ctx, SessionKey)
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestSignOutRemovesSession(t *testing.T) {
	ctx := context.Background()
	auth, _, _ := newAuth(t)

	_, err := auth.SignIn(ctx, domain.LoginRequest{Email: "priya@store.local", Password: "till-pass"})
	require.NoError(t, err)
	require.NoError(t, auth.SignOut(ctx))

	session, err := auth.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestValidateManagerPIN(t *testing.T) {
	auth, _, _ := newAuth(t)

	assert.True(t, auth.ValidateManagerPIN(testPIN))
	assert.True(t, auth.ValidateManagerPIN(" "+testPIN+" "))
	assert.False(t, auth.ValidateManagerPIN("000000"))
	assert.False(t, auth.ValidateManagerPIN(""))

	noPIN := NewAuthManager("unit-secret", time.Hour, "", memory.New(), localstore.NewMemoryStore())
	assert.False(t, noPIN.ValidateManagerPIN(""))
	assert.False(t, noPIN.ValidateManagerPIN("disabled"))
}
