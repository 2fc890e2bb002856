package auth_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/a-essam23/stompd/internal/auth"
)

func newTestService(opts ...auth.Option) *auth.Service {
	base := []auth.Option{
		auth.WithBcryptCost(bcrypt.MinCost),
		auth.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return auth.NewService(auth.NewMemoryStore(), append(base, opts...)...)
}

func TestLoginStatuses(t *testing.T) {
	s := newTestService()

	assert.Equal(t, auth.AddedNewUser, s.Login(1, "bob", "alice"))
	assert.Equal(t, auth.ClientAlreadyConnected, s.Login(1, "carol", "pw"))
	assert.Equal(t, auth.AlreadyLoggedIn, s.Login(2, "bob", "alice"))
	assert.Equal(t, auth.WrongPassword, s.Login(2, "bob", "wrong"))

	s.Logout(1)
	assert.Equal(t, auth.LoggedInSuccessfully, s.Login(2, "bob", "alice"))

	user, ok := s.ActiveUser(2)
	require.True(t, ok)
	assert.Equal(t, "bob", user)
	_, ok = s.ActiveUser(1)
	assert.False(t, ok)
}

func TestLogoutUnknownConnection(t *testing.T) {
	s := newTestService()
	s.Logout(42)
	assert.Equal(t, auth.AddedNewUser, s.Login(42, "dave", "pw"))
	s.Logout(42)
	s.Logout(42)
	assert.Equal(t, auth.LoggedInSuccessfully, s.Login(43, "dave", "pw"))
}

func TestStatusOK(t *testing.T) {
	assert.True(t, auth.AddedNewUser.OK())
	assert.True(t, auth.LoggedInSuccessfully.OK())
	for _, st := range []auth.Status{auth.WrongPassword, auth.AlreadyLoggedIn, auth.ClientAlreadyConnected, auth.Failed} {
		assert.False(t, st.OK(), st.String())
	}
}

func TestConcurrentLoginSameUser(t *testing.T) {
	s := newTestService()

	const n = 16
	results := make([]auth.Status, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Login(int64(i), "eve", "pw")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, st := range results {
		if st.OK() {
			ok++
		} else {
			assert.Equal(t, auth.AlreadyLoggedIn, st)
		}
	}
	assert.Equal(t, 1, ok, "exactly one session per user")
}

func TestTokenLogin(t *testing.T) {
	verifier := auth.NewTokenVerifier("secret")
	s := newTestService(auth.WithTokenVerifier(verifier))

	token, err := verifier.Issue("frank", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, auth.AddedNewUser, s.Login(1, "frank", token))
	s.Logout(1)
	assert.Equal(t, auth.LoggedInSuccessfully, s.Login(1, "frank", token))
	s.Logout(1)
	// token-only accounts have no password to fall back on
	assert.Equal(t, auth.WrongPassword, s.Login(1, "frank", "guess"))

	other, err := verifier.Issue("grace", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, auth.WrongPassword, s.Login(2, "frank", other))
}

func TestTokenVerifier(t *testing.T) {
	verifier := auth.NewTokenVerifier("secret")

	token, err := verifier.Issue("bob", time.Minute)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(token, "bob"))
	assert.ErrorIs(t, verifier.Verify(token, "alice"), auth.ErrSubjectMismatch)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	assert.Error(t, verifier.Verify(expired, "bob"))

	forever, err := verifier.Issue("bob", 0)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(forever, "bob"))

	forged, err := auth.NewTokenVerifier("other").Issue("bob", time.Minute)
	require.NoError(t, err)
	assert.Error(t, verifier.Verify(forged, "bob"))
	assert.Error(t, verifier.Verify("not-a-token", "bob"))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := auth.NewMemoryStore()

	_, err := store.Lookup(ctx, "bob")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	require.NoError(t, store.Create(ctx, "bob", []byte("hash")))
	assert.ErrorIs(t, store.Create(ctx, "bob", []byte("other")), auth.ErrUserExists)

	hash, err := store.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []byte("hash"), hash)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("STOMPD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("STOMPD_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	store, err := auth.NewRedisStoreFromURL(ctx, url)
	require.NoError(t, err)
	defer store.Close()

	name := "test-" + time.Now().Format("150405.000000000")
	_, err = store.Lookup(ctx, name)
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
	require.NoError(t, store.Create(ctx, name, []byte("hash")))
	assert.ErrorIs(t, store.Create(ctx, name, []byte("x")), auth.ErrUserExists)

	hash, err := store.Lookup(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []byte("hash"), hash)
}
