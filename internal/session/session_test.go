package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pipay/internal/payments"
)

type stubAuth struct {
	results    []AuthResult
	errs       []error
	scopes     [][]string
	incomplete []payments.IncompletePayment
	inits      int
	initErr    error
}

func (s *stubAuth) Initialize(context.Context, string, bool) error {
	s.inits++
	return s.initErr
}

func (s *stubAuth) Authenticate(_ context.Context, scopes []string, onIncomplete func(payments.IncompletePayment)) (AuthResult, error) {
	s.scopes = append(s.scopes, scopes)
	for _, p := range s.incomplete {
		onIncomplete(p)
	}
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
	}
	if err != nil {
		return AuthResult{}, err
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res, nil
}

type recorder struct {
	got []payments.IncompletePayment
}

func (r *recorder) RecoverIncomplete(_ context.Context, p payments.IncompletePayment) error {
	r.got = append(r.got, p)
	return nil
}

func TestLoginStoresSessionAndRoutesIncomplete(t *testing.T) {
	auth := &stubAuth{
		results:    []AuthResult{{AccessToken: "t1", User: User{UID: "u1", Username: "ana"}}},
		incomplete: []payments.IncompletePayment{{ID: "old", Status: "pending"}},
	}
	store := NewMemoryStore()
	rec := &recorder{}
	m := NewManager(auth, store, rec, nil)

	s, err := m.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ana", s.Username)
	require.True(t, s.CachedBalance.Equal(decimal.Zero))
	require.Equal(t, "t1", store.AccessToken())
	require.Equal(t, [][]string{LoginScopes}, auth.scopes)
	require.Equal(t, 1, auth.inits)
	require.Len(t, rec.got, 1)
}

func TestReauthenticateUpdatesOnlyWhenTokenChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, Session{AccessToken: "t1", Username: "ana", UID: "u1"}))

	auth := &stubAuth{results: []AuthResult{
		{AccessToken: "t1", User: User{Username: "renamed"}},
		{AccessToken: "t2", User: User{Username: "ana2"}},
	}}
	m := NewManager(auth, store, nil, nil)

	s, err := m.Reauthenticate(ctx)
	require.NoError(t, err)
	require.Equal(t, "ana", s.Username)

	s, err = m.Reauthenticate(ctx)
	require.NoError(t, err)
	require.Equal(t, "t2", s.AccessToken)
	require.Equal(t, "ana2", s.Username)
	require.Equal(t, "u1", s.UID)
	require.Equal(t, [][]string{RefreshScopes, RefreshScopes}, auth.scopes)
}

func TestReauthenticateKeepsSessionOnFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Save(ctx, Session{AccessToken: "t1", Username: "ana"}))

	m := NewManager(&stubAuth{errs: []error{errors.New("popup closed")}}, store, nil, nil)
	s, err := m.Reauthenticate(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", s.AccessToken)
	require.Equal(t, "t1", store.AccessToken())
}

func TestReauthenticateWithoutSession(t *testing.T) {
	m := NewManager(&stubAuth{}, NewMemoryStore(), nil, nil)
	_, err := m.Reauthenticate(context.Background())
	require.ErrorIs(t, err, ErrNoSession)
}

func TestFileStoreRoundTripAndClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "session.json")

	fs, err := NewFileStore(path)
	require.NoError(t, err)
	require.Equal(t, "", fs.AccessToken())

	want := Session{
		AccessToken:   "tok",
		Username:      "ana",
		UID:           "u1",
		CachedBalance: decimal.RequireFromString("3.14"),
		UpdatedAt:     time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, fs.Save(ctx, want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	got, ok, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok", got.AccessToken)
	require.True(t, want.CachedBalance.Equal(got.CachedBalance))

	require.NoError(t, reopened.Clear(ctx))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.Equal(t, "", reopened.AccessToken())
}
