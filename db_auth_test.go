package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authFixture is a logged-in user with a registered app and a pending
// authorization attached to the user's session.
type authFixture struct {
	store *Store
	sess  *Session
	app   *Application
	code  string
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	ctx := context.Background()
	s := newTestStore(t)
	sess := loggedInSession(t, s, 7)

	name := "Test App"
	app, err := s.CreateApplication(ctx, 7, &name, []string{"https://client.example/cb"})
	require.NoError(t, err)

	uri := "https://client.example/cb"
	code, err := s.StartAuth(ctx, sess.ID, 7, app.ClientID, "xyzzy", &uri, []string{"identify"})
	require.NoError(t, err)

	sess, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	return &authFixture{store: s, sess: sess, app: app, code: code}
}

func countRows(t *testing.T, s *Store, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestStartAuthSinglePending(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	// Second call for the same (client_id, state) is a no-op: same code,
	// still exactly one pending row.
	uri := "https://client.example/cb"
	again, err := f.store.StartAuth(ctx, f.sess.ID, 7, f.app.ClientID, "xyzzy", &uri, []string{"identify"})
	require.NoError(t, err)
	assert.Equal(t, f.code, again)

	n := countRows(t, f.store,
		`SELECT COUNT(*) FROM authings WHERE client_id = ? AND state = ?`, f.app.ClientID, "xyzzy")
	assert.Equal(t, 1, n)

	// A different state is a different flow.
	other, err := f.store.StartAuth(ctx, f.sess.ID, 7, f.app.ClientID, "plugh", &uri, []string{"identify"})
	require.NoError(t, err)
	assert.NotEqual(t, f.code, other)
}

func TestStartAuthAttachesSessionReference(t *testing.T) {
	f := newAuthFixture(t)
	require.NotNil(t, f.sess.Authing)
	assert.Equal(t, f.code, *f.sess.Authing)
}

func TestAuthingByCreator(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	pending, err := f.store.AuthingByCreator(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, f.code, pending.Code)
	assert.Equal(t, StagePending, pending.Stage)

	// Other users see nothing; an exchanged row no longer counts.
	none, err := f.store.AuthingByCreator(ctx, 8)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)
	none, err = f.store.AuthingByCreator(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAuthingByCreatorSweepsExpired(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	advance(f.store, testExpiries.Auth+time.Minute)
	pending, err := f.store.AuthingByCreator(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestExchangeScopeEquality(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	// Subset and superset are both rejected; the pending row survives.
	_, err := f.store.ExchangeCode(ctx, f.code, nil)
	assert.ErrorIs(t, err, ErrScopeMismatch)
	_, err = f.store.ExchangeCode(ctx, f.code, []string{"identify", "email"})
	assert.ErrorIs(t, err, ErrScopeMismatch)

	authing, err := f.store.AuthingByCode(ctx, f.code)
	require.NoError(t, err)
	require.NotNil(t, authing, "rejected exchange must not consume the code")
	assert.Equal(t, StagePending, authing.Stage)

	// The exact set, order-insensitive, succeeds.
	grant, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)
	assert.Equal(t, []string{"identify"}, grant.Scopes)
	assert.Len(t, grant.AccessToken, 128)
	assert.Len(t, grant.RefreshToken, 128)
}

func TestExchangeTransitionsRow(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	grant, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)

	// The old code is gone; the same row now holds the access token.
	old, err := f.store.AuthingByCode(ctx, f.code)
	require.NoError(t, err)
	assert.Nil(t, old)

	exchanged, err := f.store.AuthingByCode(ctx, grant.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, exchanged)
	assert.Equal(t, StageExchanged, exchanged.Stage)
	assert.Nil(t, exchanged.State, "state must be cleared on exchange")
	assert.EqualValues(t, 7, exchanged.UserID)

	// The session's back-reference is cleared: the flow is handed off.
	sess, err := f.store.GetSession(ctx, f.sess.ID)
	require.NoError(t, err)
	assert.Nil(t, sess.Authing)

	// The approval points at the access token.
	appr, err := f.store.ApprovalByToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, appr)
	require.NotNil(t, appr.AccessToken)
	assert.Equal(t, grant.AccessToken, *appr.AccessToken)
}

func TestExchangeRequiresActiveSession(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	// Simulate the user cancelling: back-reference cleared, row deleted.
	require.NoError(t, f.store.CancelAuth(ctx, f.sess.ID, f.code))

	_, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExchangeSupersedesPriorApproval(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	first, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)

	// A second full flow for the same user/client replaces the grant.
	uri := "https://client.example/cb"
	code2, err := f.store.StartAuth(ctx, f.sess.ID, 7, f.app.ClientID, "second", &uri, []string{"identify"})
	require.NoError(t, err)
	second, err := f.store.ExchangeCode(ctx, code2, []string{"identify"})
	require.NoError(t, err)

	gone, err := f.store.ApprovalByToken(ctx, f.app.ClientID, first.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, gone, "prior approval must be superseded")

	// The superseded grant's access token dies with it. Its approval is
	// gone, so nothing else could ever revoke it.
	dead, err := f.store.AuthingByCode(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, dead, "superseded access token must not survive")

	n := countRows(t, f.store,
		`SELECT COUNT(*) FROM approvals WHERE user_id = 7 AND client_id = ?`, f.app.ClientID)
	assert.Equal(t, 1, n)
	n = countRows(t, f.store, `SELECT COUNT(*) FROM authings WHERE client_id = ?`, f.app.ClientID)
	assert.Equal(t, 1, n, "exactly one live token after re-authorization")

	current, err := f.store.ApprovalByToken(ctx, f.app.ClientID, second.RefreshToken)
	require.NoError(t, err)
	assert.NotNil(t, current)
}

func TestRotationPreservesExactlyOneLiveToken(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	grant, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)

	rotated, err := f.store.RefreshAccessToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, grant.AccessToken, rotated.AccessToken)
	assert.Equal(t, grant.RefreshToken, rotated.RefreshToken)

	// Old token: not found. New token: same scopes/client/redirect.
	old, err := f.store.AuthingByCode(ctx, grant.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, old)

	fresh, err := f.store.AuthingByCode(ctx, rotated.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, []string{"identify"}, fresh.Scopes)
	assert.Equal(t, f.app.ClientID, fresh.ClientID)
	require.NotNil(t, fresh.RedirectURI)
	assert.Equal(t, "https://client.example/cb", *fresh.RedirectURI)

	appr, err := f.store.ApprovalByToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, appr.AccessToken)
	assert.Equal(t, rotated.AccessToken, *appr.AccessToken)

	n := countRows(t, f.store, `SELECT COUNT(*) FROM authings WHERE client_id = ?`, f.app.ClientID)
	assert.Equal(t, 1, n, "rotation must not leave a duplicate live token")
}

func TestRefreshUnknownAndExpired(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	_, err := f.store.RefreshAccessToken(ctx, f.app.ClientID, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	grant, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)

	// Wrong client id cannot reach someone else's approval.
	_, err = f.store.RefreshAccessToken(ctx, f.app.ClientID+1, grant.RefreshToken)
	assert.ErrorIs(t, err, ErrNotFound)

	// Past expiry the grant is gone, not missing.
	advance(f.store, testExpiries.RefreshToken+time.Hour)
	_, err = f.store.RefreshAccessToken(ctx, f.app.ClientID, grant.RefreshToken)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRevokeRefreshTokenIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	grant, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)

	require.NoError(t, f.store.RevokeRefreshToken(ctx, f.app.ClientID, grant.RefreshToken))

	appr, err := f.store.ApprovalByToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, appr)
	token, err := f.store.AuthingByCode(ctx, grant.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, token, "revocation cascades to the authing")

	// Second revocation: no error, no rows touched.
	require.NoError(t, f.store.RevokeRefreshToken(ctx, f.app.ClientID, grant.RefreshToken))
}

func TestRevokeAccessTokenKeepsRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	grant, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)

	require.NoError(t, f.store.RevokeAccessToken(ctx, f.app.ClientID, grant.RefreshToken))

	token, err := f.store.AuthingByCode(ctx, grant.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, token)

	appr, err := f.store.ApprovalByToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, appr, "refresh token survives access revocation")
	assert.Nil(t, appr.AccessToken)

	// Idempotent.
	require.NoError(t, f.store.RevokeAccessToken(ctx, f.app.ClientID, grant.RefreshToken))

	// The refresh token can re-mint a fresh access token afterwards.
	rotated, err := f.store.RefreshAccessToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	fresh, err := f.store.AuthingByCode(ctx, rotated.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, []string{"identify"}, fresh.Scopes)
}

func TestApprovalExpirySweepCascades(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	grant, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)

	advance(f.store, testExpiries.RefreshToken+time.Hour)
	require.NoError(t, f.store.ExpireApprovals(ctx))

	appr, err := f.store.ApprovalByToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, appr)

	byAccess, err := f.store.ApprovalByAccessToken(ctx, grant.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, byAccess)

	n := countRows(t, f.store,
		`SELECT COUNT(*) FROM authings WHERE code = ?`, grant.AccessToken)
	assert.Equal(t, 0, n, "linked authing must be gone too")
}

func TestExpireApprovalsSkipsWhenNothingDue(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	_, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)

	require.NoError(t, f.store.ExpireApprovals(ctx))
	n := countRows(t, f.store, `SELECT COUNT(*) FROM approvals`)
	assert.Equal(t, 1, n)
}

func TestAuthingExpirySweepClearsSessionReference(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	advance(f.store, testExpiries.Auth+time.Minute)
	require.NoError(t, f.store.ExpireAuthings(ctx))

	sess, err := f.store.GetSession(ctx, f.sess.ID)
	require.NoError(t, err)
	require.NotNil(t, sess, "logged-in session outlives its pending auth")
	assert.Nil(t, sess.Authing, "dangling reference must be cleared with the row")

	gone, err := f.store.AuthingByCode(ctx, f.code)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestGetAccessAndRefreshTokenLookups(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	grant, err := f.store.ExchangeCode(ctx, f.code, []string{"identify"})
	require.NoError(t, err)

	token, expiry, scopes, ok, err := f.store.GetAccessToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, grant.AccessToken, token)
	assert.Equal(t, grant.AccessExpiry, expiry)
	assert.Equal(t, []string{"identify"}, scopes)

	rexpiry, rscopes, ok, err := f.store.GetRefreshToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, grant.RefreshExpiry, rexpiry)
	assert.Equal(t, []string{"identify"}, rscopes)

	// Any missing link is a uniform miss, not an error.
	_, _, _, ok, err = f.store.GetAccessToken(ctx, f.app.ClientID, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.store.RevokeAccessToken(ctx, f.app.ClientID, grant.RefreshToken))
	_, _, _, ok, err = f.store.GetAccessToken(ctx, f.app.ClientID, grant.RefreshToken)
	require.NoError(t, err)
	assert.False(t, ok)
}
