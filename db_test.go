package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, int64(0), "session id is a 62-bit non-negative int")

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, id, sess.ID)
	assert.Nil(t, sess.UserID)
	assert.Nil(t, sess.Authing)
	assert.Nil(t, sess.Nonce)
	assert.False(t, sess.LoggedIn())
}

func TestSessionUnknownIDIsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.GetSession(ctx, 424242)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSessionExpirySweepIsLazy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx)
	require.NoError(t, err)

	advance(s, testExpiries.SessionShort+time.Minute)

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess, "expired session must be swept before the lookup")
}

func TestLoginSessionExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx)
	require.NoError(t, err)
	before, err := s.GetSession(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.LoginSession(ctx, id, 7))
	after, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, after.UserID)
	assert.EqualValues(t, 7, *after.UserID)
	assert.Greater(t, after.Expiry, before.Expiry)

	// A logged-in session survives the short window.
	advance(s, testExpiries.SessionShort+time.Minute)
	still, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, still)
}

func TestSaveScratcherRewritesBothKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveScratcher(ctx, 100, "oldname"))
	// Rename: same id, new name.
	require.NoError(t, s.SaveScratcher(ctx, 100, "newname"))

	byID, err := s.ScratcherByID(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "newname", byID.UserName)

	gone, err := s.ScratcherByName(ctx, "oldname")
	require.NoError(t, err)
	assert.Nil(t, gone, "stale name key must not survive a rewrite")

	// Name reassigned to a different id.
	require.NoError(t, s.SaveScratcher(ctx, 200, "newname"))
	byName, err := s.ScratcherByName(ctx, "NEWNAME")
	require.NoError(t, err)
	require.NotNil(t, byName, "name lookup is case-insensitive")
	assert.EqualValues(t, 200, byName.UserID)

	old, err := s.ScratcherByID(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, old, "stale id key must not survive a rewrite")
}
