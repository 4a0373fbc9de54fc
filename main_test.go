package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testExpiries = Expiries{
	SessionShort: 10 * time.Minute,
	SessionLong:  265 * 24 * time.Hour,
	Auth:         time.Hour,
	AccessToken:  24 * time.Hour,
	RefreshToken: 265 * 24 * time.Hour,
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "test.db"), testExpiries)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })
	return s
}

// advance shifts the store's clock forward from real time.
func advance(s *Store, d time.Duration) {
	s.now = func() time.Time { return time.Now().Add(d) }
}

type fakeVerifier struct {
	comments    []Comment
	commentsErr error
	userID      int64
	userIDErr   error
	live        bool
	liveErr     error
}

func (f *fakeVerifier) Comments(context.Context, string) ([]Comment, error) {
	return f.comments, f.commentsErr
}

func (f *fakeVerifier) UserID(context.Context, string) (int64, error) {
	return f.userID, f.userIDErr
}

func (f *fakeVerifier) ProfileLive(context.Context, string) (bool, error) {
	return f.live, f.liveErr
}

func newTestApp(t *testing.T, v Verifier) *App {
	t.Helper()
	if v == nil {
		v = &fakeVerifier{live: true}
	}
	return &App{
		Store:    newTestStore(t),
		Verifier: v,
		Notifier: NopNotifier{},
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		limiter:  NewRateLimiter(1000),
	}
}

// loggedInSession creates a session already bound to userID.
func loggedInSession(t *testing.T, s *Store, userID int64) *Session {
	t.Helper()
	ctx := context.Background()
	id, err := s.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.LoginSession(ctx, id, userID))
	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess
}
