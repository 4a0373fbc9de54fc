package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFeed = `
<li class="top-level-reply">
  <div class="comment" data-comment-id="1">
    <a href="/users/griffpatch"><img class="avatar" src="x.png"></a>
    <div class="info">
      <div class="name">
        <a href="/users/griffpatch">griffpatch</a>
      </div>
      <div class="content">
        AJbcdeJf &amp; more
      </div>
    </div>
  </div>
</li>
<li class="top-level-reply">
  <div class="comment" data-comment-id="2">
    <div class="info">
      <div class="name">
        <a href="/users/impostor">someone_else</a>
      </div>
      <div class="content">mismatched author link</div>
    </div>
  </div>
</li>
<li class="top-level-reply">
  <div class="comment" data-comment-id="3">
    <div class="info">
      <div class="name">
        <a href="/users/Second-User">Second-User</a>
      </div>
      <div class="content">
        hello <span>world</span>
      </div>
    </div>
  </div>
</li>
`

func TestParseCommentFeed(t *testing.T) {
	got := parseCommentFeed(sampleFeed)
	require.Len(t, got, 2, "author link and text must agree")
	assert.Equal(t, Comment{Author: "griffpatch", Body: "AJbcdeJf & more"}, got[0])
	assert.Equal(t, Comment{Author: "Second-User", Body: "hello world"}, got[1])
}

func TestParseCommentFeedEmpty(t *testing.T) {
	assert.Empty(t, parseCommentFeed("<html><body>no comments</body></html>"))
}

func newScratchClient(srv *httptest.Server) *ScratchClient {
	return &ScratchClient{HTTP: srv.Client(), APIBase: srv.URL, SiteBase: srv.URL}
}

func TestScratchClientComments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/site-api/comments/user/griffpatch", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.NotEmpty(t, r.URL.Query().Get("salt"), "cache-busting salt must be present")
		w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	got, err := newScratchClient(srv).Comments(context.Background(), "griffpatch")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestScratchClientCommentsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newScratchClient(srv).Comments(context.Background(), "griffpatch")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestScratchClientUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/griffpatch", r.URL.Path)
		w.Write([]byte(`{"id": 1882674, "username": "griffpatch"}`))
	}))
	defer srv.Close()

	id, err := newScratchClient(srv).UserID(context.Background(), "griffpatch")
	require.NoError(t, err)
	assert.EqualValues(t, 1882674, id)
}

func TestScratchClientUserIDErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()
		_, err := newScratchClient(srv).UserID(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrUpstream)
	})
	t.Run("missing id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"username": "ghost"}`))
		}))
		defer srv.Close()
		_, err := newScratchClient(srv).UserID(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrUpstream)
	})
}

func TestScratchClientProfileLive(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	c := newScratchClient(srv)

	live, err := c.ProfileLive(context.Background(), "griffpatch")
	require.NoError(t, err)
	assert.True(t, live)

	status = http.StatusNotFound
	live, err = c.ProfileLive(context.Background(), "banned_user")
	require.NoError(t, err)
	assert.False(t, live, "a dead feed is a dead profile, not an error")
}
