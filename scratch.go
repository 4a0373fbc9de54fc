package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Comment is one entry of a user's public comment feed.
type Comment struct {
	Author string
	Body   string
}

// Verifier is the identity-verification collaborator: it fetches a
// claimed account's public comment feed and resolves its canonical
// numeric id. Implemented against the Scratch APIs; faked in tests.
type Verifier interface {
	Comments(ctx context.Context, username string) ([]Comment, error)
	UserID(ctx context.Context, username string) (int64, error)
	// ProfileLive reports whether the account's feed still resolves;
	// a banned, deleted, or renamed account does not.
	ProfileLive(ctx context.Context, username string) (bool, error)
}

// ScratchClient talks to the real Scratch website and API with a shared
// injected http.Client. Every call inherits the client's timeout and
// surfaces failures as ErrUpstream.
type ScratchClient struct {
	HTTP     *http.Client
	APIBase  string // e.g. https://api.scratch.mit.edu
	SiteBase string // e.g. https://scratch.mit.edu
}

// The site-api comment feed is HTML. The original matched author link
// and content in one expression with a backreference; RE2 has no
// backreferences, so the author capture is verified in code instead.
var commentRE = regexp.MustCompile(
	`(?s)<div class="name">\s*<a href="/users/([_a-zA-Z0-9-]+)">([_a-zA-Z0-9-]+)</a>\s*</div>\s*<div class="content">\s*(.*?)\s*</div>`)

func (c *ScratchClient) get(ctx context.Context, rawurl string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return resp, nil
}

// Comments fetches page 1 of the user's public comment feed. The salt
// query parameter busts any intermediary cache.
func (c *ScratchClient) Comments(ctx context.Context, username string) ([]Comment, error) {
	feedURL := fmt.Sprintf("%s/site-api/comments/user/%s?page=1&salt=%d",
		c.SiteBase, url.PathEscape(username), rand.Int())
	resp, err := c.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: comment feed returned %d", ErrUpstream, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return parseCommentFeed(string(body)), nil
}

// parseCommentFeed extracts author/body pairs, keeping only entries
// whose link target and link text agree.
func parseCommentFeed(page string) []Comment {
	var out []Comment
	for _, m := range commentRE.FindAllStringSubmatch(page, -1) {
		if m[1] != m[2] {
			continue
		}
		body := html.UnescapeString(stripTags(m[3]))
		out = append(out, Comment{Author: m[1], Body: strings.TrimSpace(body)})
	}
	return out
}

var tagRE = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string { return tagRE.ReplaceAllString(s, "") }

// UserID resolves the canonical numeric id for a username via the users
// API. A non-2xx answer is indistinguishable from a degraded upstream
// and surfaces as ErrUpstream.
func (c *ScratchClient) UserID(ctx context.Context, username string) (int64, error) {
	resp, err := c.get(ctx, fmt.Sprintf("%s/users/%s", c.APIBase, url.PathEscape(username)))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: users api returned %d", ErrUpstream, resp.StatusCode)
	}
	var user struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return 0, fmt.Errorf("%w: decoding users api response: %v", ErrUpstream, err)
	}
	if user.ID == 0 {
		return 0, fmt.Errorf("%w: users api returned no id", ErrUpstream)
	}
	return user.ID, nil
}

// ProfileLive probes the comment feed for a 200.
func (c *ScratchClient) ProfileLive(ctx context.Context, username string) (bool, error) {
	feedURL := fmt.Sprintf("%s/site-api/comments/user/%s?page=1&salt=%d",
		c.SiteBase, url.PathEscape(username), rand.Int())
	resp, err := c.get(ctx, feedURL)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode == http.StatusOK, nil
}
