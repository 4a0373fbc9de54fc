package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// loginPurpose is the fixed purpose string for the login hash chain.
const loginPurpose = "login"

var usernameRE = regexp.MustCompile(`^[A-Za-z0-9_-]{3,20}$`)

// verificationCode computes the code a user must post publicly to prove
// account control: H(H(username) ++ H(purpose) ++ H(nonce)) hex-encoded,
// with hex digits 0-9 remapped to A-J so the result carries no numerals.
// Remote callers mirror this bit-exactly; the algorithm must not drift.
func verificationCode(username, purpose, nonce string) string {
	h := func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	}
	code := h(h(strings.ToLower(username)) + h(purpose) + h(nonce))
	b := []byte(code)
	for i, c := range b {
		if c >= '0' && c <= '9' {
			b[i] = 'A' + (c - '0')
		}
	}
	return string(b)
}

// IssueNonce returns the session's login challenge, minting one only if
// none is outstanding. Repeated calls return the same nonce.
func (a *App) IssueNonce(ctx context.Context, sess *Session) (string, error) {
	if sess.LoggedIn() {
		return "", fmt.Errorf("%w: already logged in", ErrConflict)
	}
	if sess.Nonce != nil {
		return *sess.Nonce, nil
	}
	nonce, err := genHex(32)
	if err != nil {
		return "", err
	}
	if err := a.Store.SetSessionNonce(ctx, sess.ID, nonce); err != nil {
		return "", err
	}
	return nonce, nil
}

// Login verifies account ownership: the claimed user must have posted
// the session's verification code on their public comment feed. On the
// first matching entry the canonical id is resolved, the identity cache
// updated, and the session promoted to verified.
//
// A feed with no matching entry fails with ErrLoginFailed, which is
// distinguishable from a degraded verifier (ErrUpstream).
func (a *App) Login(ctx context.Context, sess *Session, username string) error {
	if !usernameRE.MatchString(username) {
		return fmt.Errorf("%w: malformed username", ErrValidation)
	}
	if sess.Nonce == nil {
		return fmt.Errorf("%w: no login challenge outstanding", ErrValidation)
	}
	code := verificationCode(username, loginPurpose, *sess.Nonce)

	comments, err := a.Verifier.Comments(ctx, username)
	if err != nil {
		return err
	}
	if !feedContainsCode(comments, username, code) {
		return ErrLoginFailed
	}
	userID, err := a.Verifier.UserID(ctx, username)
	if err != nil {
		return err
	}
	if err := a.Store.SaveScratcher(ctx, userID, username); err != nil {
		return err
	}
	return a.Store.LoginSession(ctx, sess.ID, userID)
}

// feedContainsCode scans for an entry authored by username whose body is
// exactly the verification code. The body comparison is constant-time:
// the code is a credential and the compare must not leak a prefix match.
func feedContainsCode(comments []Comment, username, code string) bool {
	for _, c := range comments {
		if !strings.EqualFold(c.Author, username) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(c.Body), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// Logout demotes the session back to anonymous.
func (a *App) Logout(ctx context.Context, sess *Session) error {
	return a.Store.LogoutSession(ctx, sess.ID)
}
