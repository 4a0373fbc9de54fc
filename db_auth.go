package main

import (
	"context"
	"database/sql"
	"fmt"
)

// Authorization engine

// StartAuth begins an authorization flow: inserts a pending authing with
// a fresh code and points the session's authing reference at it. If a
// pending row already exists for (client_id, state) the call is an
// idempotent retry: no new row is written and the existing code is
// re-attached to the session.
func (s *Store) StartAuth(ctx context.Context, sessionID, userID, clientID int64, state string, redirectURI *string, scopes []string) (string, error) {
	if err := s.ExpireAuthings(ctx); err != nil {
		return "", err
	}
	code, err := genHex(32)
	if err != nil {
		return "", err
	}
	expiry := s.now().Add(s.exp.Auth).Unix()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		row := tx.QueryRowContext(ctx,
			`SELECT code FROM authings WHERE client_id = ? AND state = ? AND stage = ?`,
			clientID, state, StagePending)
		switch err := row.Scan(&existing); err {
		case nil:
			code = existing
		case sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO authings (code, client_id, user_id, stage, state, redirect_uri, scopes, expiry)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				code, clientID, userID, StagePending, state, redirectURI, joinScopes(scopes), expiry); err != nil {
				return err
			}
		default:
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET authing = ? WHERE session_id = ?`, code, sessionID)
		return err
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// AuthingByCode returns the authing row for a code or access token,
// sweeping expired rows first. Returns nil on a miss.
func (s *Store) AuthingByCode(ctx context.Context, code string) (*Authing, error) {
	if err := s.ExpireAuthings(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT code, client_id, user_id, stage, state, redirect_uri, scopes, expiry
		 FROM authings WHERE code = ?`, code)
	return scanAuthing(row)
}

// AuthingByCreator returns the pending authing most recently created by
// a user, if any.
func (s *Store) AuthingByCreator(ctx context.Context, userID int64) (*Authing, error) {
	if err := s.ExpireAuthings(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT code, client_id, user_id, stage, state, redirect_uri, scopes, expiry
		 FROM authings WHERE user_id = ? AND stage = ? ORDER BY expiry DESC LIMIT 1`,
		userID, StagePending)
	return scanAuthing(row)
}

// CancelAuth aborts a flow: clears the session back-reference and
// deletes the pending row, then sweeps.
func (s *Store) CancelAuth(ctx context.Context, sessionID int64, code string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET authing = NULL WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM authings WHERE code = ?`, code)
		return err
	})
	if err != nil {
		return err
	}
	return s.ExpireAuthings(ctx)
}

// ExpireAuthings sweeps expired authing rows. References are cleared in
// the same transaction that deletes the rows, so a session can never
// observe a dangling code.
func (s *Store) ExpireAuthings(ctx context.Context) error {
	now := s.nowUnix()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET authing = NULL
			 WHERE authing IN (SELECT code FROM authings WHERE expiry < ?)`, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM authings WHERE expiry < ?`, now)
		return err
	})
}

// Token engine

// ExchangeCode turns a pending authorization code into an access token
// and a durable approval, as one atomic unit:
//
//   - the pending row is rewritten in place (new token value, exchanged
//     stage, state cleared, medium expiry);
//   - the user is bound through the session still pointing at the code —
//     no such session means no active authorization;
//   - any prior approval for (user, client) is superseded;
//   - the session's authing reference is cleared.
//
// The scope set presented must equal the set recorded on the pending
// row; a subset or superset is rejected.
func (s *Store) ExchangeCode(ctx context.Context, code string, scopes []string) (*TokenGrant, error) {
	if err := s.ExpireAuthings(ctx); err != nil {
		return nil, err
	}
	accessToken, err := genHex(64)
	if err != nil {
		return nil, err
	}
	refreshToken, err := genHex(64)
	if err != nil {
		return nil, err
	}
	accessExpiry := s.now().Add(s.exp.AccessToken).Unix()
	refreshExpiry := s.now().Add(s.exp.RefreshToken).Unix()
	var grant *TokenGrant
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT code, client_id, user_id, stage, state, redirect_uri, scopes, expiry
			 FROM authings WHERE code = ? AND stage = ?`, code, StagePending)
		authing, err := scanAuthing(row)
		if err != nil {
			return err
		}
		if authing == nil {
			return ErrNotFound
		}
		if !scopeSetsEqual(authing.Scopes, scopes) {
			return ErrScopeMismatch
		}

		var sessionID int64
		var sessionUser sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT session_id, user_id FROM sessions WHERE authing = ?`, code).
			Scan(&sessionID, &sessionUser)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: no session holds this authorization", ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !sessionUser.Valid || sessionUser.Int64 != authing.UserID {
			return fmt.Errorf("%w: session user does not match authorization", ErrIntegrity)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE authings SET code = ?, stage = ?, state = NULL, expiry = ? WHERE code = ?`,
			accessToken, StageExchanged, accessExpiry, code); err != nil {
			return err
		}
		// Superseding the prior approval must kill its access token too,
		// or the old bearer credential would outlive every revocation path.
		var prior sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT access_token FROM approvals WHERE user_id = ? AND client_id = ?`,
			authing.UserID, authing.ClientID).Scan(&prior)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if prior.Valid {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM authings WHERE code = ?`, prior.String); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM approvals WHERE user_id = ? AND client_id = ?`,
			authing.UserID, authing.ClientID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO approvals (refresh_token, client_id, user_id, access_token, scopes, expiry)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			refreshToken, authing.ClientID, authing.UserID, accessToken,
			joinScopes(authing.Scopes), refreshExpiry); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET authing = NULL WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		grant = &TokenGrant{
			RefreshToken:  refreshToken,
			RefreshExpiry: refreshExpiry,
			Scopes:        authing.Scopes,
			AccessToken:   accessToken,
			AccessExpiry:  accessExpiry,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// ApprovalByToken returns the approval for (client, refresh token)
// without expiry filtering, so callers can distinguish gone from absent.
func (s *Store) ApprovalByToken(ctx context.Context, clientID int64, refreshToken string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT refresh_token, client_id, user_id, access_token, scopes, expiry
		 FROM approvals WHERE refresh_token = ? AND client_id = ?`, refreshToken, clientID)
	return scanApproval(row)
}

// ApprovalByAccessToken is the resource-server-style lookup.
func (s *Store) ApprovalByAccessToken(ctx context.Context, accessToken string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT refresh_token, client_id, user_id, access_token, scopes, expiry
		 FROM approvals WHERE access_token = ?`, accessToken)
	return scanApproval(row)
}

// GetRefreshToken returns (expiry, scopes) for a live approval. Any
// missing or expired link yields ok=false rather than an error.
func (s *Store) GetRefreshToken(ctx context.Context, clientID int64, refreshToken string) (int64, []string, bool, error) {
	appr, err := s.ApprovalByToken(ctx, clientID, refreshToken)
	if err != nil {
		return 0, nil, false, err
	}
	if appr == nil || appr.Expiry < s.nowUnix() {
		return 0, nil, false, nil
	}
	return appr.Expiry, appr.Scopes, true, nil
}

// GetAccessToken resolves the approval's current access token and its
// authing row. Any missing link yields ok=false, uniformly.
func (s *Store) GetAccessToken(ctx context.Context, clientID int64, refreshToken string) (string, int64, []string, bool, error) {
	appr, err := s.ApprovalByToken(ctx, clientID, refreshToken)
	if err != nil {
		return "", 0, nil, false, err
	}
	if appr == nil || appr.AccessToken == nil {
		return "", 0, nil, false, nil
	}
	authing, err := s.AuthingByCode(ctx, *appr.AccessToken)
	if err != nil {
		return "", 0, nil, false, err
	}
	if authing == nil {
		return "", 0, nil, false, nil
	}
	return authing.Code, authing.Expiry, authing.Scopes, true, nil
}

// RefreshAccessToken rotates the access token under a refresh token.
// The replacement row is inserted, the approval repointed, and the old
// row deleted as one unit; partial application would leave either a
// dangling approval pointer or two live tokens.
func (s *Store) RefreshAccessToken(ctx context.Context, clientID int64, refreshToken string) (*TokenGrant, error) {
	newToken, err := genHex(64)
	if err != nil {
		return nil, err
	}
	accessExpiry := s.now().Add(s.exp.AccessToken).Unix()
	var grant *TokenGrant
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT refresh_token, client_id, user_id, access_token, scopes, expiry
			 FROM approvals WHERE refresh_token = ? AND client_id = ?`, refreshToken, clientID)
		appr, err := scanApproval(row)
		if err != nil {
			return err
		}
		if appr == nil {
			return ErrNotFound
		}
		if appr.Expiry < s.nowUnix() {
			return ErrExpired
		}

		// Copy the old row's data when it still exists; fall back to the
		// approval's own fields when the access token was revoked or
		// already swept.
		var old *Authing
		if appr.AccessToken != nil {
			row := tx.QueryRowContext(ctx,
				`SELECT code, client_id, user_id, stage, state, redirect_uri, scopes, expiry
				 FROM authings WHERE code = ?`, *appr.AccessToken)
			if old, err = scanAuthing(row); err != nil {
				return err
			}
		}
		var redirectURI *string
		scopes := appr.Scopes
		if old != nil {
			redirectURI = old.RedirectURI
			scopes = old.Scopes
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO authings (code, client_id, user_id, stage, state, redirect_uri, scopes, expiry)
			 VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
			newToken, appr.ClientID, appr.UserID, StageExchanged,
			redirectURI, joinScopes(scopes), accessExpiry); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE approvals SET access_token = ? WHERE refresh_token = ?`,
			newToken, refreshToken); err != nil {
			return err
		}
		if old != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM authings WHERE code = ?`, old.Code); err != nil {
				return err
			}
		}
		grant = &TokenGrant{
			RefreshToken:  appr.RefreshToken,
			RefreshExpiry: appr.Expiry,
			Scopes:        scopes,
			AccessToken:   newToken,
			AccessExpiry:  accessExpiry,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// RevokeRefreshToken deletes the approval and its linked authing.
// Revoking an unknown token is idempotent success.
func (s *Store) RevokeRefreshToken(ctx context.Context, clientID int64, refreshToken string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		appr, err := lockApproval(ctx, tx, clientID, refreshToken)
		if err != nil || appr == nil {
			return err
		}
		if appr.AccessToken != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM authings WHERE code = ?`, *appr.AccessToken); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM approvals WHERE refresh_token = ?`, refreshToken)
		return err
	})
}

// RevokeAccessToken deletes only the current access token, leaving the
// refresh token valid for a future re-mint. Idempotent.
func (s *Store) RevokeAccessToken(ctx context.Context, clientID int64, refreshToken string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		appr, err := lockApproval(ctx, tx, clientID, refreshToken)
		if err != nil || appr == nil || appr.AccessToken == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM authings WHERE code = ?`, *appr.AccessToken); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE approvals SET access_token = NULL WHERE refresh_token = ?`, refreshToken)
		return err
	})
}

func lockApproval(ctx context.Context, tx *sql.Tx, clientID int64, refreshToken string) (*Approval, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT refresh_token, client_id, user_id, access_token, scopes, expiry
		 FROM approvals WHERE refresh_token = ? AND client_id = ?`, refreshToken, clientID)
	return scanApproval(row)
}

// Approval registry

// ApprovalsByUser lists the user's grants joined with their
// applications, sweeping expired approvals first.
func (s *Store) ApprovalsByUser(ctx context.Context, userID int64) ([]ApprovalInfo, error) {
	if err := s.ExpireApprovals(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ap.refresh_token, ap.client_id, a.app_name, a.flags, ap.scopes, ap.expiry
		 FROM approvals ap JOIN applications a ON a.client_id = ap.client_id
		 WHERE ap.user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ApprovalInfo{}
	for rows.Next() {
		var info ApprovalInfo
		var name sql.NullString
		var flags int64
		var scopes string
		if err := rows.Scan(&info.RefreshToken, &info.ClientID, &name, &flags, &scopes, &info.Expiry); err != nil {
			return nil, err
		}
		if name.Valid {
			info.AppName = &name.String
		}
		info.NameApproved = flags&FlagNameApproved != 0
		info.Scopes = parseScopes(scopes)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteApproval is ownership-checked revocation from the approvals
// page. Reports whether a row actually existed.
func (s *Store) DeleteApproval(ctx context.Context, refreshToken string, userID int64) (bool, error) {
	existed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT refresh_token, client_id, user_id, access_token, scopes, expiry
			 FROM approvals WHERE refresh_token = ? AND user_id = ?`, refreshToken, userID)
		appr, err := scanApproval(row)
		if err != nil || appr == nil {
			return err
		}
		existed = true
		if appr.AccessToken != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM authings WHERE code = ?`, *appr.AccessToken); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM approvals WHERE refresh_token = ?`, refreshToken)
		return err
	})
	return existed, err
}

// ExpireApprovals batch-deletes approvals past expiry, cascading to
// their authings. Skips all writes when nothing is due.
func (s *Store) ExpireApprovals(ctx context.Context) error {
	now := s.nowUnix()
	var due bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM approvals WHERE expiry < ?)`, now).Scan(&due)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM authings WHERE code IN
			 (SELECT access_token FROM approvals WHERE expiry < ? AND access_token IS NOT NULL)`,
			now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE expiry < ?`, now)
		return err
	})
}

func scanAuthing(row *sql.Row) (*Authing, error) {
	var a Authing
	var state, redirectURI sql.NullString
	var scopes string
	err := row.Scan(&a.Code, &a.ClientID, &a.UserID, &a.Stage, &state, &redirectURI, &scopes, &a.Expiry)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if state.Valid {
		a.State = &state.String
	}
	if redirectURI.Valid {
		a.RedirectURI = &redirectURI.String
	}
	a.Scopes = parseScopes(scopes)
	return &a, nil
}

func scanApproval(row *sql.Row) (*Approval, error) {
	var a Approval
	var accessToken sql.NullString
	var scopes string
	err := row.Scan(&a.RefreshToken, &a.ClientID, &a.UserID, &accessToken, &scopes, &a.Expiry)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if accessToken.Valid {
		a.AccessToken = &accessToken.String
	}
	a.Scopes = parseScopes(scopes)
	return &a, nil
}
