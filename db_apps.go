package main

import (
	"context"
	"database/sql"
	"fmt"
)

// AppUpdate carries the tri-state fields of an application PATCH.
// ResetSecret is a plain flag: any client_secret value in the request
// means "issue a new one"; the submitted value itself is ignored.
type AppUpdate struct {
	ResetSecret  bool
	AppName      Optional[string]
	RedirectURIs Optional[[]string]
}

// Empty reports whether the update carries no change at all.
func (u AppUpdate) Empty() bool {
	return !u.ResetSecret && !u.AppName.Set && !u.RedirectURIs.Set
}

// CreateApplication registers a client for owner. A nil name starts out
// name-approved (nothing to moderate); a provided name awaits approval.
func (s *Store) CreateApplication(ctx context.Context, ownerID int64, appName *string, redirectURIs []string) (*Application, error) {
	clientID, err := genClientID()
	if err != nil {
		return nil, err
	}
	secret, err := genHex(64)
	if err != nil {
		return nil, err
	}
	var flags int64
	if appName == nil {
		flags |= FlagNameApproved
	}
	uris := filterBlank(redirectURIs)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO applications (client_id, client_secret, app_name, flags, owner_id)
			 VALUES (?, ?, ?, ?, ?)`,
			clientID, secret, appName, flags, ownerID); err != nil {
			return err
		}
		return insertRedirectURIs(ctx, tx, clientID, uris)
	})
	if err != nil {
		return nil, err
	}
	return s.Application(ctx, clientID, ownerID)
}

// Applications returns the partial listing of apps owned by ownerID.
func (s *Store) Applications(ctx context.Context, ownerID int64) ([]PartialApp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, app_name FROM applications WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	apps := []PartialApp{}
	for rows.Next() {
		var p PartialApp
		var name sql.NullString
		if err := rows.Scan(&p.ClientID, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			p.AppName = &name.String
		}
		apps = append(apps, p)
	}
	return apps, rows.Err()
}

// Application returns the full application, including redirect URIs.
// ownerID 0 skips the ownership check (internal lookups). Returns nil
// when absent or owned by someone else.
func (s *Store) Application(ctx context.Context, clientID, ownerID int64) (*Application, error) {
	query := `SELECT client_id, client_secret, app_name, flags, owner_id
		FROM applications WHERE client_id = ?`
	args := []any{clientID}
	if ownerID != 0 {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	var app Application
	var name sql.NullString
	if err := row.Scan(&app.ClientID, &app.ClientSecret, &name, &app.Flags, &app.OwnerID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if name.Valid {
		app.AppName = &name.String
	}
	uris, err := s.redirectURIs(ctx, clientID)
	if err != nil {
		return nil, err
	}
	app.RedirectURIs = uris
	return &app, nil
}

func (s *Store) redirectURIs(ctx context.Context, clientID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT redirect_uri FROM redirect_uris WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	uris := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		uris = append(uris, u)
	}
	return uris, rows.Err()
}

// UpdateApplication applies a tri-state update. Setting a name clears
// the approved flag until moderation restores it; clearing the name
// auto-approves. A redirect list replaces the stored set wholesale; an
// explicit empty list clears it.
func (s *Store) UpdateApplication(ctx context.Context, clientID int64, upd AppUpdate) (*Application, error) {
	if upd.Empty() {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}
	app, err := s.Application(ctx, clientID, 0)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, ErrNotFound
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if upd.ResetSecret {
			secret, err := genHex(64)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE applications SET client_secret = ? WHERE client_id = ?`,
				secret, clientID); err != nil {
				return err
			}
		}
		if upd.AppName.Set {
			flags := app.Flags &^ FlagNameApproved
			if !upd.AppName.Valid {
				flags |= FlagNameApproved
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE applications SET app_name = ?, flags = ? WHERE client_id = ?`,
				upd.AppName.Ptr(), flags, clientID); err != nil {
				return err
			}
		}
		if upd.RedirectURIs.Set {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM redirect_uris WHERE client_id = ?`, clientID); err != nil {
				return err
			}
			var uris []string
			if upd.RedirectURIs.Valid {
				uris = filterBlank(upd.RedirectURIs.Value)
			}
			return insertRedirectURIs(ctx, tx, clientID, uris)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Application(ctx, clientID, 0)
}

// SetApplicationFlags replaces the moderation flags directly.
func (s *Store) SetApplicationFlags(ctx context.Context, clientID, flags int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE applications SET flags = ? WHERE client_id = ?`, flags, clientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteApplication removes the client and everything hanging off it.
// Session back-references to the client's authings are nulled before the
// rows go, inside one transaction, so no dangling pointer is observable.
func (s *Store) DeleteApplication(ctx context.Context, clientID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		statements := []string{
			`UPDATE sessions SET authing = NULL
				WHERE authing IN (SELECT code FROM authings WHERE client_id = ?)`,
			`DELETE FROM redirect_uris WHERE client_id = ?`,
			`DELETE FROM approvals WHERE client_id = ?`,
			`DELETE FROM authings WHERE client_id = ?`,
			`DELETE FROM applications WHERE client_id = ?`,
		}
		for _, q := range statements {
			if _, err := tx.ExecContext(ctx, q, clientID); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertRedirectURIs(ctx context.Context, tx *sql.Tx, clientID int64, uris []string) error {
	for _, uri := range uris {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO redirect_uris (client_id, redirect_uri) VALUES (?, ?)`,
			clientID, uri); err != nil {
			return err
		}
	}
	return nil
}

func filterBlank(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
