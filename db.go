package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Expiries groups the lifetime windows for every persisted credential.
type Expiries struct {
	SessionShort time.Duration
	SessionLong  time.Duration
	Auth         time.Duration
	AccessToken  time.Duration
	RefreshToken time.Duration
}

// Store owns the single embedded database. The connection pool is capped
// at one open connection so every statement sequence is serialized;
// multi-statement sequences additionally run in explicit transactions.
type Store struct {
	db  *sql.DB
	exp Expiries
	now func() time.Time
}

// OpenStore opens (or creates) the sqlite database at path.
func OpenStore(path string, exp Expiries) (*Store, error) {
	d, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, err
	}
	return &Store{db: d, exp: exp, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ping() bool { return s.db.Ping() == nil }

func (s *Store) nowUnix() int64 { return s.now().Unix() }

// Init creates the schema if migrations have not run. Mirrors
// migrations/000001_init.up.sql; used by tests and as a first-run
// fallback.
func (s *Store) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id INTEGER PRIMARY KEY,
			user_id INTEGER,
			expiry INTEGER NOT NULL,
			authing TEXT,
			nonce TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS scratchers (
			user_id INTEGER PRIMARY KEY,
			user_name TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS applications (
			client_id INTEGER PRIMARY KEY,
			client_secret TEXT NOT NULL,
			app_name TEXT,
			flags INTEGER NOT NULL DEFAULT 0,
			owner_id INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS redirect_uris (
			client_id INTEGER NOT NULL,
			redirect_uri TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS authings (
			code TEXT PRIMARY KEY,
			client_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			stage TEXT NOT NULL CHECK(stage IN ('pending','exchanged')),
			state TEXT,
			redirect_uri TEXT,
			scopes TEXT NOT NULL,
			expiry INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			refresh_token TEXT PRIMARY KEY,
			client_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			access_token TEXT,
			scopes TEXT NOT NULL,
			expiry INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS approvals_user_client
			ON approvals (user_id, client_id);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error. Every
// multi-statement write sequence goes through here so partial
// application cannot leak out of a failed request.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Session operations

// ExpireSessions deletes all sessions past expiry. Sweeping is lazy:
// it runs as the first step of create/get, never on a timer.
func (s *Store) ExpireSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expiry < ?`, s.nowUnix())
	return err
}

// CreateSession inserts a fresh anonymous session and returns its id.
func (s *Store) CreateSession(ctx context.Context) (int64, error) {
	if err := s.ExpireSessions(ctx); err != nil {
		return 0, err
	}
	id, err := genSessionID()
	if err != nil {
		return 0, err
	}
	expiry := s.now().Add(s.exp.SessionShort).Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, expiry) VALUES (?, ?)`, id, expiry)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetSession returns the session, or nil if absent or expired.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	if err := s.ExpireSessions(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, expiry, authing, nonce FROM sessions WHERE session_id = ?`, id)
	var sess Session
	var userID sql.NullInt64
	var authing, nonce sql.NullString
	if err := row.Scan(&sess.ID, &userID, &sess.Expiry, &authing, &nonce); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if userID.Valid {
		sess.UserID = &userID.Int64
	}
	if authing.Valid {
		sess.Authing = &authing.String
	}
	if nonce.Valid {
		sess.Nonce = &nonce.String
	}
	return &sess, nil
}

// SetSessionNonce persists an outstanding login challenge.
func (s *Store) SetSessionNonce(ctx context.Context, id int64, nonce string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET nonce = ? WHERE session_id = ?`, nonce, id)
	return err
}

// LoginSession marks the session verified: sets the user, clears the
// nonce, and extends the expiry to the long window.
func (s *Store) LoginSession(ctx context.Context, id, userID int64) error {
	expiry := s.now().Add(s.exp.SessionLong).Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET user_id = ?, nonce = NULL, expiry = ? WHERE session_id = ?`,
		userID, expiry, id)
	return err
}

// LogoutSession clears user and nonce and shortens the expiry back to
// the anonymous window.
func (s *Store) LogoutSession(ctx context.Context, id int64) error {
	expiry := s.now().Add(s.exp.SessionShort).Unix()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET user_id = NULL, nonce = NULL, expiry = ? WHERE session_id = ?`,
		expiry, id)
	return err
}

// Scratcher cache

// SaveScratcher rewrites the identity cache row wholesale: stale rows
// under either key are removed before the insert so both lookups stay
// consistent after a rename.
func (s *Store) SaveScratcher(ctx context.Context, userID int64, userName string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM scratchers WHERE user_id = ? OR user_name = ? COLLATE NOCASE`, userID, userName); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO scratchers (user_id, user_name) VALUES (?, ?)`, userID, userName)
		return err
	})
}

// ScratcherByID returns the cached identity, or nil if unknown.
func (s *Store) ScratcherByID(ctx context.Context, userID int64) (*Scratcher, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, user_name FROM scratchers WHERE user_id = ?`, userID)
	return scanScratcher(row)
}

// ScratcherByName returns the cached identity, or nil if unknown.
func (s *Store) ScratcherByName(ctx context.Context, userName string) (*Scratcher, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, user_name FROM scratchers WHERE user_name = ? COLLATE NOCASE`, userName)
	return scanScratcher(row)
}

func scanScratcher(row *sql.Row) (*Scratcher, error) {
	var u Scratcher
	if err := row.Scan(&u.UserID, &u.UserName); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning scratcher: %w", err)
	}
	return &u, nil
}
