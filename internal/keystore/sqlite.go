package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite reads session keys from the accounts table written by the login
// server.
type SQLite struct {
	db        *sql.DB
	closeOnce sync.Once

	loadStmt *sql.Stmt
	saveStmt *sql.Stmt
}

// OpenSQLite opens path (":memory:" works for tests) and creates the accounts
// table when it is missing.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("keystore: sqlite path cannot be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	// one connection keeps a :memory: database alive and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: init schema: %w", err)
	}
	if err := s.prepare(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		username TEXT NOT NULL PRIMARY KEY,
		session_key BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	return err
}

func (s *SQLite) prepare(ctx context.Context) error {
	var err error
	s.loadStmt, err = s.db.PrepareContext(ctx, `SELECT session_key FROM accounts WHERE username = ?`)
	if err != nil {
		return err
	}
	s.saveStmt, err = s.db.PrepareContext(ctx, `
		INSERT INTO accounts (username, session_key, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (username) DO UPDATE SET
			session_key = excluded.session_key,
			updated_at = excluded.updated_at`)
	return err
}

func (s *SQLite) SessionKey(ctx context.Context, account string) ([]byte, error) {
	var key []byte
	err := s.loadStmt.QueryRowContext(ctx, NormalizeAccount(account)).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: load %q: %w", account, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: account %q has an empty key", ErrInvalidKey, account)
	}
	return key, nil
}

// Put stores or replaces the key for account.
func (s *SQLite) Put(ctx context.Context, account string, key []byte) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	_, err := s.saveStmt.ExecContext(ctx, NormalizeAccount(account), key, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("keystore: save %q: %w", account, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.loadStmt != nil {
			_ = s.loadStmt.Close()
		}
		if s.saveStmt != nil {
			_ = s.saveStmt.Close()
		}
		err = s.db.Close()
	})
	return err
}
