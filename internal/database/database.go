package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// User is the locally persisted subset of the account.
type User struct {
	ID              string `db:"id" json:"id"`
	Email           string `db:"email" json:"email,omitempty"`
	TokensRemaining int64  `db:"tokens_remaining" json:"tokens_remaining"`
	UpdatedAt       int64  `db:"updated_at" json:"updated_at"` // unix millis
}

// DB wraps the SQLite database
type DB struct {
	conn *sqlx.DB
}

// NewDB opens (or creates) the database and initializes the schema
func NewDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory failed: %w", err)
	}

	conn, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	// SQLite works best with a single writer connection
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		tokens_remaining INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveUser creates or replaces the user record. Called at login.
func (db *DB) SaveUser(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now().UnixMilli()
	query, args, err := sq.Insert("users").
		Columns("id", "email", "tokens_remaining", "updated_at").
		Values(u.ID, u.Email, u.TokensRemaining, u.UpdatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET email = excluded.email, " +
			"tokens_remaining = excluded.tokens_remaining, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// CurrentUser returns the stored user, or nil when logged out.
func (db *DB) CurrentUser(ctx context.Context) (*User, error) {
	query, args, err := sq.Select("id", "email", "tokens_remaining", "updated_at").
		From("users").
		OrderBy("updated_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var u User
	if err := db.conn.GetContext(ctx, &u, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// UpdateTokenBalance overwrites the balance of the stored user. It reports
// false when no user record exists.
func (db *DB) UpdateTokenBalance(ctx context.Context, balance int64) (bool, error) {
	query, args, err := sq.Update("users").
		Set("tokens_remaining", balance).
		Set("updated_at", time.Now().UnixMilli()).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ClearUsers removes every user record. Called at logout.
func (db *DB) ClearUsers(ctx context.Context) error {
	query, args, err := sq.Delete("users").ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, query, args...)
	return err
}

// Name identifies this store in logs.
func (db *DB) Name() string { return "sqlite" }

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
