package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements identity persistence over a single-file SQLite database.
// The *sql.DB is owned by the caller.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and creates the users table when missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("identity: nil sqlite db")
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			username_norm TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("identity: sqlite init: %w", err)
		}
	}
	return nil
}

// Close is a no-op because the db handle is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

func (s *SQLiteStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ValidateUsername(in.Username); err != nil {
		return User{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	username := strings.TrimSpace(in.Username)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, username_norm, created_at) VALUES (?, ?, ?)`,
		username, NormalizeUsername(username), now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return User{}, ConflictError{Op: op, Field: "username"}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return User{ID: id, Username: username}, nil
}

func (s *SQLiteStore) GetByUsername(ctx context.Context, username string) (User, error) {
	const op = "identity.GetByUsername"

	norm := NormalizeUsername(username)
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username FROM users WHERE username_norm = ?`, norm,
	).Scan(&u.ID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Key: norm}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (User, error) {
	const op = "identity.GetByID"

	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (s *SQLiteStore) FindByUsernamePart(ctx context.Context, part string, limit int) ([]User, error) {
	const op = "identity.FindByUsernamePart"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username FROM users
		  WHERE username_norm LIKE '%' || ? || '%' ESCAPE '\'
		  ORDER BY id ASC
		  LIMIT ?`,
		escapeLike(NormalizeUsername(part)), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique
}
