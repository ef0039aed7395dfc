package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a HistoryStore backed by a single SQLite file. The *sql.DB is owned by the caller.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and creates the messages table when missing.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("realtime: nil sqlite db")
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			from_id INTEGER NOT NULL,
			from_username TEXT NOT NULL,
			to_id INTEGER NOT NULL,
			to_username TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_dialog ON messages(min(from_id, to_id), max(from_id, to_id), seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_to_id ON messages(to_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("realtime: sqlite init: %w", err)
		}
	}
	return nil
}

// Close is a no-op because the db handle is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

// AppendMessage records m. Appending the same message id twice returns the first copy.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (StoredMessage, error) {
	if m.ID == "" || m.From.ID == 0 || m.To.ID == 0 {
		return StoredMessage{}, errors.New("invalid input")
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, from_id, from_username, to_id, to_username, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.From.ID, m.From.Username, m.To.ID, m.To.Username, m.Text,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return s.readByID(ctx, m.ID)
		}
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return StoredMessage{}, err
	}

	m.CreatedAt = createdAt
	return StoredMessage{Seq: seq, Message: m}, nil
}

// FetchDialog returns messages between the two users ordered by seq ASC, with optional paging by AfterSeq.
func (s *SQLiteStore) FetchDialog(ctx context.Context, in FetchDialogInput) (FetchDialogResult, error) {
	if in.UserID == 0 || in.WithUserID == 0 {
		return FetchDialogResult{}, errors.New("missing user id")
	}

	limit := clampDialogLimit(in.Limit)
	fetch := limit + 1

	var after int64
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, from_id, from_username, to_id, to_username, text, created_at
		   FROM messages
		  WHERE min(from_id, to_id) = min(?1, ?2)
		    AND max(from_id, to_id) = max(?1, ?2)
		    AND seq > ?3
		  ORDER BY seq ASC
		  LIMIT ?4`,
		in.UserID, in.WithUserID, after, fetch,
	)
	if err != nil {
		return FetchDialogResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, fetch)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return FetchDialogResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchDialogResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchDialogResult{Messages: msgs, HasMore: hasMore}, nil
}

// DialogPeers returns counterpart ids ordered by their latest message, newest first.
func (s *SQLiteStore) DialogPeers(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CASE WHEN from_id = ?1 THEN to_id ELSE from_id END AS peer,
		        MAX(seq) AS last_seq
		   FROM messages
		  WHERE from_id = ?1 OR to_id = ?1
		  GROUP BY peer
		  ORDER BY last_seq DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var peer, lastSeq int64
		if err := rows.Scan(&peer, &lastSeq); err != nil {
			return nil, err
		}
		out = append(out, peer)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) readByID(ctx context.Context, id string) (StoredMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, from_id, from_username, to_id, to_username, text, created_at
		   FROM messages WHERE id = ?`, id)
	return scanSQLiteMessage(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (StoredMessage, error) {
	var (
		m  StoredMessage
		ts string
	)
	if err := row.Scan(&m.Seq, &m.ID, &m.From.ID, &m.From.Username, &m.To.ID, &m.To.Username, &m.Text, &ts); err != nil {
		return StoredMessage{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("parse created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}
