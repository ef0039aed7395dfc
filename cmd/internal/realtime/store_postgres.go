// Package realtime contains courier's session-scoped delivery core, its WebSocket gateway
// and message history persistence.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a HistoryStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Ordering comes from an identity column, so seq is monotonic across the table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed HistoryStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and messages table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	messages := pgIdent(s.schema, "messages")

	ddl := `CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize() + `;
CREATE TABLE IF NOT EXISTS ` + messages + ` (
  seq           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  id            TEXT NOT NULL,
  from_id       BIGINT NOT NULL,
  from_username TEXT NOT NULL,
  to_id         BIGINT NOT NULL,
  to_username   TEXT NOT NULL,
  text          TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL,
  CONSTRAINT uq_messages_id UNIQUE (id),
  CONSTRAINT chk_messages_id_ulid_len CHECK (char_length(id) = 26)
);
CREATE INDEX IF NOT EXISTS idx_messages_dialog
  ON ` + messages + ` (LEAST(from_id, to_id), GREATEST(from_id, to_id), seq);
CREATE INDEX IF NOT EXISTS idx_messages_to_id
  ON ` + messages + ` (to_id);`

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("realtime: ensure schema: %w", err)
	}
	return nil
}

// AppendMessage records m. Appending the same message id twice returns the first copy.
func (s *PostgresStore) AppendMessage(ctx context.Context, m Message) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("realtime: nil store")
	}
	if m.ID == "" || m.From.ID == 0 || m.To.ID == 0 {
		return StoredMessage{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	messages := pgIdent(s.schema, "messages")

	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (id, from_id, from_username, to_id, to_username, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING seq`,
		m.ID, m.From.ID, m.From.Username, m.To.ID, m.To.Username, m.Text, createdAt,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.readByID(ctx, messages, m.ID)
	}
	if err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}

	m.CreatedAt = createdAt
	return StoredMessage{Seq: seq, Message: m}, nil
}

// FetchDialog returns messages between the two users ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchDialog(ctx context.Context, in FetchDialogInput) (FetchDialogResult, error) {
	if s == nil || s.pool == nil {
		return FetchDialogResult{}, errors.New("realtime: nil store")
	}
	if in.UserID == 0 || in.WithUserID == 0 {
		return FetchDialogResult{}, errors.New("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return FetchDialogResult{}, err
	}

	limit := clampDialogLimit(in.Limit)
	fetch := limit + 1

	var after int64
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, from_id, from_username, to_id, to_username, text, created_at
		   FROM `+messages+`
		  WHERE LEAST(from_id, to_id) = LEAST($1::BIGINT, $2::BIGINT)
		    AND GREATEST(from_id, to_id) = GREATEST($1::BIGINT, $2::BIGINT)
		    AND seq > $3
		  ORDER BY seq ASC
		  LIMIT $4`,
		in.UserID, in.WithUserID, after, fetch,
	)
	if err != nil {
		return FetchDialogResult{}, err
	}

	msgs, err := pgx.CollectRows(rows, scanStoredMessage)
	if err != nil {
		return FetchDialogResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchDialogResult{Messages: msgs, HasMore: hasMore}, nil
}

// DialogPeers returns counterpart ids ordered by their latest message, newest first.
func (s *PostgresStore) DialogPeers(ctx context.Context, userID int64) ([]int64, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT peer
		   FROM (
		     SELECT CASE WHEN from_id = $1 THEN to_id ELSE from_id END AS peer,
		            MAX(seq) AS last_seq
		       FROM `+messages+`
		      WHERE from_id = $1 OR to_id = $1
		      GROUP BY 1
		   ) p
		  ORDER BY last_seq DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PostgresStore) readByID(ctx context.Context, messagesTable, id string) (StoredMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, from_id, from_username, to_id, to_username, text, created_at
		   FROM `+messagesTable+`
		  WHERE id = $1`,
		id,
	)
	if err != nil {
		return StoredMessage{}, err
	}
	return pgx.CollectExactlyOneRow(rows, scanStoredMessage)
}

func scanStoredMessage(row pgx.CollectableRow) (StoredMessage, error) {
	var m StoredMessage
	err := row.Scan(
		&m.Seq,
		&m.ID,
		&m.From.ID,
		&m.From.Username,
		&m.To.ID,
		&m.To.Username,
		&m.Text,
		&m.CreatedAt,
	)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
