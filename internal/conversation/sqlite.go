package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/switchboardhq/switchboard/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	conv_key      TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	contact_id    TEXT NOT NULL,
	channel       TEXT NOT NULL,
	last_sequence INTEGER NOT NULL DEFAULT 0,
	pending       TEXT,
	archived      INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conv_key        TEXT NOT NULL REFERENCES conversations(conv_key),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	channel         TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	UNIQUE (conv_key, sequence)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idem
	ON messages(conv_key, idempotency_key) WHERE idempotency_key != '';
CREATE INDEX IF NOT EXISTS idx_conversations_idle
	ON conversations(archived, updated_at);
`

// SQLiteStore persists conversations in a SQLite file. Writes are
// serialized through a single connection.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (and creates) the database at path. An empty path
// or ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)

	dsn := path
	if path == "" || path == ":memory:" {
		dsn = ":memory:"
	} else {
		if strings.HasPrefix(path, "~/") {
			home, _ := os.UserHomeDir()
			path = filepath.Join(home, path[2:])
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create conversation db directory: %w", err)
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize conversation schema: %w", err)
	}
	log.Info().Str("path", dsn).Msg("💾 SQLite conversation store ready")
	return &SQLiteStore{db: db, now: o.now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.Conversation, error) {
	conv, err := s.loadConversation(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	msgs, err := s.History(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return conv, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) loadConversation(ctx context.Context, q queryer, key string) (*models.Conversation, error) {
	var (
		c        models.Conversation
		pending  sql.NullString
		archived int
		created  int64
		updated  int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT conv_key, tenant_id, contact_id, channel, last_sequence, pending, archived, created_at, updated_at
		FROM conversations WHERE conv_key = ?`, key).
		Scan(&c.Key, &c.TenantID, &c.ContactID, &c.Channel, &c.LastSequence, &pending, &archived, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", key, err)
	}
	c.Archived = archived != 0
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	if pending.Valid && pending.String != "" {
		var p models.PendingAction
		if err := json.Unmarshal([]byte(pending.String), &p); err != nil {
			return nil, fmt.Errorf("decode pending action of %s: %w", key, err)
		}
		c.Pending = &p
	}
	return &c, nil
}

// Append inserts msg in one transaction. The unique index on the
// idempotency key makes duplicate detection hold across processes.
func (s *SQLiteStore) Append(ctx context.Context, conv models.Conversation, msg models.Message) (models.Message, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return msg, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if msg.IdempotencyKey != "" {
		stored, err := scanMessage(tx.QueryRowContext(ctx, `
			SELECT id, conv_key, role, content, channel, sequence, idempotency_key, created_at
			FROM messages WHERE conv_key = ? AND idempotency_key = ?`, conv.Key, msg.IdempotencyKey))
		switch {
		case err == nil:
			return stored, ErrDuplicate
		case !errors.Is(err, sql.ErrNoRows):
			return msg, fmt.Errorf("check idempotency key: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (conv_key, tenant_id, contact_id, channel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_key) DO NOTHING`,
		conv.Key, conv.TenantID, conv.ContactID, string(conv.Channel), now.UnixNano(), now.UnixNano()); err != nil {
		return msg, fmt.Errorf("create conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_sequence = last_sequence + 1, updated_at = ?, archived = 0
		WHERE conv_key = ?`, now.UnixNano(), conv.Key); err != nil {
		return msg, fmt.Errorf("advance sequence: %w", err)
	}

	var (
		seq     int64
		channel string
	)
	if err := tx.QueryRowContext(ctx, `SELECT last_sequence, channel FROM conversations WHERE conv_key = ?`, conv.Key).
		Scan(&seq, &channel); err != nil {
		return msg, fmt.Errorf("read sequence: %w", err)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationKey = conv.Key
	msg.Sequence = seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.Channel == "" {
		msg.Channel = models.Channel(channel)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conv_key, role, content, channel, sequence, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationKey, string(msg.Role), msg.Content, string(msg.Channel),
		msg.Sequence, msg.IdempotencyKey, msg.CreatedAt.UTC().UnixNano()); err != nil {
		return msg, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return msg, fmt.Errorf("commit append: %w", err)
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		m       models.Message
		created int64
	)
	err := row.Scan(&m.ID, &m.ConversationKey, &m.Role, &m.Content, &m.Channel, &m.Sequence, &m.IdempotencyKey, &created)
	m.CreatedAt = fromNanos(created)
	return m, err
}

func (s *SQLiteStore) History(ctx context.Context, key string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, conv_key, role, content, channel, sequence, idempotency_key, created_at
		FROM messages WHERE conv_key = ? ORDER BY sequence DESC`
	args := []any{key}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest-first from the query; callers want sequence order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) SetPending(ctx context.Context, key string, pending *models.PendingAction) error {
	var value any
	if pending != nil {
		b, err := json.Marshal(pending)
		if err != nil {
			return fmt.Errorf("encode pending action: %w", err)
		}
		value = string(b)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET pending = ? WHERE conv_key = ?`, value, key)
	if err != nil {
		return fmt.Errorf("set pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]models.Conversation, error) {
	query := `SELECT conv_key FROM conversations WHERE archived = 0 AND updated_at < ? ORDER BY updated_at, conv_key`
	args := []any{before.UTC().UnixNano()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list idle conversations: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// rows are closed before the per-conversation reads; the pool holds
	// a single connection
	out := make([]models.Conversation, 0, len(keys))
	for _, k := range keys {
		c, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *SQLiteStore) MarkArchived(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET archived = 1 WHERE conv_key = ?`, k); err != nil {
			return fmt.Errorf("archive %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
