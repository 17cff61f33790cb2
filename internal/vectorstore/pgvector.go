package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/switchboardhq/switchboard/pkg/models"
)

// PgvectorStore keeps knowledge chunks in PostgreSQL with the pgvector
// extension. The tenant predicate is part of every query.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorStore connects, pings and migrates.
func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector knowledge store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id         TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			category   TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}',
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_tenant_category
			ON knowledge_chunks (tenant_id, category);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

const upsertChunk = `
	INSERT INTO knowledge_chunks (id, tenant_id, category, content, metadata, embedding, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (tenant_id, id) DO UPDATE SET
		category  = EXCLUDED.category,
		content   = EXCLUDED.content,
		metadata  = EXCLUDED.metadata,
		embedding = EXCLUDED.embedding`

// Upsert writes the chunks in one batch inside a transaction.
func (s *PgvectorStore) Upsert(ctx context.Context, chunks []models.KnowledgeChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		if c.TenantID == "" {
			return fmt.Errorf("chunk %q has no tenant", c.ID)
		}
		if len(c.Vector) != s.dimensions {
			return fmt.Errorf("chunk %q has %d dimensions, store expects %d", c.ID, len(c.Vector), s.dimensions)
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now()
		}
		if c.Metadata == nil {
			c.Metadata = map[string]string{}
		}
		batch.Queue(upsertChunk, c.ID, c.TenantID, c.Category, c.Content, c.Metadata, vectorLiteral(c.Vector), c.CreatedAt)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PgvectorStore) Search(ctx context.Context, tenantID string, vector []float64, threshold float64, limit int, filter map[string]string) ([]models.ScoredChunk, error) {
	var q strings.Builder
	q.WriteString(`SELECT id, tenant_id, category, content, metadata, created_at,
		1 - (embedding <=> $1) AS score
		FROM knowledge_chunks
		WHERE tenant_id = $2 AND 1 - (embedding <=> $1) >= $3`)
	args := []any{vectorLiteral(vector), tenantID, threshold}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "category" {
			args = append(args, filter[k])
			fmt.Fprintf(&q, " AND category = $%d", len(args))
			continue
		}
		args = append(args, k, filter[k])
		fmt.Fprintf(&q, " AND metadata ->> $%d = $%d", len(args)-1, len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&q, " ORDER BY embedding <=> $1, id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ScoredChunk, error) {
		var sc models.ScoredChunk
		c := &sc.Chunk
		err := row.Scan(&c.ID, &c.TenantID, &c.Category, &c.Content, &c.Metadata, &c.CreatedAt, &sc.Score)
		return sc, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector scan: %w", err)
	}
	return results, nil
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// vectorLiteral renders pgvector's text format: [1,2.5,3]
func vectorLiteral(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
