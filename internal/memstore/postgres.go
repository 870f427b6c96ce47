package memstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/choruslabs/chorus/internal/log"
)

// Embedder turns text into a vector. Satisfied by gemini.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DB is the subset of pgxpool.Pool the store needs. Defined here so tests
// can substitute a fake without a running database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Postgres implements Store on PostgreSQL with the pgvector extension.
// Rows are keyed by (namespace, id) so that overflow batches written with
// an increasing cursor never collide, while re-ingested documents with a
// reset cursor overwrite in place.
//
// Postgres is safe for concurrent use by multiple goroutines.
type Postgres struct {
	db       DB
	embedder Embedder
	logger   log.Logger
}

// NewPostgres creates a Store backed by the given connection pool.
func NewPostgres(db DB, embedder Embedder, logger log.Logger) *Postgres {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Postgres{db: db, embedder: embedder, logger: logger}
}

// Upsert embeds each item and writes it under ids startID, startID+1, ...,
// returning the next unused id. A failed embedding aborts the batch; items
// already written stay in place, which is safe because the caller only
// advances its cursor on success.
func (p *Postgres) Upsert(ctx context.Context, namespace string, items []Item, startID int) (int, error) {
	id := startID
	for _, item := range items {
		vec, err := p.embedder.Embed(ctx, item.Content)
		if err != nil {
			return startID, fmt.Errorf("embed item %d in %q: %w", id, namespace, err)
		}

		_, err = p.db.Exec(ctx, `
			INSERT INTO chorus_vectors (namespace, id, content, embedding)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (namespace, id)
			DO UPDATE SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`,
			namespace, id, item.Content, pgvector.NewVector(vec))
		if err != nil {
			return startID, fmt.Errorf("upsert item %d in %q: %w", id, namespace, err)
		}
		id++
	}

	p.logger.Debug("upserted items", "namespace", namespace, "count", len(items), "next_id", id)
	return id, nil
}

// Query embeds the text and returns the topK nearest contents, best first.
func (p *Postgres) Query(ctx context.Context, text, namespace string, topK int) ([]string, error) {
	if topK <= 0 {
		return nil, nil
	}

	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query for %q: %w", namespace, err)
	}

	rows, err := p.db.Query(ctx, `
		SELECT content FROM chorus_vectors
		WHERE namespace = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		namespace, pgvector.NewVector(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", namespace, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan result from %q: %w", namespace, err)
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read results from %q: %w", namespace, err)
	}
	return out, nil
}

// DeleteNamespace removes every row in the namespace. Deleting a namespace
// that does not exist is not an error.
func (p *Postgres) DeleteNamespace(ctx context.Context, namespace string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM chorus_vectors WHERE namespace = $1`, namespace)
	if err != nil {
		return fmt.Errorf("delete namespace %q: %w", namespace, err)
	}
	p.logger.Debug("deleted namespace", "namespace", namespace, "rows", tag.RowsAffected())
	return nil
}
