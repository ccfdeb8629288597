package repository

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/pgvector/pgvector-go"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Postgres is a Retriever over a pgvector table with columns
// (doc_id text, text text, locator text, embedding vector)
type Postgres struct {
	pool     *pgxpool.Pool
	table    string
	embedder interfaces.Embedder
}

func NewPostgres(ctx context.Context, databaseURL, table string, embedder interfaces.Embedder) (*Postgres, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, goerr.New("invalid table name", goerr.V("table", table))
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "failed to ping database")
	}

	return &Postgres{pool: pool, table: table, embedder: embedder}, nil
}

func (p *Postgres) Retrieve(ctx context.Context, query, scope string, topK int) ([]model.ContextPassage, error) {
	qv, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	// $2 = '' disables the scope filter; ties keep insertion order via ctid
	sql := fmt.Sprintf(`
		SELECT text, locator, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE embedding IS NOT NULL AND ($2 = '' OR doc_id = $2)
		ORDER BY embedding <=> $1, ctid
		LIMIT $3
	`, p.table)

	rows, err := p.pool.Query(ctx, sql, pgvector.NewVector(qv), scope, topK)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search chunks", goerr.V("table", p.table))
	}
	defer rows.Close()

	var passages []model.ContextPassage
	for rows.Next() {
		var c model.ContextPassage
		if err := rows.Scan(&c.Text, &c.SourceLocator, &c.RelevanceScore); err != nil {
			return nil, goerr.Wrap(err, "failed to scan chunk")
		}
		passages = append(passages, c)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate chunks")
	}

	return passages, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
