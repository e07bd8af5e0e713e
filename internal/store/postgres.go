package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"formedge/pkg/logger"
)

// connectTimeout bounds a single connection attempt; exceeding it surfaces as
// a connect failure handled by the proxy's retry-on-next-call policy.
const connectTimeout = 10 * time.Second

// PgxConnector connects to the document store: Postgres tables of the shape
// (id text primary key, doc jsonb), one per named collection.
type PgxConnector struct {
	databaseURL string
	log         *logger.Logger
}

// NewPgxConnector creates a connector for the given database URL.
func NewPgxConnector(databaseURL string, log *logger.Logger) *PgxConnector {
	return &PgxConnector{databaseURL: databaseURL, log: log}
}

// Connect establishes and pings a connection pool.
func (c *PgxConnector) Connect(ctx context.Context) (DB, error) {
	config, err := pgxpool.ParseConfig(c.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse DATABASE_URL: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	c.log.Info("Connected to document store")
	return &pgxDB{pool: pool}, nil
}

type pgxDB struct {
	pool *pgxpool.Pool
}

// FindOne matches documents by JSONB containment of filter, one row at most.
func (d *pgxDB) FindOne(ctx context.Context, collection string, filter map[string]interface{}, opts FindOptions) (Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}

	encodedFilter, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("unable to encode filter: %w", err)
	}

	query := fmt.Sprintf(`SELECT id, doc FROM %s WHERE doc @> $1`, collection)
	if opts.SortField != "" {
		direction := "ASC"
		if opts.SortDesc {
			direction = "DESC"
		}
		query += fmt.Sprintf(` ORDER BY doc->>'%s' %s`, sanitizeField(opts.SortField), direction)
	}
	query += ` LIMIT 1`

	var id string
	var raw []byte
	err = d.pool.QueryRow(ctx, query, encodedFilter).Scan(&id, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unable to decode document %s/%s: %w", collection, id, err)
	}

	doc = project(doc, opts.Projection)
	doc["_id"] = id
	return doc, nil
}

func (d *pgxDB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *pgxDB) Close() {
	d.pool.Close()
}

// project keeps only the requested top-level fields; empty keeps everything.
func project(doc Document, fields []string) Document {
	if len(fields) == 0 {
		return doc
	}
	out := make(Document, len(fields)+1)
	for _, field := range fields {
		if value, ok := doc[field]; ok {
			out[field] = value
		}
	}
	return out
}

// sanitizeField strips characters that cannot appear in a JSON key used for
// ordering, since the field name is interpolated into the query text.
func sanitizeField(field string) string {
	out := make([]rune, 0, len(field))
	for _, r := range field {
		if r == '\'' || r == '\\' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
