// Package catalog owns the relational store of normalized blogs and posts
// and the idempotent upsert layer that feeds it.
//
// Identity rules:
//   - a Blog is keyed by its external UID, which never changes once assigned;
//   - a Post is keyed by (tumblr_id, author_id).
//
// Timestamps reconcile by max-merge: a stored updated/posted value is only
// ever replaced by a greater incoming one, so replaying old payloads can
// never move the catalogue backwards.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/lib/pq"
)

// Operation timeouts. These cap how long a single call can hold a connection
// or wait on a lock; bulk commits get a longer budget than point queries.
const (
	readTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	bulkTimeout  = 2 * time.Minute
)

// blogIDCacheSize bounds the in-process name → id cache. The Redis blogids
// hash behind it is unbounded and shared across processes.
const blogIDCacheSize = 4096

// BlogIDStore is the slice of the broker the catalogue needs: the shared
// name → id hash that backs the second level of author resolution.
type BlogIDStore interface {
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key, field, value string) error
}

// Catalog wraps the Postgres connection plus the two blog-id caches.
type Catalog struct {
	Conn *sql.DB

	ids     BlogIDStore
	idCache *lru.Cache[string, int64]
}

// Connect opens and verifies a Postgres connection. ids may be nil when the
// caller never resolves authors (the feeder does not).
func Connect(connStr string, ids BlogIDStore) (*Catalog, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	slog.Info("postgres connected")
	return NewWithConn(conn, ids), nil
}

// NewWithConn wraps an existing connection. Tests use this with sqlmock.
func NewWithConn(conn *sql.DB, ids BlogIDStore) *Catalog {
	cache, _ := lru.New[string, int64](blogIDCacheSize)
	return &Catalog{Conn: conn, ids: ids, idCache: cache}
}

// Close releases the connection pool.
func (c *Catalog) Close() error {
	return c.Conn.Close()
}

// EnsureSchema creates the two catalogue tables and their indices. Every
// statement is idempotent, so concurrent workers can race this safely.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blogs (
			id SERIAL PRIMARY KEY,
			tumblr_uid TEXT NOT NULL,
			name VARCHAR(200),
			updated TIMESTAMP,
			last_crawl_update TIMESTAMP,
			data JSONB NOT NULL,
			extra_meta JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS posts (
			id SERIAL PRIMARY KEY,
			author_id INTEGER REFERENCES blogs(id),
			tumblr_id BIGINT,
			posted TIMESTAMP,
			data JSONB NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS blog_uid_unique ON blogs (tumblr_uid)`,
		`CREATE INDEX IF NOT EXISTS index_blog_name ON blogs (name)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS post_tumblr_id_unique ON posts (tumblr_id, author_id)`,
	}
	for _, stmt := range stmts {
		if _, err := c.Conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: ensure schema: %w", err)
		}
	}
	return nil
}

// RandomCandidates picks up to limit random blogs whose source-updated
// timestamp differs from the last completed crawl. Randomization keeps
// concurrent feeders from fighting over the same candidates. Nameless rows
// are excluded outright: there is no API endpoint to crawl them by, and a
// candidate the feeder can never finish would be re-sampled forever.
func (c *Catalog) RandomCandidates(ctx context.Context, limit int) ([]Blog, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	rows, err := c.Conn.QueryContext(ctx,
		`SELECT id, tumblr_uid, name, updated, last_crawl_update
		 FROM blogs
		 WHERE name IS NOT NULL
		   AND updated IS DISTINCT FROM last_crawl_update
		 ORDER BY random()
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: random candidates: %w", err)
	}
	defer rows.Close()

	var blogs []Blog
	for rows.Next() {
		var b Blog
		if err := rows.Scan(&b.ID, &b.TumblrUID, &b.Name, &b.Updated, &b.LastCrawlUpdate); err != nil {
			return nil, fmt.Errorf("catalog: scan candidate: %w", err)
		}
		blogs = append(blogs, b)
	}
	return blogs, rows.Err()
}

// BlogByName returns the most-recently-updated blog of that name, or
// sql.ErrNoRows. Names are not unique; the newest row wins, matching the
// resolution rule used everywhere else.
func (c *Catalog) BlogByName(ctx context.Context, name string) (*Blog, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var b Blog
	err := c.Conn.QueryRowContext(ctx,
		`SELECT id, tumblr_uid, name, updated, last_crawl_update
		 FROM blogs
		 WHERE name = $1
		 ORDER BY updated DESC NULLS LAST
		 LIMIT 1`,
		name,
	).Scan(&b.ID, &b.TumblrUID, &b.Name, &b.Updated, &b.LastCrawlUpdate)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// MarkCrawled records that a crawl of this blog completed by copying the
// source-updated timestamp into last_crawl_update. Equality of the two is
// what removes the blog from the feeder's candidate set.
func (c *Catalog) MarkCrawled(ctx context.Context, blogID int64, updated sql.NullTime) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := c.Conn.ExecContext(ctx,
		`UPDATE blogs SET last_crawl_update = $2 WHERE id = $1`,
		blogID, updated,
	)
	if err != nil {
		return fmt.Errorf("catalog: mark crawled: %w", err)
	}
	return nil
}

// EachBlogName streams every named blog to fn in primary-key order.
// Used by the done-set bootstrap loader.
func (c *Catalog) EachBlogName(ctx context.Context, fn func(name string) error) error {
	rows, err := c.Conn.QueryContext(ctx,
		`SELECT name FROM blogs WHERE name IS NOT NULL ORDER BY id`,
	)
	if err != nil {
		return fmt.Errorf("catalog: each blog name: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("catalog: scan name: %w", err)
		}
		if err := fn(name); err != nil {
			return err
		}
	}
	return rows.Err()
}
