package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"tumblr-pipeline/internal/broker"
)

// UpsertBlog ingests one raw blog payload. Safe to replay: the row converges
// on the most recent data with a monotonic updated timestamp. Returns the
// catalogue id of the blog.
func (c *Catalog) UpsertBlog(ctx context.Context, info map[string]interface{}) (int64, error) {
	row, err := BlogRowFromInfo(info)
	if err != nil {
		return 0, err
	}
	return c.UpsertBlogRow(ctx, row)
}

// UpsertBlogRow is the slow-path write for one blog row.
func (c *Catalog) UpsertBlogRow(ctx context.Context, row BlogRow) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var id int64
	err := c.Conn.QueryRowContext(ctx,
		`INSERT INTO blogs (tumblr_uid, name, updated, data, extra_meta)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tumblr_uid) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, blogs.name),
			updated = GREATEST(blogs.updated, EXCLUDED.updated),
			data = EXCLUDED.data,
			extra_meta = EXCLUDED.extra_meta
		 RETURNING id`,
		row.TumblrUID, row.Name, row.Updated, row.Data, row.ExtraMeta,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("catalog: upsert blog: %w", err)
	}
	return id, nil
}

// UpsertPost ingests one raw post payload, resolving its author first.
func (c *Catalog) UpsertPost(ctx context.Context, info map[string]interface{}) error {
	authorID, err := c.ResolveAuthor(ctx, info)
	if err != nil {
		return err
	}
	row, err := PostRowFromInfo(info, authorID)
	if err != nil {
		return err
	}
	return c.UpsertPostRow(ctx, row)
}

// UpsertPostRow is the slow-path write for one post row. posted only ever
// moves forward; everything else is replaced by the incoming payload.
func (c *Catalog) UpsertPostRow(ctx context.Context, row PostRow) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := c.Conn.ExecContext(ctx,
		`INSERT INTO posts (author_id, tumblr_id, posted, data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tumblr_id, author_id) DO UPDATE SET
			posted = GREATEST(posts.posted, EXCLUDED.posted),
			data = EXCLUDED.data`,
		row.AuthorID, row.TumblrID, row.Posted, row.Data,
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert post: %w", err)
	}
	return nil
}

// ResolveAuthor maps a post payload to its blog's catalogue id.
//
// Resolution chain, cheapest first:
//  1. the in-process LRU cache,
//  2. the shared blogids hash in Redis,
//  3. the catalogue, newest blog of that name,
//  4. synthesizing the blog from the payload's embedded blog object,
//     when it carries a uuid.
//
// Positive results are written back through both caches. An unresolvable
// author is not an error; the post is stored unattributed and a later crawl
// of the blog fills the id in through the upsert path.
func (c *Catalog) ResolveAuthor(ctx context.Context, info map[string]interface{}) (sql.NullInt64, error) {
	name, _ := info["blog_name"].(string)
	blogInfo, _ := info["blog"].(map[string]interface{})
	if name == "" && blogInfo != nil {
		name, _ = blogInfo["name"].(string)
	}
	if name == "" {
		return sql.NullInt64{}, nil
	}

	if id, ok := c.idCache.Get(name); ok {
		return sql.NullInt64{Int64: id, Valid: true}, nil
	}

	if c.ids != nil {
		cached, ok, err := c.ids.HGet(ctx, broker.KeyBlogIDs, name)
		if err != nil {
			return sql.NullInt64{}, fmt.Errorf("catalog: blogids hget: %w", err)
		}
		if ok {
			id, err := strconv.ParseInt(cached, 10, 64)
			if err == nil {
				c.idCache.Add(name, id)
				return sql.NullInt64{Int64: id, Valid: true}, nil
			}
			// Poisoned cache entry; fall through and re-resolve.
		}
	}

	var id int64
	blog, err := c.BlogByName(ctx, name)
	switch {
	case err == nil:
		id = blog.ID
	case errors.Is(err, sql.ErrNoRows):
		if blogInfo == nil {
			return sql.NullInt64{}, nil
		}
		if _, hasUUID := blogInfo["uuid"].(string); !hasUUID {
			return sql.NullInt64{}, nil
		}
		id, err = c.UpsertBlog(ctx, blogInfo)
		if err != nil {
			return sql.NullInt64{}, err
		}
	default:
		return sql.NullInt64{}, fmt.Errorf("catalog: author lookup: %w", err)
	}

	c.idCache.Add(name, id)
	if c.ids != nil {
		if err := c.ids.HSet(ctx, broker.KeyBlogIDs, name, strconv.FormatInt(id, 10)); err != nil {
			return sql.NullInt64{}, fmt.Errorf("catalog: blogids hset: %w", err)
		}
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}
