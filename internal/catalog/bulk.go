package catalog

import (
	"context"
	"fmt"
	"strings"
)

// BulkInsertPosts is the parser's fast path: one multi-row INSERT inside a
// transaction. Any uniqueness conflict rolls the whole batch back and
// surfaces as ErrBulkConflict so the caller can replay the rows through the
// per-row upsert path instead.
func (c *Catalog) BulkInsertPosts(ctx context.Context, rows []PostRow) error {
	if len(rows) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(rows)*4)
	for _, r := range rows {
		args = append(args, r.AuthorID, r.TumblrID, r.Posted, r.Data)
	}
	return c.bulkInsert(ctx,
		"INSERT INTO posts (author_id, tumblr_id, posted, data) VALUES ",
		4, len(rows), args,
	)
}

// BulkInsertBlogs is the fast path for staged blog payloads.
func (c *Catalog) BulkInsertBlogs(ctx context.Context, rows []BlogRow) error {
	if len(rows) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(rows)*5)
	for _, r := range rows {
		args = append(args, r.TumblrUID, r.Name, r.Updated, r.Data, r.ExtraMeta)
	}
	return c.bulkInsert(ctx,
		"INSERT INTO blogs (tumblr_uid, name, updated, data, extra_meta) VALUES ",
		5, len(rows), args,
	)
}

func (c *Catalog) bulkInsert(ctx context.Context, prefix string, cols, count int, args []interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	tx, err := c.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: begin bulk: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var sb strings.Builder
	sb.WriteString(prefix)
	for i := 0; i < count; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+j+1)
		}
		sb.WriteByte(')')
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		if isUniqueViolation(err) {
			return ErrBulkConflict
		}
		return fmt.Errorf("catalog: bulk insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrBulkConflict
		}
		return fmt.Errorf("catalog: commit bulk: %w", err)
	}
	return nil
}
