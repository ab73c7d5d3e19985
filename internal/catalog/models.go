package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Blog is one catalogue row. TumblrUID is the stable external identity; Name
// is not unique and can be reused after a blog is deleted and re-registered.
type Blog struct {
	ID              int64
	TumblrUID       string
	Name            sql.NullString
	Updated         sql.NullTime
	LastCrawlUpdate sql.NullTime
	Data            []byte
	ExtraMeta       []byte
}

// BlogRow is the insert-shaped form of a blog payload, ready for the bulk
// fast path or the per-row upsert.
type BlogRow struct {
	TumblrUID string
	Name      sql.NullString
	Updated   sql.NullTime
	Data      []byte
	ExtraMeta []byte
}

// PostRow is the insert-shaped form of a post payload.
type PostRow struct {
	AuthorID sql.NullInt64
	TumblrID sql.NullInt64
	Posted   sql.NullTime
	Data     []byte
}

// BlogRowFromInfo builds a BlogRow from a raw API payload. The payload may be
// the blog object itself or an envelope carrying it under "blog". Payloads
// without a uuid cannot be keyed and are rejected with ErrNoKey.
func BlogRowFromInfo(info map[string]interface{}) (BlogRow, error) {
	blogInfo := info
	if inner, ok := info["blog"].(map[string]interface{}); ok {
		blogInfo = inner
	}

	uid, _ := blogInfo["uuid"].(string)
	if uid == "" {
		return BlogRow{}, ErrNoKey
	}

	row := BlogRow{TumblrUID: uid}
	if name, ok := blogInfo["name"].(string); ok {
		row.Name = sql.NullString{String: name, Valid: true}
	}
	if epoch, ok := asInt64(blogInfo["updated"]); ok {
		row.Updated = sql.NullTime{Time: time.Unix(epoch, 0).UTC(), Valid: true}
	}

	CleanStrings(blogInfo)
	data, err := json.Marshal(blogInfo)
	if err != nil {
		return BlogRow{}, fmt.Errorf("catalog: marshal blog data: %w", err)
	}
	row.Data = data

	if meta, ok := info["meta"].(map[string]interface{}); ok {
		CleanStrings(meta)
		extra, err := json.Marshal(meta)
		if err != nil {
			return BlogRow{}, fmt.Errorf("catalog: marshal extra meta: %w", err)
		}
		row.ExtraMeta = extra
	}
	return row, nil
}

// PostRowFromInfo builds a PostRow from a raw API payload. authorID comes
// from the caller's resolution chain and may be unresolved.
func PostRowFromInfo(info map[string]interface{}, authorID sql.NullInt64) (PostRow, error) {
	id, ok := asInt64(info["id"])
	if !ok {
		return PostRow{}, ErrNoKey
	}

	row := PostRow{
		TumblrID: sql.NullInt64{Int64: id, Valid: true},
		AuthorID: authorID,
	}
	if epoch, ok := asInt64(info["timestamp"]); ok {
		row.Posted = sql.NullTime{Time: time.Unix(epoch, 0).UTC(), Valid: true}
	}

	CleanStrings(info)
	data, err := json.Marshal(info)
	if err != nil {
		return PostRow{}, fmt.Errorf("catalog: marshal post data: %w", err)
	}
	row.Data = data
	return row, nil
}

// asInt64 reads a numeric payload field. Decoders along the ingest path keep
// numbers as json.Number because post IDs do not fit exactly in a float64;
// values built in-process may still be float64.
func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	case float64:
		return int64(n), true
	}
	return 0, false
}
