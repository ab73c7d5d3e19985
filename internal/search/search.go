// Package search maintains an optional Elasticsearch projection of the post
// archive.
//
// The catalogue remains the source of truth; the projection exists so
// operators can full-text search archived posts without GROUP BY scans on
// the primary database. Indexing happens after a parser batch commits and is
// best-effort: a failed index call is logged and the batch is not retried,
// because a later crawl of the same blog re-indexes the same documents.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"tumblr-pipeline/internal/catalog"

	"github.com/elastic/go-elasticsearch/v8"
)

const postsIndex = "posts"

// Client wraps the Elasticsearch client with archive-level operations.
type Client struct {
	es *elasticsearch.Client
}

// New creates an Elasticsearch client pointed at the given URL.
func New(url string) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}
	return &Client{es: es}, nil
}

// IndexPosts upserts one document per committed post row. The document ID is
// "<tumblr_id>:<author_id>", the same identity the catalogue enforces, so
// re-indexing on a replayed batch cannot create duplicates.
func (c *Client) IndexPosts(ctx context.Context, rows []catalog.PostRow) error {
	for _, row := range rows {
		if !row.TumblrID.Valid {
			continue
		}

		docID := fmt.Sprintf("%d:%d", row.TumblrID.Int64, row.AuthorID.Int64)
		res, err := c.es.Index(
			postsIndex,
			bytes.NewReader(row.Data),
			c.es.Index.WithDocumentID(docID),
			c.es.Index.WithContext(ctx),
		)
		if err != nil {
			return fmt.Errorf("search: index request: %w", err)
		}

		if res.IsError() {
			body, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return fmt.Errorf("search: index error [%s]: %s", res.Status(), body)
		}
		res.Body.Close()
	}
	return nil
}

// SearchPosts executes a full-text match query against post bodies and
// returns the raw Elasticsearch response.
func (c *Client) SearchPosts(ctx context.Context, term string) (json.RawMessage, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  term,
				"fields": []string{"summary", "body", "caption", "title"},
			},
		},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(postsIndex),
		c.es.Search.WithBody(&buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search: query request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search: query error [%s]: %s", res.Status(), body)
	}

	return io.ReadAll(res.Body)
}
