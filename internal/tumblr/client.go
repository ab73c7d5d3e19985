// Package tumblr is the single entry point for outbound HTTP against the
// Tumblr v2 API.
//
// Every worker process owns exactly one Client, and the Client enforces a
// minimum interval between consecutive calls. Global rate safety comes from
// running few processes, not from any shared clock.
//
// The Client never treats a non-2xx response as an error: the decoded body is
// returned verbatim and callers dispatch on Meta.Status (200 success, 404
// resource absent, 429 rate limited, 502/503/504 transient).
package tumblr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"tumblr-pipeline/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PageSize is the fixed number of posts per offset page.
const PageSize = 20

type Meta struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// Response is the flattened API response: the meta envelope plus whatever of
// blog/posts the endpoint returned. Posts stays nil when the key was absent,
// and an empty non-nil slice when the page was present but empty; callers
// that retry on a missing array rely on the distinction.
//
// Numeric fields inside Blog and Posts are json.Number, not float64: post IDs
// run past 2^53 and must re-marshal with their exact digits.
type Response struct {
	Meta  Meta
	Blog  map[string]interface{}
	Posts []map[string]interface{}
}

// HasPosts reports whether the response carried a posts array at all.
func (r *Response) HasPosts() bool { return r.Posts != nil }

// BlogPosts returns the blog's total post count, or ok=false when the blog
// object or its posts field is missing.
func (r *Response) BlogPosts() (int, bool) {
	if r.Blog == nil {
		return 0, false
	}
	switch n := r.Blog["posts"].(type) {
	case json.Number:
		v, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(v), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Client is a rate-limited Tumblr API client. Safe for concurrent use; the
// pacing clock serializes callers so the interval holds across goroutines.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	consumerKey string
	minInterval time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

// New constructs a Client. minInterval is the pacing floor between calls
// (200 ms in production; tests shrink it).
func New(baseURL, consumerKey string, minInterval time.Duration) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		baseURL:     baseURL,
		consumerKey: consumerKey,
		minInterval: minInterval,
	}
}

// BlogInfo fetches /blog/<name>/info.
func (c *Client) BlogInfo(ctx context.Context, name string) (*Response, error) {
	return c.get(ctx, "blog_info", fmt.Sprintf("/blog/%s/info", url.PathEscape(name)), nil)
}

// Posts fetches one offset page of /blog/<name>/posts.
func (c *Client) Posts(ctx context.Context, name string, offset int) (*Response, error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprint(offset))
	q.Set("limit", fmt.Sprint(PageSize))
	return c.get(ctx, "posts", fmt.Sprintf("/blog/%s/posts", url.PathEscape(name)), q)
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values) (*Response, error) {
	c.pace()

	if q == nil {
		q = url.Values{}
	}
	q.Set("api_key", c.consumerKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("tumblr: build request: %w", err)
	}

	timer := prometheus.NewTimer(metrics.APICallDuration.WithLabelValues(endpoint))
	resp, err := c.httpClient.Do(req)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("tumblr: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	return decode(resp)
}

// pace sleeps until minInterval has elapsed since the previous call from this
// Client, then claims the clock for the current call.
func (c *Client) pace() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wait := c.minInterval - time.Since(c.lastRequest); wait > 0 {
		time.Sleep(wait)
	}
	c.lastRequest = time.Now()
}

// decode flattens the wire envelope {meta, response:{blog, posts}} into a
// Response. Status codes are surfaced through Meta, never as errors.
func decode(resp *http.Response) (*Response, error) {
	var envelope struct {
		Meta     Meta            `json:"meta"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("tumblr: decode body: %w", err)
	}

	out := &Response{Meta: envelope.Meta}
	if out.Meta.Status == 0 {
		// Some error proxies omit the meta envelope; fall back to the
		// transport status so callers always have something to dispatch on.
		out.Meta.Status = resp.StatusCode
	}

	if len(envelope.Response) == 0 || string(envelope.Response) == "null" ||
		envelope.Response[0] != '{' {
		// Error responses carry "response": [] — nothing to flatten.
		return out, nil
	}

	var body struct {
		Blog  map[string]interface{}   `json:"blog"`
		Posts []map[string]interface{} `json:"posts"`
	}
	// UseNumber keeps post IDs exact; a float64 would round them.
	dec := json.NewDecoder(bytes.NewReader(envelope.Response))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("tumblr: decode response: %w", err)
	}
	out.Blog = body.Blog
	out.Posts = body.Posts
	return out, nil
}
