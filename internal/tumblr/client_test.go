package tumblr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostsDecodesFlattenedResponse(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{
			"meta": {"status": 200, "msg": "OK"},
			"response": {
				"blog": {"uuid": "t:abc", "name": "someblog", "posts": 41},
				"posts": [
					{"id": 1, "timestamp": 100},
					{"id": 2, "timestamp": 200}
				]
			}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "consumer-key", 0)
	resp, err := c.Posts(context.Background(), "someblog", 20)
	require.NoError(t, err)

	assert.Equal(t, "/blog/someblog/posts", gotPath)
	assert.Contains(t, gotQuery, "api_key=consumer-key")
	assert.Contains(t, gotQuery, "offset=20")

	assert.Equal(t, 200, resp.Meta.Status)
	assert.True(t, resp.HasPosts())
	require.Len(t, resp.Posts, 2)
	assert.Equal(t, json.Number("100"), resp.Posts[0]["timestamp"])

	posts, ok := resp.BlogPosts()
	require.True(t, ok)
	assert.Equal(t, 41, posts)
}

func TestLargePostIDsDecodeExactly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"meta": {"status": 200},
			"response": {"posts": [{"id": 666073255059685377, "timestamp": 1600000100}]}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 0)
	resp, err := c.Posts(context.Background(), "b", 0)
	require.NoError(t, err)
	require.Len(t, resp.Posts, 1)

	// IDs this size are past float64's exact-integer range; a float decode
	// would round the last digits away.
	assert.Equal(t, json.Number("666073255059685377"), resp.Posts[0]["id"])
}

func TestErrorStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"meta": {"status": 404, "msg": "Not Found"}, "response": []}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 0)
	resp, err := c.BlogInfo(context.Background(), "gone")
	require.NoError(t, err, "non-2xx must surface through Meta, not as an error")

	assert.Equal(t, 404, resp.Meta.Status)
	assert.Nil(t, resp.Blog)
	assert.False(t, resp.HasPosts())
}

func TestMissingPostsArrayIsDistinguishable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"meta": {"status": 200}, "response": {"blog": {"name": "b"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 0)
	resp, err := c.BlogInfo(context.Background(), "b")
	require.NoError(t, err)

	assert.False(t, resp.HasPosts())
	_, ok := resp.BlogPosts()
	assert.False(t, ok, "blog without posts count")
}

func TestPacingEnforcesMinimumInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"meta": {"status": 200}, "response": {}}`))
	}))
	defer srv.Close()

	const interval = 50 * time.Millisecond
	c := New(srv.URL, "key", interval)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.BlogInfo(context.Background(), "b")
		require.NoError(t, err)
	}

	// First call is free; the next two each wait out the interval.
	assert.GreaterOrEqual(t, time.Since(start), 2*interval)
}
