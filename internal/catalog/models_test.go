package catalog

import (
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlogRowFromInfoEnvelope(t *testing.T) {
	info := map[string]interface{}{
		"meta": map[string]interface{}{"status": float64(200)},
		"blog": map[string]interface{}{
			"uuid":    "t:abc123",
			"name":    "someblog",
			"updated": float64(1600000000),
			"posts":   float64(41),
		},
	}

	row, err := BlogRowFromInfo(info)
	require.NoError(t, err)

	assert.Equal(t, "t:abc123", row.TumblrUID)
	assert.Equal(t, "someblog", row.Name.String)
	assert.Equal(t, time.Unix(1600000000, 0).UTC(), row.Updated.Time)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(row.Data, &data))
	assert.Equal(t, "someblog", data["name"])
	// The data blob is the blog object, not the envelope.
	assert.NotContains(t, data, "blog")

	var extra map[string]interface{}
	require.NoError(t, json.Unmarshal(row.ExtraMeta, &extra))
	assert.Equal(t, float64(200), extra["status"])
}

func TestBlogRowFromInfoBareObject(t *testing.T) {
	row, err := BlogRowFromInfo(map[string]interface{}{
		"uuid": "t:bare",
		"name": "bare",
	})
	require.NoError(t, err)
	assert.Equal(t, "t:bare", row.TumblrUID)
	assert.Nil(t, row.ExtraMeta)
}

func TestBlogRowFromInfoWithoutUUID(t *testing.T) {
	_, err := BlogRowFromInfo(map[string]interface{}{"name": "nokey"})
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestPostRowFromInfo(t *testing.T) {
	info := map[string]interface{}{
		"id":        float64(987654321),
		"timestamp": float64(1600000100),
		"blog_name": "someblog",
		"body":      "he\x00llo",
	}

	row, err := PostRowFromInfo(info, sql.NullInt64{Int64: 7, Valid: true})
	require.NoError(t, err)

	assert.Equal(t, int64(987654321), row.TumblrID.Int64)
	assert.Equal(t, int64(7), row.AuthorID.Int64)
	assert.Equal(t, time.Unix(1600000100, 0).UTC(), row.Posted.Time)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(row.Data, &data))
	assert.Equal(t, "hello", data["body"], "NUL bytes must not reach the store")
}

func TestPostRowFromInfoPreservesLargeIDs(t *testing.T) {
	raw := `{"id": 666073255059685377, "timestamp": 1600000100, "blog_name": "someblog"}`
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var info map[string]interface{}
	require.NoError(t, dec.Decode(&info))

	row, err := PostRowFromInfo(info, sql.NullInt64{Int64: 7, Valid: true})
	require.NoError(t, err)

	// The last digits sit past 2^53; float64 arithmetic would land on
	// ...685376 and the unique index would merge distinct posts.
	assert.Equal(t, int64(666073255059685377), row.TumblrID.Int64)
	assert.Contains(t, string(row.Data), "666073255059685377",
		"stored data must carry the source's exact digits")
}

func TestPostRowFromInfoWithoutID(t *testing.T) {
	_, err := PostRowFromInfo(map[string]interface{}{"timestamp": float64(1)}, sql.NullInt64{})
	assert.ErrorIs(t, err, ErrNoKey)
}
