package catalog

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIDs struct {
	values map[string]string
	sets   map[string]string
}

func newFakeIDs() *fakeIDs {
	return &fakeIDs{values: map[string]string{}, sets: map[string]string{}}
}

func (f *fakeIDs) HGet(_ context.Context, _, field string) (string, bool, error) {
	v, ok := f.values[field]
	return v, ok, nil
}

func (f *fakeIDs) HSet(_ context.Context, _, field, value string) error {
	f.values[field] = value
	f.sets[field] = value
	return nil
}

func newMockCatalog(t *testing.T, ids BlogIDStore) (*Catalog, sqlmock.Sqlmock) {
	t.Helper()

	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewWithConn(conn, ids), mock
}

func postInfo(blogName string) map[string]interface{} {
	return map[string]interface{}{
		"id":        float64(111),
		"timestamp": float64(1600000000),
		"blog_name": blogName,
		"blog": map[string]interface{}{
			"uuid": "t:uid-" + blogName,
			"name": blogName,
		},
	}
}

func TestResolveAuthorFromSharedCache(t *testing.T) {
	ids := newFakeIDs()
	ids.values["someblog"] = "7"
	c, mock := newMockCatalog(t, ids)

	id, err := c.ResolveAuthor(context.Background(), postInfo("someblog"))
	require.NoError(t, err)
	assert.Equal(t, sql.NullInt64{Int64: 7, Valid: true}, id)

	// Second resolve hits the in-process LRU; clear the shared cache to
	// prove no second HGet is needed.
	ids.values = map[string]string{}
	id, err = c.ResolveAuthor(context.Background(), postInfo("someblog"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.Int64)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAuthorFromCatalogue(t *testing.T) {
	ids := newFakeIDs()
	c, mock := newMockCatalog(t, ids)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tumblr_uid, name, updated, last_crawl_update")).
		WithArgs("someblog").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "tumblr_uid", "name", "updated", "last_crawl_update"},
		).AddRow(7, "t:uid-someblog", "someblog", nil, nil))

	id, err := c.ResolveAuthor(context.Background(), postInfo("someblog"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.Int64)

	// Positive results are written back to the shared cache.
	assert.Equal(t, "7", ids.sets["someblog"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAuthorSynthesizesBlog(t *testing.T) {
	ids := newFakeIDs()
	c, mock := newMockCatalog(t, ids)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tumblr_uid, name, updated, last_crawl_update")).
		WithArgs("newblog").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tumblr_uid", "name", "updated", "last_crawl_update"}))

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO blogs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))

	id, err := c.ResolveAuthor(context.Background(), postInfo("newblog"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), id.Int64)
	assert.Equal(t, "9", ids.sets["newblog"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAuthorUnresolvable(t *testing.T) {
	c, mock := newMockCatalog(t, newFakeIDs())

	info := map[string]interface{}{
		"id":        float64(111),
		"blog_name": "ghost",
		// No embedded blog object, so nothing to synthesize from.
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tumblr_uid, name, updated, last_crawl_update")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tumblr_uid", "name", "updated", "last_crawl_update"}))

	id, err := c.ResolveAuthor(context.Background(), info)
	require.NoError(t, err)
	assert.False(t, id.Valid, "unresolvable author stores the post unattributed")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPostRowMaxMergesPosted(t *testing.T) {
	c, mock := newMockCatalog(t, nil)

	mock.ExpectExec(regexp.QuoteMeta("GREATEST(posts.posted, EXCLUDED.posted)")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	row, err := PostRowFromInfo(postInfo("someblog"), sql.NullInt64{Int64: 7, Valid: true})
	require.NoError(t, err)
	require.NoError(t, c.UpsertPostRow(context.Background(), row))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertPostsConflictRollsBack(t *testing.T) {
	c, mock := newMockCatalog(t, nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO posts")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	row, err := PostRowFromInfo(postInfo("someblog"), sql.NullInt64{Int64: 7, Valid: true})
	require.NoError(t, err)

	err = c.BulkInsertPosts(context.Background(), []PostRow{row, row})
	assert.ErrorIs(t, err, ErrBulkConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertPostsFastPath(t *testing.T) {
	c, mock := newMockCatalog(t, nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("($1, $2, $3, $4), ($5, $6, $7, $8)")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	row, err := PostRowFromInfo(postInfo("someblog"), sql.NullInt64{Int64: 7, Valid: true})
	require.NoError(t, err)

	require.NoError(t, c.BulkInsertPosts(context.Background(), []PostRow{row, row}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}), "serialization failure")
	assert.True(t, IsRetryable(&pq.Error{Code: "40P01"}), "deadlock")
	assert.False(t, IsRetryable(&pq.Error{Code: "23505"}), "unique violation is not retryable")
	assert.False(t, IsRetryable(assert.AnError))
}
