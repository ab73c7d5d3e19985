package catalog

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomCandidatesExcludesNamelessBlogs(t *testing.T) {
	c, mock := newMockCatalog(t, nil)

	// A blog without a name has no API endpoint to crawl, and the feeder can
	// never mark it done; the candidate query must not keep serving it.
	mock.ExpectQuery(regexp.QuoteMeta("name IS NOT NULL")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "tumblr_uid", "name", "updated", "last_crawl_update"},
		).AddRow(1, "t:a", "a", nil, nil))

	blogs, err := c.RandomCandidates(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, blogs, 1)
	assert.Equal(t, "a", blogs[0].Name.String)
	require.NoError(t, mock.ExpectationsWereMet())
}
