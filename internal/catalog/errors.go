package catalog

import (
	"errors"

	"github.com/lib/pq"
)

// ErrNoKey marks a payload that carries no stable identity (a blog without a
// uuid, a post without an id). Such records cannot be upserted and are
// discarded by callers.
var ErrNoKey = errors.New("catalog: record has no stable key")

// ErrBulkConflict is returned when a bulk fast-path insert hit a uniqueness
// constraint and was rolled back. The caller replays the same rows through
// the per-row upsert path.
var ErrBulkConflict = errors.New("catalog: bulk insert hit unique conflict")

// IsRetryable reports whether the error is a transient relational failure
// (serialization failure or deadlock) that the caller should re-run.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
