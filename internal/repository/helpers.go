package repository

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	apperrors "github.com/openclaw/dm-responder-go/internal/errors"
)

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. This is a common pattern for Find* operations
// where a missing row is not an error condition.
//
// Usage:
//
//	var item model.Item
//	err := r.db.GetContext(ctx, &item, query, args...)
//	return HandleNotFound(&item, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

const uniqueViolation = "23505"

// mapWriteError turns a unique-key violation into ALREADY_EXISTS and any
// other failure into DATABASE_ERROR.
func mapWriteError(err error, resource string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperrors.AlreadyExists(resource).WithCause(err)
	}
	return apperrors.Database(err)
}
