package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	sharederrors "github.com/semregistry/kernel/pkg/shared/errors"

	"github.com/semregistry/kernel/pkg/kernelerr"
)

// Postgres error codes this adapter gives a dedicated kernelerr.Kind.
// Everything else falls through to Internal via FailedToWithDetails.
const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
)

// mapError turns a raw database/sql or pgx error into the kernel's
// error convention: a unique violation becomes Conflict and a
// foreign-key violation becomes InvalidInput, so callers can branch on
// kernelerr.Is; everything else is an opaque Internal wrapped
// with action/component/resource via FailedToWithDetails so a log line
// never needs to string-match a driver message.
func mapError(action, resource string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation:
			return kernelerr.Wrap(kernelerr.Conflict, action, err)
		case sqlStateForeignKeyViolation:
			return kernelerr.Wrap(kernelerr.InvalidInput, action, err)
		}
	}

	return kernelerr.Wrap(kernelerr.Internal, action, sharederrors.FailedToWithDetails(action, "postgres", resource, err))
}
