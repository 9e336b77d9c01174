package warehouse

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/sp500-pipeline/internal/etlerr"
)

// transientCodes are SQLSTATEs worth retrying outside class 08.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

// Classify maps a database error to LoadTransientError or LoadSchemaError.
// Context errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		switch {
		case strings.HasPrefix(code, "08"), transientCodes[code]:
			return etlerr.New(etlerr.KindLoadTransient, op, err)
		default:
			// Classes 22 (data), 23 (constraint), 42 (syntax/undefined
			// object) and anything unrecognized need an operator.
			return etlerr.New(etlerr.KindLoadSchema, op, err)
		}
	}

	// Anything else failed below SQL: network, TLS, pool or protocol.
	return etlerr.New(etlerr.KindLoadTransient, op, err)
}
