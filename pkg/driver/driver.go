package driver

import (
	"context"

	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/changelog"
)

var (
	// ErrConnectionValidation is returned when a datastore cannot be reached.
	ErrConnectionValidation = errors.New("connection validation error")

	// ErrRow is returned when a bookkeeping record (or the bookkeeping table itself)
	// does not exist.
	ErrRow = errors.New("row error")

	// ErrHashMismatch is returned when a migration was recorded with a different hash
	// than the one it has now (drift).
	ErrHashMismatch = errors.New("hash unique error")

	// ErrSQL is returned when a statement, transaction or lock operation fails.
	ErrSQL = errors.New("sql error")

	// ErrCreatingDatasource is returned when a datasource definition cannot be turned
	// into a connection pool.
	ErrCreatingDatasource = errors.New("error creating datasource")

	// ErrUnsupportedDriver is returned when no backend is registered for a URL scheme.
	ErrUnsupportedDriver = errors.New("unsupported driver")
)

// Driver is the capability contract every datastore backend implements.
//
// A Driver moves through the states Created (pool built and validated), TableReady
// (bookkeeping table checked or created), Locked, Unlocked and Closed. Lock is held
// for the whole traversal of one run and is not reentrant.
type Driver interface {
	// Name is a diagnostic label for the datastore.
	Name() string

	// ValidateConnection pings the datastore. It fails with ErrConnectionValidation.
	ValidateConnection(ctx context.Context) error

	// CheckCoreTable fails with ErrRow when the bookkeeping table does not exist.
	CheckCoreTable(ctx context.Context) error

	// CreateCoreTable idempotently creates the bookkeeping table.
	CreateCoreTable(ctx context.Context) error

	// FindInCoreTable succeeds only when a record with name exists and its hash equals
	// hash. It fails with ErrRow when no record exists and ErrHashMismatch when the
	// recorded hash differs.
	FindInCoreTable(ctx context.Context, name, hash string) error

	// Migrate executes queries in order inside a single transaction. On failure the
	// transaction is rolled back before the error is returned.
	Migrate(ctx context.Context, queries []*changelog.Query) error

	// AddNewMigration records m in the bookkeeping table.
	AddNewMigration(ctx context.Context, m *changelog.Migration) error

	// Lock blocks until the datastore's advisory lock is acquired or ctx ends.
	Lock(ctx context.Context) error

	// Unlock releases the lock acquired by Lock.
	Unlock(ctx context.Context) error

	// Close releases every pooled connection.
	Close() error
}

// QuerySeparator is implemented by drivers that know the query separator of their
// datasource (the query_separator property). Migrations applied through such a driver
// are split with that separator.
type QuerySeparator interface {
	QuerySeparator() string
}
