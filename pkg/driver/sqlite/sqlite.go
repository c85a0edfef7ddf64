package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/changelog"
	"github.com/pseudomuto/rmig/pkg/driver"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DefaultPollInterval is how often Lock retries while another holder owns the lock.
const DefaultPollInterval = 100 * time.Millisecond

const (
	lockSuffix = ".lock"
	memoryPath = ":memory:"
)

func init() {
	driver.Register(func(ctx context.Context, props *driver.Properties, logger *slog.Logger) (driver.Driver, error) {
		return New(ctx, props, WithLogger(logger))
	}, "sqlite", "sqlite3", "file")
}

type (
	// Driver is a SQLite backend. The advisory lock is emulated with an immediate
	// transaction on a lock database stored next to the database file.
	Driver struct {
		db           *sql.DB
		path         string
		name         string
		schemaAdmin  string
		separator    string
		lockPath     string
		lockID       int64
		pollInterval time.Duration
		logger       *slog.Logger

		mu       sync.Mutex
		locked   bool
		lockDB   *sql.DB
		lockConn *sql.Conn
	}

	// Option configures a Driver.
	Option func(*Driver)
)

// WithPollInterval sets how often Lock retries while the lock is held elsewhere.
func WithPollInterval(d time.Duration) Option {
	return func(drv *Driver) {
		if d > 0 {
			drv.pollInterval = d
		}
	}
}

// WithLogger sets the driver logger.
func WithLogger(l *slog.Logger) Option {
	return func(drv *Driver) {
		if l != nil {
			drv.logger = l
		}
	}
}

// New opens the database described by props and validates the connection.
//
// Supported URL forms are sqlite:///abs/path.db, sqlite://rel/path.db,
// file:rel/path.db and sqlite::memory:. Query parameters are passed to the
// database/sql driver unchanged.
//
// Example usage:
//
//	drv, err := sqlite.New(ctx, &driver.Properties{
//		URL: "sqlite:///var/lib/app/app.db",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer func() { _ = drv.Close() }()
func New(ctx context.Context, props *driver.Properties, opts ...Option) (*Driver, error) {
	path, dsn, err := parseURL(props.URL)
	if err != nil {
		return nil, err
	}

	identity := path
	if path != memoryPath {
		if identity, err = filepath.Abs(path); err != nil {
			return nil, driver.Errorf(driver.ErrCreatingDatasource, err, "failed to resolve path %s", path)
		}
	}

	d := &Driver{
		path:         path,
		name:         props.Label(filepath.Base(path)),
		schemaAdmin:  props.SchemaAdmin(),
		separator:    props.Separator(),
		lockPath:     identity + lockSuffix,
		lockID:       driver.LockID(identity),
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.db, err = sql.Open("sqlite", dsn)
	if err != nil {
		return nil, driver.Errorf(driver.ErrCreatingDatasource, err, "failed to open %s", path)
	}

	if err := configurePool(d.db, props); err != nil {
		_ = d.db.Close()
		return nil, err
	}

	timeout, ok, err := props.Seconds(driver.ConnectionTimeout)
	if err != nil {
		_ = d.db.Close()
		return nil, err
	}

	vctx := ctx
	if ok {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := d.ValidateConnection(vctx); err != nil {
		_ = d.db.Close()
		return nil, err
	}

	if script, ok := props.Get(driver.AfterConnectScript); ok && strings.TrimSpace(script) != "" {
		if _, err := d.db.ExecContext(ctx, script); err != nil {
			_ = d.db.Close()
			return nil, driver.Errorf(driver.ErrCreatingDatasource, err, "failed to run after connect script")
		}
	}

	return d, nil
}

// configurePool applies the pool properties. SQLite serializes writers, so a single
// connection is used unless MaxPoolSize says otherwise. A single connection also keeps
// :memory: databases and ATTACHed schemas visible to every statement.
func configurePool(db *sql.DB, props *driver.Properties) error {
	maxOpen, ok, err := props.Int(driver.MaxPoolSize)
	if err != nil {
		return err
	}
	if !ok {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)

	minIdle, ok, err := props.Int(driver.MinPoolSize)
	if err != nil {
		return err
	}
	if !ok {
		minIdle = maxOpen
	}
	db.SetMaxIdleConns(minIdle)

	if d, ok, err := props.Seconds(driver.MaxLifetime); err != nil {
		return err
	} else if ok {
		db.SetConnMaxLifetime(d)
	}

	if d, ok, err := props.Seconds(driver.IdleTimeout); err != nil {
		return err
	} else if ok {
		db.SetConnMaxIdleTime(d)
	}

	return nil
}

func parseURL(raw string) (path, dsn string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", driver.Errorf(driver.ErrCreatingDatasource, err, "invalid sqlite url")
	}

	switch {
	case u.Opaque != "":
		path = u.Opaque
	default:
		path = u.Host + u.Path
	}

	if path == "" {
		return "", "", driver.Errorf(driver.ErrCreatingDatasource, nil, "sqlite url has no path: %s", raw)
	}

	query := u.Query()
	if path != memoryPath && !query.Has("_pragma") {
		query.Add("_pragma", "busy_timeout(5000)")
	}

	dsn = path
	if len(query) > 0 {
		dsn += "?" + query.Encode()
	}

	return path, dsn, nil
}

// Name returns the datasource name, or the base name of the database file.
func (d *Driver) Name() string {
	return d.name
}

// QuerySeparator returns the query_separator of the datasource.
func (d *Driver) QuerySeparator() string {
	return d.separator
}

// ValidateConnection pings the database.
func (d *Driver) ValidateConnection(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return driver.Errorf(driver.ErrConnectionValidation, err, "failed to ping %s", d.path)
	}

	return nil
}

// CheckCoreTable returns driver.ErrRow when CHANGELOGS does not exist.
func (d *Driver) CheckCoreTable(ctx context.Context) error {
	master := "sqlite_master"
	if d.schemaAdmin != "" {
		master = d.schemaAdmin + "." + master
	}

	var n int
	q := "SELECT count(*) FROM " + master + " WHERE type = 'table' AND lower(name) = 'changelogs'"
	if err := d.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return driver.Errorf(driver.ErrRow, err, "failed to look up core table")
	}

	if n == 0 {
		return driver.Errorf(driver.ErrRow, nil, "core table %s does not exist", driver.CoreTable(d.schemaAdmin))
	}

	return nil
}

// CreateCoreTable creates CHANGELOGS if it does not exist.
func (d *Driver) CreateCoreTable(ctx context.Context) error {
	ddl, err := driver.CoreTableDDL(d.schemaAdmin, "INTEGER")
	if err != nil {
		return err
	}

	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return driver.Errorf(driver.ErrSQL, err, "failed to create core table")
	}

	d.logger.Info("Created core table", "datasource", d.name, "table", driver.CoreTable(d.schemaAdmin))
	return nil
}

// FindInCoreTable looks up the bookkeeping record of a migration.
func (d *Driver) FindInCoreTable(ctx context.Context, name, hash string) error {
	table := driver.CoreTable(d.schemaAdmin)
	q := "SELECT " +
		"EXISTS(SELECT 1 FROM " + table + " WHERE FILENAME = ?) AS erow, " +
		"EXISTS(SELECT 1 FROM " + table + " WHERE FILENAME = ? AND HASH = ?) AS erowhash"

	var exists, matches bool
	if err := d.db.QueryRowContext(ctx, q, name, name, hash).Scan(&exists, &matches); err != nil {
		return driver.Errorf(driver.ErrSQL, err, "failed to look up %s", name)
	}

	switch {
	case !exists:
		return driver.Errorf(driver.ErrRow, nil, "migration %s has not been run", name)
	case !matches:
		return driver.Errorf(driver.ErrHashMismatch, nil, "migration %s has changed since it was run", name)
	}

	return nil
}

// Migrate runs queries in a single transaction. Blank queries are skipped.
func (d *Driver) Migrate(ctx context.Context, queries []*changelog.Query) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return driver.Errorf(driver.ErrSQL, err, "failed to begin transaction")
	}

	for _, q := range queries {
		if strings.TrimSpace(q.Query) == "" {
			continue
		}

		d.logger.Debug("Executing query", "datasource", d.name, "query", q.Query)
		if _, err := tx.ExecContext(ctx, q.Query); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				d.logger.Error("Failed to roll back transaction", "datasource", d.name, "error", rerr)
			}

			return driver.Errorf(driver.ErrSQL, err, "failed to execute %q", q.Query)
		}
	}

	if err := tx.Commit(); err != nil {
		return driver.Errorf(driver.ErrSQL, err, "failed to commit transaction")
	}

	return nil
}

// AddNewMigration records m in CHANGELOGS.
func (d *Driver) AddNewMigration(ctx context.Context, m *changelog.Migration) error {
	q := "INSERT INTO " + driver.CoreTable(d.schemaAdmin) + "(FILENAME, ORDER_ID, HASH) VALUES (?, ?, ?)"
	if _, err := d.db.ExecContext(ctx, q, m.Name, m.Order, m.Hash); err != nil {
		return driver.Errorf(driver.ErrSQL, err, "failed to record %s", m.Name)
	}

	return nil
}

// Lock opens a dedicated connection to the lock database next to the database file and
// holds an immediate transaction on it, polling until no other holder owns the lock or
// ctx ends. SQLite releases the transaction when the connection closes or the holding
// process dies. In-memory databases are private to one driver, so the lock is local.
func (d *Driver) Lock(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.locked {
		return driver.Errorf(driver.ErrSQL, nil, "lock is already held by this driver")
	}

	if d.path == memoryPath {
		d.locked = true
		return nil
	}

	db, err := sql.Open("sqlite", d.lockPath+"?_pragma=busy_timeout(0)")
	if err != nil {
		return driver.Errorf(driver.ErrSQL, err, "failed to open lock database %s", d.lockPath)
	}
	db.SetMaxOpenConns(1)

	conn, err := d.acquire(ctx, db)
	if err != nil {
		_ = db.Close()
		return err
	}

	d.lockDB, d.lockConn, d.locked = db, conn, true
	d.logger.Debug("Acquired lock", "datasource", d.name, "lock_id", d.lockID)
	return nil
}

func (d *Driver) acquire(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, driver.Errorf(driver.ErrSQL, err, "failed to connect to lock database %s", d.lockPath)
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return conn, nil
		}

		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}

		if !isBusy(err) {
			_ = conn.Close()
			return nil, driver.Errorf(driver.ErrSQL, err, "failed to acquire lock %d", d.lockID)
		}

		d.logger.Debug("Waiting for lock", "datasource", d.name, "lock_id", d.lockID)
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, driver.Errorf(driver.ErrSQL, ctx.Err(), "failed to acquire lock %d", d.lockID)
		case <-ticker.C:
		}
	}
}

func isBusy(err error) bool {
	var serr *msqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_BUSY
}

// Unlock rolls back the lock transaction and closes the lock connection.
func (d *Driver) Unlock(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.locked {
		return driver.Errorf(driver.ErrSQL, nil, "lock is not held by this driver")
	}

	d.locked = false
	if d.lockConn == nil {
		return nil
	}

	_, err := d.lockConn.ExecContext(ctx, "ROLLBACK")
	d.releaseLock()
	if err != nil {
		return driver.Errorf(driver.ErrSQL, err, "failed to release lock %d", d.lockID)
	}

	d.logger.Debug("Released lock", "datasource", d.name, "lock_id", d.lockID)
	return nil
}

// Close releases a lock that is still held and closes the database.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.releaseLock()
	d.locked = false
	d.mu.Unlock()

	return d.db.Close()
}

// releaseLock closes the lock connection. Closing it ends the lock transaction.
func (d *Driver) releaseLock() {
	if d.lockConn != nil {
		_ = d.lockConn.Close()
	}
	if d.lockDB != nil {
		_ = d.lockDB.Close()
	}

	d.lockConn, d.lockDB = nil, nil
}
