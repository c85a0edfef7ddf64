package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/changelog"
	"github.com/pseudomuto/rmig/pkg/consts"
	"github.com/pseudomuto/rmig/pkg/driver"
	. "github.com/pseudomuto/rmig/pkg/driver/sqlite"
	"github.com/pseudomuto/rmig/pkg/utils"
	"github.com/stretchr/testify/require"
)

func dbURL(t *testing.T) string {
	t.Helper()
	return "sqlite://" + filepath.Join(t.TempDir(), "app.db")
}

func newDriver(t *testing.T, url string, opts ...Option) *Driver {
	t.Helper()

	drv, err := New(context.Background(), &driver.Properties{URL: url}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close() })

	return drv
}

func queries(sql ...string) []*changelog.Query {
	out := make([]*changelog.Query, 0, len(sql))
	for _, s := range sql {
		out = append(out, &changelog.Query{Query: s})
	}
	return out
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("name is file base name", func(t *testing.T) {
		drv := newDriver(t, dbURL(t))
		require.Equal(t, "app.db", drv.Name())
	})

	t.Run("datasource name wins", func(t *testing.T) {
		drv, err := New(ctx, &driver.Properties{Name: utils.Ptr("primary"), URL: dbURL(t)})
		require.NoError(t, err)
		defer func() { _ = drv.Close() }()

		require.Equal(t, "primary", drv.Name())
	})

	t.Run("query separator", func(t *testing.T) {
		require.Empty(t, newDriver(t, dbURL(t)).QuerySeparator())

		drv, err := New(ctx, &driver.Properties{
			URL:        dbURL(t),
			Properties: map[string]string{consts.QuerySeparatorProperty: ";;"},
		})
		require.NoError(t, err)
		defer func() { _ = drv.Close() }()

		require.Equal(t, ";;", drv.QuerySeparator())
	})

	t.Run("memory database", func(t *testing.T) {
		drv := newDriver(t, "sqlite::memory:")
		require.Equal(t, ":memory:", drv.Name())
		require.NoError(t, drv.CreateCoreTable(ctx))
		require.NoError(t, drv.CheckCoreTable(ctx))
	})

	t.Run("registered with factory", func(t *testing.T) {
		for _, scheme := range []string{"sqlite", "sqlite3", "file"} {
			require.Contains(t, driver.Schemes(), scheme)
		}

		drv, err := driver.Open(ctx, &driver.Properties{URL: dbURL(t)}, nil)
		require.NoError(t, err)
		defer func() { _ = drv.Close() }()

		require.NoError(t, drv.ValidateConnection(ctx))
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := New(ctx, &driver.Properties{URL: "sqlite://"})
		require.True(t, errors.Is(err, driver.ErrCreatingDatasource))
	})

	t.Run("invalid pool property", func(t *testing.T) {
		_, err := New(ctx, &driver.Properties{
			URL:        dbURL(t),
			Properties: map[string]string{driver.MaxPoolSize: "many"},
		})
		require.True(t, errors.Is(err, driver.ErrCreatingDatasource))
	})

	t.Run("failing after connect script", func(t *testing.T) {
		_, err := New(ctx, &driver.Properties{
			URL:        dbURL(t),
			Properties: map[string]string{driver.AfterConnectScript: "NOT SQL"},
		})
		require.True(t, errors.Is(err, driver.ErrCreatingDatasource))
	})
}

func TestCoreTable(t *testing.T) {
	ctx := context.Background()
	drv := newDriver(t, dbURL(t))

	err := drv.CheckCoreTable(ctx)
	require.True(t, errors.Is(err, driver.ErrRow))

	require.NoError(t, drv.CreateCoreTable(ctx))
	require.NoError(t, drv.CheckCoreTable(ctx))

	// idempotent
	require.NoError(t, drv.CreateCoreTable(ctx))
}

func TestCoreTable_SchemaAdmin(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	drv, err := New(ctx, &driver.Properties{
		URL: "sqlite://" + filepath.Join(dir, "app.db"),
		Properties: map[string]string{
			consts.SchemaAdminProperty: "admin",
			driver.AfterConnectScript:  "ATTACH DATABASE '" + filepath.Join(dir, "admin.db") + "' AS admin",
		},
	})
	require.NoError(t, err)
	defer func() { _ = drv.Close() }()

	require.True(t, errors.Is(drv.CheckCoreTable(ctx), driver.ErrRow))
	require.NoError(t, drv.CreateCoreTable(ctx))
	require.NoError(t, drv.CheckCoreTable(ctx))

	m := &changelog.Migration{Name: "migrations/1.init.sql", Order: 1, Hash: "abc"}
	require.NoError(t, drv.AddNewMigration(ctx, m))
	require.NoError(t, drv.FindInCoreTable(ctx, m.Name, m.Hash))

	// the main schema has no bookkeeping table
	plain := newDriver(t, "sqlite://"+filepath.Join(dir, "app.db"))
	require.True(t, errors.Is(plain.CheckCoreTable(ctx), driver.ErrRow))
}

func TestFindInCoreTable(t *testing.T) {
	ctx := context.Background()
	drv := newDriver(t, dbURL(t))
	require.NoError(t, drv.CreateCoreTable(ctx))

	m := &changelog.Migration{Name: "migrations/1.create.sql", Order: 1, Hash: "h1"}

	err := drv.FindInCoreTable(ctx, m.Name, m.Hash)
	require.True(t, errors.Is(err, driver.ErrRow))

	require.NoError(t, drv.AddNewMigration(ctx, m))
	require.NoError(t, drv.FindInCoreTable(ctx, m.Name, m.Hash))

	err = drv.FindInCoreTable(ctx, m.Name, "h2")
	require.True(t, errors.Is(err, driver.ErrHashMismatch))
	require.Contains(t, err.Error(), m.Name)
}

func TestFindInCoreTable_NoTable(t *testing.T) {
	drv := newDriver(t, dbURL(t))

	err := drv.FindInCoreTable(context.Background(), "migrations/1.create.sql", "h1")
	require.True(t, errors.Is(err, driver.ErrSQL))
}

func countRows(t *testing.T, path, table string) int {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func tableExists(t *testing.T, path, table string) bool {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n))
	return n == 1
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	t.Run("commits all queries", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.db")
		drv := newDriver(t, "sqlite://"+path)

		err := drv.Migrate(ctx, queries(
			"CREATE TABLE t(x int);",
			"INSERT INTO t VALUES (1);",
			"   ",
			"INSERT INTO t VALUES (2);",
		))
		require.NoError(t, err)
		require.Equal(t, 2, countRows(t, path, "t"))
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.db")
		drv := newDriver(t, "sqlite://"+path)

		err := drv.Migrate(ctx, queries(
			"CREATE TABLE t(x int);",
			"INSERT INTO t VALUES (1);",
			"INSERT INTO missing VALUES (1);",
		))
		require.True(t, errors.Is(err, driver.ErrSQL))
		require.Contains(t, err.Error(), "INSERT INTO missing")
		require.False(t, tableExists(t, path, "t"))
	})

	t.Run("earlier migrations stay committed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.db")
		drv := newDriver(t, "sqlite://"+path)

		require.NoError(t, drv.Migrate(ctx, queries("CREATE TABLE t(x int);")))
		require.Error(t, drv.Migrate(ctx, queries("INSERT INTO t VALUES (1);", "BROKEN")))

		require.True(t, tableExists(t, path, "t"))
		require.Equal(t, 0, countRows(t, path, "t"))
	})
}

func TestLock(t *testing.T) {
	ctx := context.Background()

	t.Run("not reentrant", func(t *testing.T) {
		drv := newDriver(t, dbURL(t))

		require.NoError(t, drv.Lock(ctx))
		require.True(t, errors.Is(drv.Lock(ctx), driver.ErrSQL))
		require.NoError(t, drv.Unlock(ctx))
	})

	t.Run("unlock without lock", func(t *testing.T) {
		drv := newDriver(t, dbURL(t))
		require.True(t, errors.Is(drv.Unlock(ctx), driver.ErrSQL))
	})

	t.Run("relock after unlock", func(t *testing.T) {
		drv := newDriver(t, dbURL(t))

		require.NoError(t, drv.Lock(ctx))
		require.NoError(t, drv.Unlock(ctx))
		require.NoError(t, drv.Lock(ctx))
		require.NoError(t, drv.Unlock(ctx))
	})

	t.Run("blocks while held elsewhere", func(t *testing.T) {
		url := dbURL(t)
		first := newDriver(t, url, WithPollInterval(10*time.Millisecond))
		second := newDriver(t, url, WithPollInterval(10*time.Millisecond))

		require.NoError(t, first.Lock(ctx))

		tctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		err := second.Lock(tctx)
		require.True(t, errors.Is(err, driver.ErrSQL))
		require.Contains(t, err.Error(), "deadline exceeded")

		require.NoError(t, first.Unlock(ctx))
		require.NoError(t, second.Lock(ctx))
		require.NoError(t, second.Unlock(ctx))
	})

	t.Run("released when holder closes without unlocking", func(t *testing.T) {
		url := dbURL(t)
		first, err := New(ctx, &driver.Properties{URL: url})
		require.NoError(t, err)
		second := newDriver(t, url, WithPollInterval(10*time.Millisecond))

		require.NoError(t, first.Lock(ctx))
		require.NoError(t, first.Close())

		tctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		require.NoError(t, second.Lock(tctx))
		require.NoError(t, second.Unlock(ctx))
	})

	t.Run("memory database", func(t *testing.T) {
		drv := newDriver(t, "sqlite::memory:")

		require.NoError(t, drv.Lock(ctx))
		require.True(t, errors.Is(drv.Lock(ctx), driver.ErrSQL))
		require.NoError(t, drv.Unlock(ctx))
	})

	t.Run("mutual exclusion", func(t *testing.T) {
		url := dbURL(t)

		var (
			mu      sync.Mutex
			holders int
			maxSeen int
			wg      sync.WaitGroup
		)

		for range 4 {
			drv := newDriver(t, url, WithPollInterval(5*time.Millisecond))

			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := drv.Lock(ctx); err != nil {
					t.Errorf("failed to lock: %v", err)
					return
				}

				mu.Lock()
				holders++
				maxSeen = max(maxSeen, holders)
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()

				if err := drv.Unlock(ctx); err != nil {
					t.Errorf("failed to unlock: %v", err)
				}
			}()
		}

		wg.Wait()
		require.Equal(t, 1, maxSeen)
	})
}
