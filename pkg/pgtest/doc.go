// Package pgtest runs throwaway PostgreSQL containers for integration tests.
//
// Containers are started through testcontainers-go and removed on Stop. An optional
// init directory is bind mounted at /docker-entrypoint-initdb.d so tests can seed
// roles or schemas before rmig touches the database.
//
// # Usage Example
//
//	func TestSomething(t *testing.T) {
//		if testing.Short() {
//			t.Skip("Skipping Docker tests in short mode")
//		}
//		pgtest.SkipIfNoDocker(t)
//
//		container := pgtest.New()
//		require.NoError(t, container.Start(ctx))
//		defer func() { _ = container.Stop(ctx) }()
//
//		dsn, err := container.GetDSN()
//		require.NoError(t, err)
//
//		drv, err := postgres.New(ctx, &driver.Properties{URL: dsn}, nil)
//		...
//	}
package pgtest
