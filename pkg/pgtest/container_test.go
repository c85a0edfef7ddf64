package pgtest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pseudomuto/rmig/pkg/consts"
	"github.com/pseudomuto/rmig/pkg/pgtest"
	"github.com/stretchr/testify/require"
)

func TestContainer_StartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Docker tests in short mode")
	}
	pgtest.SkipIfNoDocker(t)

	initDir := filepath.Join(t.TempDir(), "initdb")
	require.NoError(t, os.MkdirAll(initDir, consts.ModeDir))
	require.NoError(t, os.WriteFile(
		filepath.Join(initDir, "01-admin.sql"),
		[]byte("CREATE SCHEMA admin;\n"),
		consts.ModeFile,
	))

	container := pgtest.NewWithOptions(pgtest.Options{InitDir: initDir})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	defer func() {
		_ = container.Stop(ctx)
	}()

	require.NoError(t, container.Start(ctx))
	require.True(t, container.IsRunning())
	require.Error(t, container.Start(ctx), "starting twice should fail")

	dsn, err := container.GetDSN()
	require.NoError(t, err)
	require.Contains(t, dsn, "postgres://")

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer func() { _ = conn.Close(ctx) }()

	var exists bool
	err = conn.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_namespace WHERE nspname = 'admin')").Scan(&exists)
	require.NoError(t, err)
	require.True(t, exists, "init scripts should have run")

	require.NoError(t, container.Stop(ctx))
	require.False(t, container.IsRunning())
}

func TestContainer_NotRunning(t *testing.T) {
	container := pgtest.New()

	require.False(t, container.IsRunning())
	require.NoError(t, container.Stop(context.Background()))

	_, err := container.GetDSN()
	require.Error(t, err)
}
