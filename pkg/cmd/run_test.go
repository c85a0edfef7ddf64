package cmd

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/cmd/testutil"
	"github.com/pseudomuto/rmig/pkg/config"
	"github.com/pseudomuto/rmig/pkg/driver"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, rootArgs, args []string) (string, error) {
	t.Helper()

	app := testutil.App{Flags: globalFlags(), Args: rootArgs}
	return app.Run(context.Background(), t, run(runParams{Version: &Version{Version: "test"}}), args)
}

func countRows(t *testing.T, db, table string) int {
	t.Helper()

	conn, err := sql.Open("sqlite", db)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var n int
	require.NoError(t, conn.QueryRow("SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func TestRunCommand(t *testing.T) {
	fixture := testutil.TestProject(t).
		WithMigrations(map[string]string{
			"schema/1.create.sql": "CREATE TABLE users(id int, name text);",
			"schema/2.seed.sql":   "INSERT INTO users VALUES (1, 'root');\n-->\nINSERT INTO users VALUES (2, 'guest');",
		}).
		WithChangelogs("schema")

	db := filepath.Join(t.TempDir(), "app.db")
	args := []string{"--url", "sqlite://" + db, "--changelog", fixture.GetChangelogPath()}

	out, err := runCommand(t, nil, args)
	require.NoError(t, err)
	require.Contains(t, out, "Datasource app.db:")
	require.Contains(t, out, "✅ "+fixture.Path("schema/1.create.sql"))
	require.Contains(t, out, "(2 queries)")
	require.Contains(t, out, "Summary: 2 applied, 0 skipped, 0 ignored, 0 failed")
	require.Equal(t, 2, countRows(t, db, "users"))

	out, err = runCommand(t, nil, args)
	require.NoError(t, err)
	require.Contains(t, out, "⏭  "+fixture.Path("schema/2.seed.sql")+" (already applied)")
	require.Contains(t, out, "Summary: 0 applied, 2 skipped, 0 ignored, 0 failed")
	require.Equal(t, 2, countRows(t, db, "users"))
}

func TestRunCommand_ConfigAndProperties(t *testing.T) {
	fixture := testutil.TestProject(t).
		WithMigrations(map[string]string{
			"schema/1.create.sql": "CREATE TABLE {{ table }}(id int);",
		}).
		WithChangelogs("schema").
		WithFile("datasources.yml", `
datasources:
  - name: first
    url: sqlite://{{ dir }}/first.db
  - name: second
    url: sqlite://{{ dir }}/second.db
`)

	dir := t.TempDir()
	out, err := runCommand(t,
		[]string{
			"--env", "dir=" + dir,
			"--env", "table=widgets",
			"--config", fixture.Path("datasources.yml"),
		},
		[]string{"--changelog", fixture.GetChangelogPath()},
	)
	require.NoError(t, err)
	require.Contains(t, out, "Datasource first:")
	require.Contains(t, out, "Datasource second:")
	require.Contains(t, out, "Summary: 2 applied, 0 skipped, 0 ignored, 0 failed")
	require.Equal(t, 0, countRows(t, filepath.Join(dir, "first.db"), "widgets"))
	require.Equal(t, 0, countRows(t, filepath.Join(dir, "second.db"), "widgets"))
}

func TestRunCommand_Stages(t *testing.T) {
	fixture := testutil.TestProject(t).
		WithMigrations(map[string]string{
			"schema/1.create.sql": "CREATE TABLE a(id int);",
			"seed/1.seed.sql":     "CREATE TABLE b(id int);",
			"views/1.view.sql":    "CREATE TABLE c(id int);",
		}).
		WithChangelogs("schema", "seed", "views")

	db := filepath.Join(t.TempDir(), "app.db")
	out, err := runCommand(t, nil, []string{
		"--url", "sqlite://" + db,
		"--changelog", fixture.GetChangelogPath(),
		"--stage", "views",
		"-s", "schema",
	})
	require.NoError(t, err)
	require.Contains(t, out, fixture.Path("schema/1.create.sql"))
	require.Contains(t, out, fixture.Path("views/1.view.sql"))
	require.NotContains(t, out, fixture.Path("seed/1.seed.sql"))
	require.Contains(t, out, "Summary: 2 applied")
}

func TestRunCommand_Drift(t *testing.T) {
	fixture := testutil.TestProject(t).
		WithMigrations(map[string]string{
			"schema/1.create.sql": "CREATE TABLE a(id int);",
		}).
		WithChangelogs("schema")

	db := filepath.Join(t.TempDir(), "app.db")
	args := []string{"--url", "sqlite://" + db, "--changelog", fixture.GetChangelogPath()}

	_, err := runCommand(t, nil, args)
	require.NoError(t, err)

	fixture.WithFile("schema/1.create.sql", "CREATE TABLE a(id bigint);")
	out, err := runCommand(t, nil, args)
	require.Error(t, err)
	require.True(t, errors.Is(err, driver.ErrHashMismatch), "unexpected error: %v", err)
	require.Contains(t, out, "❌ "+fixture.Path("schema/1.create.sql")+" failed")
	require.Contains(t, out, "Summary: 0 applied, 0 skipped, 0 ignored, 1 failed")
}

func TestRunCommand_Errors(t *testing.T) {
	fixture := testutil.TestProject(t).
		WithMigrations(map[string]string{"schema/1.create.sql": "CREATE TABLE a(id int);"}).
		WithChangelogs("schema")

	db := "sqlite://" + filepath.Join(t.TempDir(), "app.db")

	tests := []struct {
		name     string
		rootArgs []string
		args     []string
		target   error
	}{
		{
			name:   "no datasource",
			args:   []string{"--changelog", fixture.GetChangelogPath()},
			target: config.ErrConfig,
		},
		{
			name:     "malformed property",
			rootArgs: []string{"--env", "oops"},
			args:     []string{"--url", db, "--changelog", fixture.GetChangelogPath()},
			target:   config.ErrConfig,
		},
		{
			name:   "unsupported scheme",
			args:   []string{"--url", "mysql://localhost/app", "--changelog", fixture.GetChangelogPath()},
			target: driver.ErrUnsupportedDriver,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCommand(t, tt.rootArgs, tt.args)
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.target), "unexpected error: %v", err)
		})
	}

	t.Run("missing changelog", func(t *testing.T) {
		_, err := runCommand(t, nil, []string{"--url", db, "--changelog", fixture.Path("missing.yml")})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to load changelogs")
	})
}

func TestRunCommand_Flags(t *testing.T) {
	cmd, err := testutil.ParseCommandFlags(t, run(runParams{Version: &Version{}}), []string{
		"-u", " sqlite:///tmp/app.db ",
		"--stage", "schema",
		"--stage", "views",
	})
	require.NoError(t, err)
	require.Equal(t, "sqlite:///tmp/app.db", cmd.String("url"))
	require.Equal(t, "changelogs.yml", cmd.String("changelog"))
	require.Equal(t, []string{"schema", "views"}, cmd.StringSlice("stage"))
}
