package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/config"
	"github.com/urfave/cli/v3"
	"go.uber.org/fx"

	// datastore backends register themselves with the driver factory
	_ "github.com/pseudomuto/rmig/pkg/driver/postgres"
	_ "github.com/pseudomuto/rmig/pkg/driver/sqlite"
)

type (
	Params struct {
		fx.In

		Args       []string
		Commands   []*cli.Command `group:"commands"`
		Ctx        context.Context
		Lifecycle  fx.Lifecycle
		Shutdowner fx.Shutdowner
		Version    *Version
	}

	Version struct {
		Version   string
		Commit    string
		Timestamp string
	}
)

// Run creates the rmig CLI application and registers a start hook that executes
// it with the process arguments. The fx application is shut down with exit code 1
// when the command fails and 0 otherwise.
//
// Global Flags:
//   - --logging-level, -l: debug, info, warn or error (defaults to info)
//   - --env, -e: KEY=VALUE template property, repeatable
//   - --config, -c: datasource configuration file
//
// Example usage:
//
//	rmig --env schema=app run --url postgres://rmig@localhost:5432/app
//	rmig -c datasources.yml run --stage schema --stage views
//	rmig --env admin=root status --changelog db/changelogs.yml
func Run(p Params) {
	app := newApp(p.Version, p.Commands)

	p.Lifecycle.Append(fx.StartHook(func() {
		if err := app.Run(p.Ctx, p.Args); err != nil {
			slog.Error("Error running command", "err", err)
			_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
			return
		}

		_ = p.Shutdowner.Shutdown(fx.ExitCode(0))
	}))
}

func newApp(v *Version, commands []*cli.Command) *cli.Command {
	cli.VersionPrinter = func(cmd *cli.Command) {
		fmt.Fprintln(cmd.Writer, "Version:", v.Version)
		fmt.Fprintln(cmd.Writer, "Commit:", v.Commit)
		fmt.Fprintln(cmd.Writer, "Date:", v.Timestamp)
	}

	return &cli.Command{
		Name:  "rmig",
		Usage: "A tool for applying versioned SQL changelogs",
		Description: `rmig applies ordered SQL migration files, grouped into changelogs, to one or
more datastores. Every applied migration is recorded with its content hash in a
bookkeeping table so each one runs exactly once, and edits to applied migrations
are detected and reported.`,
		Version:  v.Version,
		Flags:    globalFlags(),
		Before:   configureLogging,
		Commands: commands,
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "logging-level",
			Aliases: []string{"l"},
			Usage:   "the log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("RMIG_LOGGING_LEVEL"),
			Validator: func(s string) error {
				_, err := parseLevel(s)
				return err
			},
		},
		&cli.StringSliceFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "a KEY=VALUE property made available to templates (repeatable)",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "the datasource configuration file",
			Sources: cli.EnvVars("RMIG_CONFIG"),
			Config: cli.StringConfig{
				TrimSpace: true,
			},
		},
	}
}

func configureLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level, err := parseLevel(cmd.String("logging-level"))
	if err != nil {
		return ctx, err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.Root().ErrWriter, &slog.HandlerOptions{Level: level})))
	return ctx, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, errors.Errorf("invalid logging level %q, expected debug, info, warn or error", s)
	}

	return level, nil
}

// properties returns the --env properties, or nil when none were given.
func properties(cmd *cli.Command) (map[string]string, error) {
	return config.ParseProperties(cmd.StringSlice("env"))
}
