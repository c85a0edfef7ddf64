package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/config"
	"github.com/pseudomuto/rmig/pkg/consts"
	"github.com/pseudomuto/rmig/pkg/driver"
	"github.com/pseudomuto/rmig/pkg/runner"
	"github.com/urfave/cli/v3"
	"go.uber.org/fx"
)

type runParams struct {
	fx.In

	Version *Version
}

// run creates the run command which applies pending migrations.
//
// Datasources come from the global --config file or, when it is not given, from
// --url. Each datasource is opened through the driver registered for its URL
// scheme, with the --env properties merged into its own properties.
//
// Command flags:
//   - --url, -u: a single datasource URL
//   - --changelog: the changelog file (defaults to changelogs.yml)
//   - --stage, -s: only run the named changelog (repeatable)
//
// Example usage:
//
//	# Apply everything to a local SQLite database
//	rmig run --url sqlite:///var/lib/app/app.db
//
//	# Apply the schema and views changelogs to every configured datasource
//	rmig --config datasources.yml run --stage schema --stage views
func run(p runParams) *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"migrate"},
		Usage:   "Apply pending migrations to the configured datasources",
		Description: `Apply every migration that has not been recorded yet.

Datasources are migrated one at a time. For each one rmig creates the bookkeeping
table when needed, takes a lock so concurrent runs are serialized, then walks every
changelog depth-first. Migrations already recorded with the same content hash are
skipped. A recorded migration whose content changed stops the run, as does any
failing query; the failing migration is rolled back as a whole.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Aliases: []string{"u"},
				Usage:   "the datasource URL, used when no --config is given",
				Sources: cli.EnvVars("RMIG_URL"),
				Config: cli.StringConfig{
					TrimSpace: true,
				},
			},
			changelogFlag(),
			stageFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runMigrations(ctx, cmd, p)
		},
	}
}

func runMigrations(ctx context.Context, cmd *cli.Command, p runParams) error {
	props, err := properties(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadDatasources(cmd, props)
	if err != nil {
		return err
	}

	slog.Info("Starting migration run",
		"version", p.Version.Version,
		"changelog", cmd.String("changelog"),
		"stages", cmd.StringSlice("stage"),
		"datasources", len(cfg.Datasources),
	)

	drivers, err := openDrivers(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDrivers(drivers)

	report, err := runner.New(runner.Config{Drivers: drivers}).Run(ctx, runner.Options{
		ChangelogPath: cmd.String("changelog"),
		Properties:    props,
		Stages:        cmd.StringSlice("stage"),
	})
	if report != nil {
		reportResults(cmd.Root().Writer, report)
	}

	return err
}

func loadDatasources(cmd *cli.Command, props map[string]string) (*config.Config, error) {
	if path := cmd.String("config"); path != "" {
		if cmd.String("url") != "" {
			slog.Warn("Ignoring --url since a datasource config was given", "config", path)
		}

		return config.LoadConfigFile(path, props)
	}

	return config.FromURL(cmd.String("url"), props)
}

func openDrivers(ctx context.Context, cfg *config.Config) ([]driver.Driver, error) {
	drivers := make([]driver.Driver, 0, len(cfg.Datasources))
	for _, ds := range cfg.Datasources {
		drv, err := driver.Open(ctx, ds, slog.Default())
		if err != nil {
			closeDrivers(drivers)
			return nil, errors.Wrapf(err, "failed to open datasource %s", ds)
		}

		slog.Debug("Opened datasource", "datasource", drv.Name())
		drivers = append(drivers, drv)
	}

	return drivers, nil
}

func closeDrivers(drivers []driver.Driver) {
	for _, drv := range drivers {
		if err := drv.Close(); err != nil {
			slog.Warn("Failed to close datasource", "datasource", drv.Name(), "error", err)
		}
	}
}

func reportResults(w io.Writer, report *runner.Report) {
	var applied, skipped, ignored, failed int

	for _, ds := range report.Datasources {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Datasource %s:\n", ds.Name)

		if len(ds.Results) == 0 {
			fmt.Fprintln(w, "  (no migrations)")
		}

		for _, result := range ds.Results {
			switch result.Status {
			case runner.StatusSuccess:
				fmt.Fprintf(w, "  ✅ %s applied in %v (%d queries)\n",
					result.Migration,
					result.ExecutionTime,
					result.QueriesApplied,
				)
				applied++

			case runner.StatusSkipped:
				fmt.Fprintf(w, "  ⏭  %s (already applied)\n", result.Migration)
				skipped++

			case runner.StatusIgnored:
				fmt.Fprintf(w, "  ⚠️  %s (not checked: %v)\n", result.Migration, result.Error)
				ignored++

			case runner.StatusFailed:
				fmt.Fprintf(w, "  ❌ %s failed\n", result.Migration)
				if result.Error != nil {
					fmt.Fprintf(w, "     Error: %v\n", result.Error)
				}
				failed++
			}
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Summary: %d applied, %d skipped, %d ignored, %d failed\n", applied, skipped, ignored, failed)
}

func changelogFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "changelog",
		Usage: "the changelog file",
		Value: consts.DefaultChangelogFile,
		Config: cli.StringConfig{
			TrimSpace: true,
		},
	}
}

func stageFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "stage",
		Aliases: []string{"s"},
		Usage:   "only process the named changelog (repeatable)",
	}
}
