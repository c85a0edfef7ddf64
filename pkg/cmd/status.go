package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/runner"
	"github.com/urfave/cli/v3"
)

// status creates the status command, which prints the resolved changelog tree.
//
// Templates are resolved with the --env properties, exactly as they would be for
// run, so the printed hashes are the ones that would be recorded. No datasource is
// contacted.
//
// Example usage:
//
//	rmig status
//	rmig --env admin=root status --changelog db/changelogs.yml --stage schema
func status() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the migrations a run would process",
		Description: `Load the changelog file and print every changelog with its migration tree.

Each migration line shows the order prefix, the file path, the content hash and the
number of queries it contains.`,
		Flags: []cli.Flag{
			changelogFlag(),
			stageFlag(),
		},
		Action: runStatus,
	}
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	props, err := properties(cmd)
	if err != nil {
		return err
	}

	cl, err := runner.New(runner.Config{}).Load(runner.Options{
		ChangelogPath: cmd.String("changelog"),
		Properties:    props,
		Stages:        cmd.StringSlice("stage"),
	})
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	if len(cl.Changelogs) == 0 {
		fmt.Fprintln(w, "No changelogs to process")
		return nil
	}

	if _, err := cl.WriteTo(w); err != nil {
		return errors.Wrap(err, "failed to write changelogs")
	}

	return nil
}
