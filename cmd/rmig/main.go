package main

import (
	"context"
	"os"
	"time"

	"github.com/pseudomuto/rmig/pkg/cmd"
	"go.uber.org/fx"
)

// NB: These are set by GoReleaser during a build.
var (
	version string
	commit  string
	date    string
)

// migrations run inside the CLI start hook, so the start timeout bounds a whole run
const startTimeout = 24 * time.Hour

func main() {
	fx.New(
		fx.NopLogger,
		fx.StartTimeout(startTimeout),
		fx.Supply(
			os.Args,
			&cmd.Version{
				Version:   version,
				Commit:    commit,
				Timestamp: date,
			},
		),
		fx.Provide(context.Background),
		cmd.Module,
	).Run()
}
