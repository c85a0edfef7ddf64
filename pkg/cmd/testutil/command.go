package testutil

import (
	"bytes"
	"context"
	"testing"

	"github.com/urfave/cli/v3"
)

// App describes the root application a command under test is mounted on.
type App struct {
	// Flags are the root (global) flags
	Flags []cli.Flag

	// Args are root arguments placed before the command name
	Args []string
}

// RunCommand executes a command with test context and returns everything written
// to the application's Writer and ErrWriter.
func RunCommand(t *testing.T, command *cli.Command, args []string) (string, error) {
	t.Helper()
	return App{}.Run(context.Background(), t, command, args)
}

// RunCommandWithContext executes a command with a custom context
func RunCommandWithContext(ctx context.Context, t *testing.T, command *cli.Command, args []string) (string, error) {
	t.Helper()
	return App{}.Run(ctx, t, command, args)
}

// Run executes command under a test application built from a.
func (a App) Run(ctx context.Context, t *testing.T, command *cli.Command, args []string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	app := &cli.Command{
		Name:      "test",
		Flags:     a.Flags,
		Commands:  []*cli.Command{command},
		Writer:    &out,
		ErrWriter: &out,
	}

	fullArgs := append([]string{"test"}, a.Args...)
	fullArgs = append(fullArgs, command.Name)
	fullArgs = append(fullArgs, args...)

	err := app.Run(ctx, fullArgs)
	return out.String(), err
}

// ParseCommandFlags parses command line flags for a command without running its action
func ParseCommandFlags(t *testing.T, command *cli.Command, args []string) (*cli.Command, error) {
	t.Helper()

	// Create a copy of the command with a no-op action
	cmdCopy := &cli.Command{
		Name:  command.Name,
		Flags: command.Flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return nil
		},
	}

	app := &cli.Command{
		Name:     "test",
		Commands: []*cli.Command{cmdCopy},
	}

	if err := app.Run(context.Background(), append([]string{"test", command.Name}, args...)); err != nil {
		return nil, err
	}

	return cmdCopy, nil
}
