// Package cmd provides the CLI commands for the rmig tool.
//
// Commands are built as *cli.Command values (urfave/cli/v3) and registered with
// the application through the fx "commands" value group, see Module.
//
// # Available Commands
//
//   - run: apply pending migrations to one or more datasources
//   - status: print the resolved changelog tree without touching a datasource
//
// # Global Options
//
//   - --logging-level, -l: debug, info, warn or error (defaults to info)
//   - --env, -e: KEY=VALUE properties used to resolve templates, repeatable
//   - --config, -c: a datasource configuration file
//   - --help, -h: display command help
//   - --version: display version information
//
// # Example Usage
//
//	rmig run --url sqlite:///var/lib/app/app.db
//	rmig --env password=s3cr3t --config datasources.yml run --stage schema
//	rmig status --changelog db/changelogs.yml
//
// The process exits with status 1 when a command fails and 0 otherwise.
package cmd
