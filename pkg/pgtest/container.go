package pgtest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// DefaultPostgresPort is the port PostgreSQL listens on inside the container
	DefaultPostgresPort = 5432

	// DefaultVersion is the image tag used when Options.Version is empty
	DefaultVersion = "16"
)

type (
	// Options represents options for running PostgreSQL in Docker
	Options struct {
		// Version is the PostgreSQL version to run (default: 16)
		Version string

		// InitDir is an optional directory of *.sql/*.sh scripts mounted at
		// /docker-entrypoint-initdb.d (relative paths will be converted to absolute)
		InitDir string

		// Database, Username and Password default to "rmig"
		Database string
		Username string
		Password string
	}

	// Container manages a throwaway PostgreSQL container for integration tests
	Container struct {
		options   Options
		container *postgres.PostgresContainer
	}
)

// New creates a new container with default options
//
// Example:
//
//	container := pgtest.New()
//
//	if err := container.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer container.Stop(ctx)
//
//	dsn, _ := container.GetDSN()
func New() *Container {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a new container with custom options
//
// Example:
//
//	container := pgtest.NewWithOptions(pgtest.Options{
//		Version: "17",
//		InitDir: "testdata/initdb",
//	})
//
//	if err := container.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer container.Stop(ctx)
func NewWithOptions(opts Options) *Container {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.Database == "" {
		opts.Database = "rmig"
	}
	if opts.Username == "" {
		opts.Username = "rmig"
	}
	if opts.Password == "" {
		opts.Password = "rmig"
	}

	return &Container{options: opts}
}

// Start starts the PostgreSQL container and waits until it accepts connections
func (c *Container) Start(ctx context.Context) error {
	if c.container != nil {
		return errors.New("container is already running")
	}

	customizers := []testcontainers.ContainerCustomizer{
		postgres.WithDatabase(c.options.Database),
		postgres.WithUsername(c.options.Username),
		postgres.WithPassword(c.options.Password),
		testcontainers.WithWaitStrategyAndDeadline(
			2*time.Minute,
			// the server restarts once after running init scripts
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(nat.Port(fmt.Sprintf("%d/tcp", DefaultPostgresPort))),
		),
	}

	if c.options.InitDir != "" {
		absInitDir, err := filepath.Abs(c.options.InitDir)
		if err != nil {
			return errors.Wrapf(err, "failed to get absolute path for InitDir: %s", c.options.InitDir)
		}

		customizers = append(
			customizers,
			testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) {
				hostConfig.Mounts = []mount.Mount{
					{
						Type:     mount.TypeBind,
						Source:   absInitDir,
						Target:   "/docker-entrypoint-initdb.d",
						ReadOnly: true,
					},
				}
			}),
		)
	}

	pg, err := postgres.Run(ctx, fmt.Sprintf("postgres:%s-alpine", c.options.Version), customizers...)
	if err != nil {
		return errors.Wrap(err, "failed to start PostgreSQL container")
	}

	c.container = pg
	return nil
}

// Stop stops and removes the container
func (c *Container) Stop(ctx context.Context) error {
	if c.container == nil {
		return nil // Already stopped
	}

	err := c.container.Terminate(ctx)
	c.container = nil

	if err != nil {
		return errors.Wrap(err, "failed to stop PostgreSQL container")
	}

	return nil
}

// GetDSN returns a postgres:// URL for the running container
func (c *Container) GetDSN() (string, error) {
	if c.container == nil {
		return "", errors.New("container is not running")
	}

	dsn, err := c.container.ConnectionString(context.Background(), "sslmode=disable")
	if err != nil {
		return "", errors.Wrap(err, "failed to get connection string")
	}

	return dsn, nil
}

// IsRunning returns true if the container is currently running
func (c *Container) IsRunning() bool {
	return c.container != nil
}
