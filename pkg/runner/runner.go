package runner

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/changelog"
	"github.com/pseudomuto/rmig/pkg/consts"
	"github.com/pseudomuto/rmig/pkg/driver"
)

type (
	// Runner applies changelogs to one or more datastores.
	//
	// Datastores are migrated sequentially. For each one the runner makes sure the
	// bookkeeping table exists, takes the advisory lock, walks every changelog tree
	// depth-first and applies each migration that has not been recorded yet. The lock
	// is released on teardown even when the run fails.
	//
	// Example usage:
	//
	//	drv, err := driver.Open(ctx, &driver.Properties{URL: url}, slog.Default())
	//	if err != nil {
	//		log.Fatal(err)
	//	}
	//	defer func() { _ = drv.Close() }()
	//
	//	report, err := runner.New(runner.Config{
	//		Drivers: []driver.Driver{drv},
	//	}).Run(ctx, runner.Options{
	//		ChangelogPath: "changelogs.yml",
	//		Stages:        []string{"schema"},
	//	})
	//	if err != nil {
	//		log.Fatal(err)
	//	}
	//
	//	for _, ds := range report.Datasources {
	//		fmt.Printf("%s: %d applied\n", ds.Name, len(ds.Executed()))
	//	}
	Runner struct {
		drivers    []driver.Driver
		readerOpts []changelog.ReaderOption
		logger     *slog.Logger
	}

	// Config contains configuration options for creating a new Runner.
	Config struct {
		// Drivers are migrated in order
		Drivers []driver.Driver

		// ReaderOptions are passed to the changelog reader
		ReaderOptions []changelog.ReaderOption

		// Logger defaults to slog.Default()
		Logger *slog.Logger
	}

	// Options describe a single run.
	Options struct {
		// ChangelogPath is the changelog file to load
		ChangelogPath string

		// Properties are the initial template context. A query_separator entry
		// overrides the default query separator, unless a driver brings the
		// separator of its own datasource (driver.QuerySeparator).
		Properties map[string]string

		// Stages restricts the run to the named changelogs. Empty runs all of them.
		Stages []string
	}

	// Report describes what a run did.
	Report struct {
		// RunID identifies the run in logs
		RunID string

		// Changelogs are the loaded (and stage filtered) changelogs
		Changelogs *changelog.Changelogs

		// Datasources has one entry per driver that was started
		Datasources []*DatasourceReport
	}

	// DatasourceReport holds the results of one driver.
	DatasourceReport struct {
		Name    string
		Results []*ExecutionResult
	}

	// ExecutionResult contains the result of applying a single migration.
	ExecutionResult struct {
		// Changelog is the name of the changelog the migration belongs to
		Changelog string

		// Migration is the migration name (its path)
		Migration string

		// Status indicates the outcome
		Status ExecutionStatus

		// Error contains any error that occurred
		Error error

		// ExecutionTime records how long the migration took to execute
		ExecutionTime time.Duration

		// QueriesApplied is the number of non-blank queries executed
		QueriesApplied int
	}

	// ExecutionStatus represents the outcome of a migration.
	ExecutionStatus string
)

const (
	// StatusSuccess indicates the migration was executed and recorded
	StatusSuccess ExecutionStatus = "success"

	// StatusFailed indicates the migration failed or has drifted
	StatusFailed ExecutionStatus = "failed"

	// StatusSkipped indicates the migration was already applied
	StatusSkipped ExecutionStatus = "skipped"

	// StatusIgnored indicates the bookkeeping lookup failed with an error that is
	// not a driver error kind and the migration was left alone
	StatusIgnored ExecutionStatus = "ignored"
)

// New creates a new Runner with the provided configuration.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		drivers:    cfg.Drivers,
		readerOpts: cfg.ReaderOptions,
		logger:     logger,
	}
}

// Run loads the changelog file and applies it to every configured driver.
//
// Loading errors are returned before any datastore is touched. A failure while
// migrating a datastore (lock, drift, execution) stops the whole run; the returned
// Report still describes everything done up to that point.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID)

	sep := opts.separator()
	cl, err := r.load(logger, opts, sep)
	if err != nil {
		return nil, err
	}

	loaded := map[string]*changelog.Changelogs{sep: cl}
	report := &Report{RunID: runID, Changelogs: cl}
	for _, drv := range r.drivers {
		dsLogger := logger.With("datasource", drv.Name())

		dcl, err := r.changelogsFor(dsLogger, drv, opts, loaded)
		if err != nil {
			return report, err
		}

		ds := &DatasourceReport{Name: drv.Name()}
		report.Datasources = append(report.Datasources, ds)

		if err := r.migrate(ctx, dsLogger, drv, dcl, ds); err != nil {
			return report, errors.Wrapf(err, "failed to migrate %s", drv.Name())
		}

		dsLogger.Info("Datasource up to date",
			"executed", len(ds.Executed()),
			"skipped", len(ds.Skipped()),
		)
	}

	return report, nil
}

// Load reads and stage-filters the changelog file described by opts without
// touching any datastore.
func (r *Runner) Load(opts Options) (*changelog.Changelogs, error) {
	return r.load(r.logger, opts, opts.separator())
}

// changelogsFor returns the changelogs split with the separator drv's datasource
// uses, reading the file again the first time a new separator shows up.
func (r *Runner) changelogsFor(
	logger *slog.Logger,
	drv driver.Driver,
	opts Options,
	loaded map[string]*changelog.Changelogs,
) (*changelog.Changelogs, error) {
	sep := opts.separator()
	if qs, ok := drv.(driver.QuerySeparator); ok && qs.QuerySeparator() != "" {
		sep = qs.QuerySeparator()
	}

	if cl, ok := loaded[sep]; ok {
		return cl, nil
	}

	logger.Debug("Reloading changelogs with datasource query separator", "separator", sep)
	cl, err := r.load(logger, opts, sep)
	if err != nil {
		return nil, err
	}

	loaded[sep] = cl
	return cl, nil
}

func (r *Runner) load(logger *slog.Logger, opts Options, sep string) (*changelog.Changelogs, error) {
	path := opts.ChangelogPath
	if path == "" {
		path = consts.DefaultChangelogFile
	}

	readerOpts := append([]changelog.ReaderOption{
		changelog.WithLogger(logger),
		changelog.WithProperties(opts.Properties),
	}, r.readerOpts...)

	if sep != "" {
		readerOpts = append(readerOpts, changelog.WithSeparator(sep))
	}

	cl, err := changelog.NewReader(readerOpts...).ReadChangelogsFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load changelogs from %s", path)
	}

	cl.FilterByStage(opts.Stages)
	logger.Debug("Loaded changelogs", "path", path, "changelogs", len(cl.Changelogs))

	return cl, nil
}

func (r *Runner) migrate(
	ctx context.Context,
	logger *slog.Logger,
	drv driver.Driver,
	cl *changelog.Changelogs,
	ds *DatasourceReport,
) error {
	if err := drv.CheckCoreTable(ctx); err != nil {
		logger.Info("Core table not found, creating it", "reason", err)
		if err := drv.CreateCoreTable(ctx); err != nil {
			return errors.Wrap(err, "failed to create core table")
		}
	}

	if err := drv.Lock(ctx); err != nil {
		return errors.Wrap(err, "failed to acquire lock")
	}

	defer func() {
		// a cancelled run still releases the lock
		if err := drv.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to release lock", "error", err)
		}
	}()

	for _, c := range cl.Changelogs {
		if c.Tree == nil {
			continue
		}

		clLogger := logger.With("changelog", c.Name)
		err := c.Tree.Walk(func(m *changelog.Migration) error {
			result, err := r.apply(ctx, clLogger, drv, m)
			result.Changelog = c.Name
			ds.Results = append(ds.Results, result)
			return err
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) apply(
	ctx context.Context,
	logger *slog.Logger,
	drv driver.Driver,
	m *changelog.Migration,
) (*ExecutionResult, error) {
	result := &ExecutionResult{Migration: m.Name}

	err := drv.FindInCoreTable(ctx, m.Name, m.Hash)
	switch {
	case err == nil:
		result.Status = StatusSkipped
		logger.Info("Migration already applied", "migration", m.Name)
		return result, nil

	case errors.Is(err, driver.ErrHashMismatch):
		result.Status = StatusFailed
		result.Error = err
		logger.Error("Migration changed after it was applied", "migration", m.Name, "hash", m.Hash)
		return result, err

	case errors.Is(err, driver.ErrRow):
		// not applied yet

	case driver.Kind(err) != nil:
		result.Status = StatusFailed
		result.Error = err
		logger.Error("Failed to look up migration", "migration", m.Name, "error", err)
		return result, errors.Wrapf(err, "failed to look up %s", m.Name)

	default:
		result.Status = StatusIgnored
		result.Error = err
		logger.Warn("Unexpected lookup error, leaving migration alone", "migration", m.Name, "error", err)
		return result, nil
	}

	start := time.Now()
	if err := drv.Migrate(ctx, m.Queries); err != nil {
		result.Status = StatusFailed
		result.Error = err
		result.ExecutionTime = time.Since(start)
		return result, errors.Wrapf(err, "failed to execute %s", m.Name)
	}

	if err := drv.AddNewMigration(ctx, m); err != nil {
		result.Status = StatusFailed
		result.Error = err
		result.ExecutionTime = time.Since(start)
		return result, errors.Wrapf(err, "failed to record %s", m.Name)
	}

	result.Status = StatusSuccess
	result.ExecutionTime = time.Since(start)
	for _, q := range m.Queries {
		if strings.TrimSpace(q.Query) != "" {
			result.QueriesApplied++
		}
	}

	logger.Info("Applied migration",
		"migration", m.Name,
		"queries", result.QueriesApplied,
		"duration", result.ExecutionTime,
	)

	return result, nil
}

// separator returns the query_separator property, or "" to keep the reader default.
func (o Options) separator() string {
	return o.Properties[consts.QuerySeparatorProperty]
}

// Executed returns the names of the migrations applied by this run, in order.
func (d *DatasourceReport) Executed() []string {
	return d.names(StatusSuccess)
}

// Skipped returns the names of the migrations that were already applied.
func (d *DatasourceReport) Skipped() []string {
	return d.names(StatusSkipped)
}

func (d *DatasourceReport) names(status ExecutionStatus) []string {
	var out []string
	for _, r := range d.Results {
		if r.Status == status {
			out = append(out, r.Migration)
		}
	}

	return out
}
