package changelog

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrIO is returned when a changelog, directory pattern, or migration file cannot be read.
	ErrIO = errors.New("io error")

	// ErrParse is returned when a changelog document cannot be decoded or a migration
	// file name has no extension segment.
	ErrParse = errors.New("parse error")

	// ErrFileParse is returned when a migration file name has no numeric order prefix
	// or a query block carries malformed options.
	ErrFileParse = errors.New("file parse error")
)

type (
	// Changelogs is the root of a changelog file: the declared changelogs and the
	// template properties they share.
	Changelogs struct {
		Changelogs []*Changelog       `yaml:"changelogs"`
		Properties map[string]string `yaml:"properties"`
	}

	// Changelog is a named, glob-scoped set of migration files.
	Changelog struct {
		// Name identifies the changelog and is matched against stages.
		Name string `yaml:"name"`

		// Directory is the glob pattern (e.g. migrations/*) the tree is read from.
		Directory string `yaml:"directory"`

		// Author is informational only.
		Author *string `yaml:"author,omitempty"`

		// Tree is the resolved migration tree. It is built once when the changelog
		// is loaded and read-only afterwards.
		Tree *Directory `yaml:"-"`
	}

	// Directory is one level of the discovered migration tree. A Directory owns its
	// migrations and child directories exclusively.
	Directory struct {
		// Name is the glob pattern this level was expanded from.
		Name string

		// Migrations are the files found at this level.
		Migrations []*Migration

		// Children are the subdirectories found at this level, in discovery order.
		Children []*Directory
	}

	// Migration is one parsed migration file.
	Migration struct {
		// Name is the full file path. It is the bookkeeping key.
		Name string

		// Hash is the hex md5 digest of the template-resolved file text.
		Hash string

		// Order is the signed integer prefix of the file name (the 1 in 1.init.sql).
		Order int64

		// Queries are executed in declaration order inside a single transaction.
		Queries []*Query

		// Options is reserved for migration-wide options and currently unused.
		Options *QueryOptions
	}

	// Query is a single executable block of a migration file.
	Query struct {
		Query string
		Opts  QueryOptions
	}

	// QueryOptions are declared in a `--rmig--{...}` header line of a query block.
	QueryOptions struct {
		HasRun    bool `json:"has_run"`
		RunAlways bool `json:"run_always"`

		// Global propagates these options to every following query in the same file.
		Global bool `json:"global"`
	}
)

// FilterByStage keeps only the changelogs whose name is listed in stages, preserving
// declaration order. An empty stage list keeps everything.
//
// Example usage:
//
//	cl, err := changelog.NewReader().ReadChangelogsFile("changelogs.yml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// run only the "schema" and "seed" changelogs
//	cl.FilterByStage([]string{"schema", "seed"})
func (c *Changelogs) FilterByStage(stages []string) *Changelogs {
	if len(stages) == 0 {
		return c
	}

	filtered := make([]*Changelog, 0, len(c.Changelogs))
	for _, cl := range c.Changelogs {
		if slices.Contains(stages, cl.Name) {
			filtered = append(filtered, cl)
		}
	}

	c.Changelogs = filtered
	return c
}

// WriteTo renders every changelog and its migration tree to w.
func (c *Changelogs) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	for _, cl := range c.Changelogs {
		fmt.Fprintf(&sb, "%s (%s)\n", cl.Name, cl.Directory)
		if cl.Tree != nil {
			cl.Tree.write(&sb, 1)
		}
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// Walk visits every migration depth-first: the migrations of this level in order,
// then each child directory recursively. Walking stops at the first error returned
// by fn, which is passed through unchanged.
func (d *Directory) Walk(fn func(*Migration) error) error {
	for _, m := range d.Migrations {
		if err := fn(m); err != nil {
			return err
		}
	}

	for _, child := range d.Children {
		if err := child.Walk(fn); err != nil {
			return err
		}
	}

	return nil
}

// Count returns the number of migrations in the tree.
func (d *Directory) Count() int {
	n := len(d.Migrations)
	for _, child := range d.Children {
		n += child.Count()
	}

	return n
}

// WriteTo renders the tree to w, one line per directory and migration.
func (d *Directory) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	d.write(&sb, 0)

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func (d *Directory) write(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%s%s\n", indent, d.Name)

	for _, m := range d.Migrations {
		fmt.Fprintf(sb, "%s  %d %s %s (%d queries)\n", indent, m.Order, m.Name, m.Hash, len(m.Queries))
	}

	for _, child := range d.Children {
		child.write(sb, depth+1)
	}
}
