package changelog

import (
	"cmp"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/pseudomuto/rmig/pkg/consts"
	"github.com/pseudomuto/rmig/pkg/template"
	"gopkg.in/yaml.v3"
)

type (
	// Reader discovers and parses changelogs, migration trees and migration files.
	//
	// A Reader carries the template context used to resolve files. A nil context
	// means no template resolution takes place.
	Reader struct {
		separator        string
		params           map[string]string
		enumerationOrder bool
		logger           *slog.Logger
	}

	// ReaderOption configures a Reader.
	ReaderOption func(*Reader)
)

// WithSeparator sets the literal that splits a migration file into queries.
func WithSeparator(sep string) ReaderOption {
	return func(r *Reader) {
		if sep != "" {
			r.separator = sep
		}
	}
}

// WithProperties sets the template context used to resolve changelog and migration
// files. Passing nil disables template resolution.
func WithProperties(props map[string]string) ReaderOption {
	return func(r *Reader) {
		r.params = maps.Clone(props)
	}
}

// WithEnumerationOrder keeps the migrations of each directory in glob enumeration
// order instead of sorting them by their numeric order prefix.
func WithEnumerationOrder() ReaderOption {
	return func(r *Reader) {
		r.enumerationOrder = true
	}
}

// WithLogger sets the logger used for discovery diagnostics.
func WithLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReader creates a Reader using the default `-->` separator and no template
// context unless overridden by opts.
func NewReader(opts ...ReaderOption) *Reader {
	r := &Reader{
		separator: consts.DefaultQuerySeparator,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ReadChangelogsFile loads the changelog file at path. See ReadChangelogs.
//
// Example usage:
//
//	reader := changelog.NewReader(changelog.WithProperties(map[string]string{
//		"schema": "public",
//	}))
//
//	cl, err := reader.ReadChangelogsFile("changelogs.yml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	for _, c := range cl.Changelogs {
//		fmt.Printf("%s: %d migrations\n", c.Name, c.Tree.Count())
//	}
func (r *Reader) ReadChangelogsFile(path string) (*Changelogs, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to open changelog file %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	return r.ReadChangelogs(f)
}

// ReadChangelogs decodes a changelog document and builds the migration tree of every
// declared changelog.
//
// When the reader has a template context the document is resolved with it first.
// The document's own properties then extend (and override) that context, and the
// merged context is used to resolve every migration file.
func (r *Reader) ReadChangelogs(rd io.Reader) (*Changelogs, error) {
	raw, err := io.ReadAll(rd)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to read changelog: %v", err)
	}

	text := string(raw)
	if r.params != nil {
		text, err = template.Apply(consts.ChangelogTemplateID, text, r.params)
		if err != nil {
			return nil, err
		}
	}

	var cl Changelogs
	if err := yaml.Unmarshal([]byte(text), &cl); err != nil {
		return nil, errors.Wrapf(ErrParse, "failed to unmarshal changelog: %v", err)
	}

	tr := r.clone()
	if r.params != nil || len(cl.Properties) > 0 {
		merged := maps.Clone(r.params)
		if merged == nil {
			merged = make(map[string]string, len(cl.Properties))
		}
		maps.Copy(merged, cl.Properties)
		tr.params = merged
	}

	for _, c := range cl.Changelogs {
		if c.Directory == "" {
			return nil, errors.Wrapf(ErrParse, "changelog %s has no directory", c.Name)
		}

		dir, err := tr.ReadDirectory(c.Directory)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read changelog %s", c.Name)
		}
		c.Tree = dir
	}

	return &cl, nil
}

// ReadDirectory expands the glob pattern into a Directory tree. Regular files are
// parsed as migrations, directories are read recursively using `<dir>/*` and added
// as children in enumeration order.
func (r *Reader) ReadDirectory(pattern string) (*Directory, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to expand pattern %s: %v", pattern, err)
	}

	dir := &Directory{Name: pattern}
	for _, path := range paths {
		r.logger.Debug("Including path", "path", path)

		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "failed to stat %s: %v", path, err)
		}

		if info.IsDir() {
			child, err := r.ReadDirectory(path + "/*")
			if err != nil {
				return nil, err
			}
			dir.Children = append(dir.Children, child)
			continue
		}

		m, err := r.ReadMigration(path)
		if err != nil {
			return nil, err
		}
		dir.Migrations = append(dir.Migrations, m)
	}

	if !r.enumerationOrder {
		slices.SortStableFunc(dir.Migrations, func(a, b *Migration) int {
			return cmp.Compare(a.Order, b.Order)
		})
	}

	return dir, nil
}

// ReadMigration parses the migration file at path.
//
// The file text is resolved through the template context (if any) using the file's
// base name as template id, hashed, and split into queries on the separator. The
// base name must look like <order>.<label>.<ext> where order is a signed integer.
//
// Example usage:
//
//	m, err := changelog.NewReader().ReadMigration("migrations/1.init.sql")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("%s (order %d, hash %s)\n", m.Name, m.Order, m.Hash)
//	for _, q := range m.Queries {
//		fmt.Println(q.Query)
//	}
func (r *Reader) ReadMigration(path string) (*Migration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to read migration %s: %v", path, err)
	}

	name := strings.TrimSpace(filepath.Base(path))
	sql := string(raw)
	if r.params != nil {
		sql, err = template.Apply(name, sql, r.params)
		if err != nil {
			return nil, err
		}
	}

	sum := md5.Sum([]byte(sql))
	hash := hex.EncodeToString(sum[:])

	segments := strings.Split(name, ".")
	if len(segments) < 2 {
		return nil, errors.Wrapf(ErrParse, "migration %s has no extension", name)
	}

	order, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(
			ErrFileParse,
			"migration %s has no order prefix, use <order>.<name>.<ext> (e.g. 1.init.sql)",
			name,
		)
	}

	r.logger.Debug("Reading migration", "file", name)

	blocks := strings.Split(sql, r.separator)
	queries := make([]*Query, 0, len(blocks))

	var global *QueryOptions
	for _, block := range blocks {
		q, err := r.ReadQuery(block)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read query in %s", name)
		}

		if q.Opts.Global {
			opts := q.Opts
			global = &opts
		}

		if global != nil {
			q.Opts = *global
		}

		queries = append(queries, q)
	}

	return &Migration{
		Name:    path,
		Hash:    hash,
		Order:   order,
		Queries: queries,
	}, nil
}

// ReadQuery parses one query block. A block whose first line starts with
// `--rmig--` and that has more than one line carries JSON options on that line;
// the remaining lines form the query. Any other block is a query with default
// options.
func (r *Reader) ReadQuery(text string) (*Query, error) {
	text = strings.TrimSpace(text)

	opts, ok, err := readOptions(text)
	if err != nil {
		return nil, err
	}

	if !ok {
		return &Query{Query: text}, nil
	}

	lines := strings.Split(text, "\n")
	return &Query{
		Query: strings.Join(lines[1:], "\n"),
		Opts:  opts,
	}, nil
}

func readOptions(text string) (QueryOptions, bool, error) {
	var opts QueryOptions
	if !strings.HasPrefix(text, consts.OptionsSentinel) {
		return opts, false, nil
	}

	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return opts, false, nil
	}

	header := strings.TrimSpace(strings.Replace(lines[0], consts.OptionsSentinel, "", 1))
	if err := json.Unmarshal([]byte(header), &opts); err != nil {
		return opts, false, errors.Wrapf(ErrFileParse, "failed to parse query options %q: %v", header, err)
	}

	return opts, true, nil
}

func (r *Reader) clone() *Reader {
	c := *r
	c.params = maps.Clone(r.params)
	return &c
}
