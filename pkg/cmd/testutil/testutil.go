package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pseudomuto/rmig/pkg/consts"
	"github.com/stretchr/testify/require"
)

// ProjectFixture is a temporary directory holding a changelog file and its
// migrations.
type ProjectFixture struct {
	Dir string
	t   *testing.T
}

// TestProject creates an isolated temp directory for a changelog project.
func TestProject(t *testing.T) *ProjectFixture {
	t.Helper()
	return &ProjectFixture{Dir: t.TempDir(), t: t}
}

// WithFile writes content to name, relative to the project directory.
func (p *ProjectFixture) WithFile(name, content string) *ProjectFixture {
	p.t.Helper()

	path := p.Path(name)
	require.NoError(p.t, os.MkdirAll(filepath.Dir(path), consts.ModeDir))
	require.NoError(p.t, os.WriteFile(path, []byte(content), consts.ModeFile))
	return p
}

// WithMigrations writes the given files (relative path -> content).
func (p *ProjectFixture) WithMigrations(files map[string]string) *ProjectFixture {
	p.t.Helper()

	for name, content := range files {
		p.WithFile(name, content)
	}

	return p
}

// WithChangelogs writes the changelog file declaring one changelog per name, each
// reading the directory of the same name.
func (p *ProjectFixture) WithChangelogs(names ...string) *ProjectFixture {
	p.t.Helper()

	var sb strings.Builder
	sb.WriteString("changelogs:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "  - name: %s\n    directory: %s\n", name, filepath.Join(p.Dir, name, "*"))
	}

	return p.WithFile(consts.DefaultChangelogFile, sb.String())
}

// Path returns the absolute path of name within the project.
func (p *ProjectFixture) Path(name string) string {
	return filepath.Join(p.Dir, name)
}

// GetChangelogPath returns the path of the changelog file.
func (p *ProjectFixture) GetChangelogPath() string {
	return p.Path(consts.DefaultChangelogFile)
}
