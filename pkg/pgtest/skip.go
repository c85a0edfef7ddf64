package pgtest

import (
	"os/exec"
	"testing"
)

// SkipIfNoDocker skips the test if Docker is not available
func SkipIfNoDocker(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("Docker not available")
	}

	// Check if Docker daemon is running
	cmd := exec.Command("docker", "ps")
	if err := cmd.Run(); err != nil {
		t.Skip("Docker daemon not running")
	}
}
