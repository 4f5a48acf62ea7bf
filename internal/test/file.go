package test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteFile writes a file into a temporary directory removed with the test,
// and returns its path.
func WriteFile(t testing.TB, name string, byts []byte) string {
	fpath := filepath.Join(t.TempDir(), name)
	err := os.WriteFile(fpath, byts, 0o644)
	require.NoError(t, err)
	return fpath
}
