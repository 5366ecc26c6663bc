package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sdi.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
