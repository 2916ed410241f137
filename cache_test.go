package molten

import (
	"os"
	"path"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCache_WithDirName(t *testing.T) {
	dir := t.TempDir()

	c := &cache{}
	require.NoError(t, c.withDirName(dir, "1.2.3"))
	require.NotNil(t, c.backend())

	// Entries land in a subdirectory tied to version, architecture and OS.
	versioned := path.Join(dir, "molten-1.2.3-"+runtime.GOARCH+"-"+runtime.GOOS)
	st, err := os.Stat(versioned)
	require.NoError(t, err)
	require.True(t, st.IsDir())

	require.NoError(t, c.Close(testCtx))
	require.Nil(t, c.backend())
}

func TestCache_WithDirName_missingDir(t *testing.T) {
	// A directory that does not exist yet is created on the way.
	dir := path.Join(t.TempDir(), "a", "b")

	c := NewCache()
	require.NoError(t, c.WithDirName(dir))
	defer c.Close(testCtx)

	st, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, st.IsDir())
}

func TestCache_WithDirName_fileInTheWay(t *testing.T) {
	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte{1}, 0o600))

	c := NewCache()
	err := c.WithDirName(file)
	require.EqualError(t, err, file+" is not dir")
}

func TestCache_WithDatabasePath(t *testing.T) {
	// The parent directory is created along with the database file.
	dbPath := filepath.Join(t.TempDir(), "molten", "artifacts.db")

	c := NewCache()
	require.NoError(t, c.WithDatabasePath(dbPath))
	require.NotNil(t, c.backend())

	st, err := os.Stat(dbPath)
	require.NoError(t, err)
	require.False(t, st.IsDir())

	// Close releases the file lock and drops the backend.
	require.NoError(t, c.Close(testCtx))
	require.Nil(t, c.backend())

	// The file stays behind for the next cache over the same path.
	c2 := NewCache()
	require.NoError(t, c2.WithDatabasePath(dbPath))
	require.NoError(t, c2.Close(testCtx))
}

func TestCache_singleBackend(t *testing.T) {
	tests := []struct {
		name      string
		configure func(c Cache, dir string) error
	}{
		{"dir then dir", func(c Cache, dir string) error {
			return c.WithDirName(dir)
		}},
		{"dir then database", func(c Cache, dir string) error {
			return c.WithDatabasePath(filepath.Join(dir, "artifacts.db"))
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			c := NewCache()
			require.NoError(t, c.WithDirName(dir))
			defer c.Close(testCtx)

			err := tc.configure(c, dir)
			require.EqualError(t, err, "cache backend is already configured")
		})
	}
}

func TestCache_CloseUnconfigured(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Close(testCtx))
	require.NoError(t, c.Close(testCtx))
}
