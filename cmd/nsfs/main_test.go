package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/andrewchambers/nsfs"
	"github.com/stretchr/testify/require"
)

func TestSplitPath(t *testing.T) {
	for _, tc := range []struct {
		path, dir, name string
	}{
		{"a", "", "a"},
		{"/a", "", "a"},
		{"/a/b", "/a", "b"},
		{"a/b/", "a", "b"},
		{"/", "", ""},
	} {
		dir, name := splitPath(tc.path)
		require.Equal(t, tc.dir, dir, tc.path)
		require.Equal(t, tc.name, name, tc.path)
	}
}

func TestFileMode(t *testing.T) {
	require.Equal(t, "drwxr-xr-x", fileMode(nsfs.S_IFDIR|0o755))
	require.Equal(t, "-rw-r--r--", fileMode(nsfs.S_IFREG|0o644))
	require.Equal(t, "Lrwxrwxrwx", fileMode(nsfs.S_IFLNK|0o777))
	require.Equal(t, "dtrwxrwxrwx", fileMode(nsfs.S_IFDIR|nsfs.S_ISVTX|0o777))
}

func run(t *testing.T, dir string, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{
		"--backend", "badger",
		"--badger-dir", dir,
		"--fs-name", "cmdtest",
		"--log-level", "error",
	}, args...))
	return rootCmd.ExecuteContext(context.Background())
}

func TestCommands(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	storage := t.TempDir()

	require.NoError(t, run(t, dir, "mkfs", "--root-mode", "0777"))
	require.ErrorIs(t, run(t, dir, "mkfs"), nsfs.ErrExist)

	require.NoError(t, run(t, dir, "mkdir", "/a"))
	require.NoError(t, run(t, dir, "mkdir", "/a/b"))
	require.NoError(t, run(t, dir, "touch", "/a/b/f"))
	require.NoError(t, run(t, dir, "ln", "/a/b/f", "/a/g"))
	require.NoError(t, run(t, dir, "symlink", "b/f", "/a/s"))
	require.NoError(t, run(t, dir, "stat", "/a/s"))
	require.NoError(t, run(t, dir, "ls", "/a"))

	require.ErrorIs(t, run(t, dir, "mv", "/a", "/a/b/c"), nsfs.ErrInvalid)
	require.ErrorIs(t, run(t, dir, "mv", "-n", "/a/g", "/a/s"), nsfs.ErrExist)
	require.NoError(t, run(t, dir, "mv", "-n", "/a/b", "/c"))
	require.ErrorIs(t, run(t, dir, "stat", "/a/b"), nsfs.ErrNotExist)
	require.NoError(t, run(t, dir, "stat", "/c/f"))

	local := filepath.Join(t.TempDir(), "local")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))
	require.NoError(t, run(t, dir, "--storage", "file:"+storage, "put", local, "/c/f"))
	require.NoError(t, run(t, dir, "--storage", "file:"+storage, "cat", "/a/g"))

	require.ErrorIs(t, run(t, dir, "rm", "/c"), nsfs.ErrNotEmpty)
	require.NoError(t, run(t, dir, "rm", "-r", "/c"))
	require.NoError(t, run(t, dir, "rm", "/a/g", "/a/s"))
	require.NoError(t, run(t, dir, "fsck"))

	require.ErrorIs(t, run(t, dir, "rmfs"), nsfs.ErrNotEmpty)
	require.NoError(t, run(t, dir, "rmfs", "--force"))
	require.NoError(t, run(t, dir, "list-filesystems"))
}
