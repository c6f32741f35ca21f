package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "nsfs.yaml", `
log:
  level: debug
  format: json
namespace:
  backend: badger
  badger_in_memory: true
  fs_name: scratch
  max_attempts: 3
reclaim:
  interval: 1m
  removal_delay: 10s
datastore:
  storage: "file:/tmp/objects"
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "badger", cfg.Namespace.Backend)
	require.True(t, cfg.Namespace.BadgerInMemory)
	require.Equal(t, "scratch", cfg.Namespace.FsName)
	require.Equal(t, 3, cfg.Namespace.MaxAttempts)
	require.Equal(t, 4096, cfg.Namespace.MaxTreeDepth)
	require.Equal(t, time.Minute, cfg.Reclaim.Interval)
	require.Equal(t, 10*time.Second, cfg.Reclaim.RemovalDelay)
	require.Equal(t, 8, cfg.Reclaim.Concurrency)
	require.Equal(t, "file:/tmp/objects", cfg.Datastore.Storage)
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "nsfs.toml", `
[log]
level = "warn"

[namespace]
backend = "fdb"
cluster_file = "/etc/fdb.cluster"
fs_name = "prod"
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, "/etc/fdb.cluster", cfg.Namespace.ClusterFile)
	require.Equal(t, "prod", cfg.Namespace.FsName)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "nsfs.yaml", `
namespace:
  backend: badger
  badger_in_memory: true
  fs_name: from-file
`)
	t.Setenv("NSFS_NAMESPACE_FS_NAME", "from-env")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Namespace.FsName)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("NSFS_NAMESPACE_FS_NAME", "from-env")
	t.Setenv("NSFS_NAMESPACE_BACKEND", "badger")
	t.Setenv("NSFS_NAMESPACE_BADGER_IN_MEMORY", "true")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("fs-name", "", "")
	flags.String("storage", "", "")
	require.NoError(t, flags.Parse([]string{"--fs-name", "from-flag"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.Equal(t, "from-flag", cfg.Namespace.FsName)
	require.Equal(t, "", cfg.Datastore.Storage)
}

func TestValidation(t *testing.T) {
	for name, content := range map[string]string{
		"long fs name": `
namespace:
  backend: badger
  badger_in_memory: true
  fs_name: xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx
`,
		"unknown backend": `
namespace:
  backend: etcd
  fs_name: x
`,
		"badger without dir": `
namespace:
  backend: badger
  fs_name: x
`,
		"bad log level": `
log:
  level: loud
namespace:
  backend: badger
  badger_in_memory: true
  fs_name: x
`,
		"zero attempts": `
namespace:
  backend: badger
  badger_in_memory: true
  fs_name: x
  max_attempts: 0
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "nsfs.yaml", content), nil)
			require.Error(t, err)
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}
