// Package config loads nsfs settings from a config file, NSFS_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andrewchambers/nsfs/logging"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Log        logging.Config   `mapstructure:"log"`
	Namespace  NamespaceConfig  `mapstructure:"namespace"`
	Datastore  DatastoreConfig  `mapstructure:"datastore"`
	Reclaim    ReclaimConfig    `mapstructure:"reclaim"`
	Management ManagementConfig `mapstructure:"management"`
}

type NamespaceConfig struct {
	// Backend selects the namespace store, "fdb" or "badger".
	Backend           string        `mapstructure:"backend" validate:"required,oneof=fdb badger"`
	ClusterFile       string        `mapstructure:"cluster_file" validate:"required_if=Backend fdb"`
	BadgerDir         string        `mapstructure:"badger_dir"`
	BadgerInMemory    bool          `mapstructure:"badger_in_memory"`
	// FsName is only required by commands that attach to a filesystem.
	FsName            string        `mapstructure:"fs_name" validate:"max=255"`
	ClientDescription string        `mapstructure:"client_description"`
	MaxAttempts       int           `mapstructure:"max_attempts" validate:"gte=1"`
	MaxTreeDepth      int           `mapstructure:"max_tree_depth" validate:"gte=1"`
	HeartBeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	ClientExpiry      time.Duration `mapstructure:"client_expiry" validate:"gt=0"`
}

type DatastoreConfig struct {
	// Storage is "file:/dir", "s3://..." or empty for namespace only use.
	Storage string `mapstructure:"storage"`
}

type ReclaimConfig struct {
	// Interval between background reclamation passes, 0 disables them.
	Interval     time.Duration `mapstructure:"interval" validate:"gte=0"`
	RemovalDelay time.Duration `mapstructure:"removal_delay" validate:"gte=0"`
	Concurrency  int           `mapstructure:"concurrency" validate:"gte=1,lte=1024"`
}

type ManagementConfig struct {
	// MetricsAddress serves /metrics when set, e.g. "127.0.0.1:9180".
	MetricsAddress string `mapstructure:"metrics_address" validate:"omitempty,hostname_port"`
}

// FlagKeys maps command line flag names onto config keys.
var FlagKeys = map[string]string{
	"log-level":          "log.level",
	"log-format":         "log.format",
	"log-output":         "log.output",
	"backend":            "namespace.backend",
	"cluster-file":       "namespace.cluster_file",
	"badger-dir":         "namespace.badger_dir",
	"fs-name":            "namespace.fs_name",
	"client-description": "namespace.client_description",
	"storage":            "datastore.storage",
	"metrics-address":    "management.metrics_address",
}

func DefaultClusterFile() string {
	clusterFile := os.Getenv("FDB_CLUSTER_FILE")
	if clusterFile == "" {
		clusterFile = "./fdb.cluster"
		_, err := os.Stat("./fdb.cluster")
		if err != nil {
			clusterFile = "/etc/foundationdb/fdb.cluster"
		}
	}
	return clusterFile
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("namespace.backend", "fdb")
	v.SetDefault("namespace.cluster_file", DefaultClusterFile())
	v.SetDefault("namespace.badger_dir", "")
	v.SetDefault("namespace.badger_in_memory", false)
	v.SetDefault("namespace.fs_name", "")
	v.SetDefault("namespace.client_description", "")
	v.SetDefault("namespace.max_attempts", 8)
	v.SetDefault("namespace.max_tree_depth", 4096)
	v.SetDefault("namespace.heartbeat_interval", 30*time.Second)
	v.SetDefault("namespace.client_expiry", 5*time.Minute)
	v.SetDefault("datastore.storage", "")
	v.SetDefault("reclaim.interval", 0)
	v.SetDefault("reclaim.removal_delay", 15*time.Minute)
	v.SetDefault("reclaim.concurrency", 8)
	v.SetDefault("management.metrics_address", "")
}

// Load reads configPath, which may be empty, and overlays the environment
// and any flags in flags that the user actually set.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NSFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if cfg.Namespace.Backend == "badger" && cfg.Namespace.BadgerDir == "" && !cfg.Namespace.BadgerInMemory {
		return errors.New("namespace: badger backend needs badger_dir or badger_in_memory")
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
