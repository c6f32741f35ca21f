// Package cli holds the setup shared by the nsfs commands: flags, config
// loading and the ordered startup of logging, stores, the attached
// filesystem and the background services.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/andrewchambers/nsfs"
	"github.com/andrewchambers/nsfs/config"
	"github.com/andrewchambers/nsfs/lifecycle"
	"github.com/andrewchambers/nsfs/logging"
	"github.com/andrewchambers/nsfs/store/badgerstore"
	"github.com/andrewchambers/nsfs/store/fdbstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

// RegisterFlags adds the flags every command understands. Flags override
// NSFS_* environment variables, which override the config file.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Config file (yaml, toml or json).")
	flags.String("log-level", "", "Log level: trace, debug, info, warn or error.")
	flags.String("log-format", "", "Log format: text or json.")
	flags.String("log-output", "", "Log destination: stderr, stdout or a file path.")
	flags.String("backend", "", "Namespace store: fdb or badger.")
	flags.String(
		"cluster-file",
		"",
		"FoundationDB cluster file, defaults to FDB_CLUSTER_FILE if set, ./fdb.cluster if present, otherwise /etc/foundationdb/fdb.cluster",
	)
	flags.String("badger-dir", "", "Badger database directory when using the badger backend.")
	flags.String("fs-name", "", "Name of the filesystem to interact with.")
	flags.String("client-description", "", "Optional description of this fs client.")
	flags.String("storage", "", "Object storage for file content, file:/dir or s3://...")
	flags.String("metrics-address", "", "Serve prometheus metrics on this address.")
}

// LoadConfig reads the config file named by --config and overlays the
// environment and flags.
func LoadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	configPath, _ := flags.GetString("config")
	return config.Load(configPath, flags)
}

// OpenStore opens the namespace store selected by cfg.
func OpenStore(cfg *config.Config) (nsfs.Store, error) {
	switch cfg.Namespace.Backend {
	case "fdb":
		return fdbstore.Open(cfg.Namespace.ClusterFile)
	case "badger":
		logger := logging.For("badger")
		return badgerstore.Open(badgerstore.Config{
			Dir:      cfg.Namespace.BadgerDir,
			InMemory: cfg.Namespace.BadgerInMemory,
			Logger:   &logger,
		})
	default:
		return nil, fmt.Errorf("unknown namespace backend %q: %w", cfg.Namespace.Backend, nsfs.ErrInvalid)
	}
}

type OpenOpts struct {
	// Attach connects to cfg.Namespace.FsName. Admin commands that only
	// need the store leave it unset.
	Attach bool
	// Services starts the metrics endpoint and the reclaim loop.
	Services bool
}

// Env is a running set of subsystems. Fields are valid between a
// successful Open and Close.
type Env struct {
	Config   *config.Config
	Store    nsfs.Store
	Storage  nsfs.ObjectStorageEngine
	Fs       *nsfs.Fs
	Registry *prometheus.Registry
	Log      zerolog.Logger
	// MetricsAddress is the bound address of the metrics endpoint, if any.
	MetricsAddress string

	runtime *lifecycle.Runtime
}

// Open brings up logging, the namespace store, object storage, the attached
// filesystem and the management services, in that order. A failure tears
// down whatever was already started.
func Open(ctx context.Context, cfg *config.Config, opts OpenOpts) (*Env, error) {
	if opts.Attach && cfg.Namespace.FsName == "" {
		return nil, fmt.Errorf("--fs-name is required: %w", nsfs.ErrInvalid)
	}

	env := &Env{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		Log:      zerolog.Nop(),
	}

	var logCloser io.Closer
	steps := []lifecycle.Step{
		{
			Name: "logging",
			Init: func(ctx context.Context) error {
				var err error
				logCloser, err = logging.Init(cfg.Log)
				env.Log = logging.For("nsfs")
				return err
			},
			Fini: func() error {
				return logCloser.Close()
			},
		},
		{
			Name: "namespace-store",
			Init: func(ctx context.Context) error {
				var err error
				env.Store, err = OpenStore(cfg)
				return err
			},
			Fini: func() error {
				return env.Store.Close()
			},
		},
		{
			Name: "object-storage",
			Init: func(ctx context.Context) error {
				if cfg.Datastore.Storage == "" {
					return nil
				}
				var err error
				env.Storage, err = nsfs.NewObjectStorageEngine(cfg.Datastore.Storage)
				return err
			},
			Fini: func() error {
				if env.Storage == nil {
					return nil
				}
				return env.Storage.Close()
			},
		},
	}

	if opts.Attach {
		steps = append(steps, lifecycle.Step{
			Name: "filesystem",
			Init: func(ctx context.Context) error {
				logger := logging.For("engine")
				var err error
				env.Fs, err = nsfs.Attach(ctx, env.Store, cfg.Namespace.FsName, nsfs.AttachOpts{
					ClientDescription: cfg.Namespace.ClientDescription,
					ObjectStorage:     env.Storage,
					Metrics:           nsfs.NewMetrics(env.Registry),
					Logger:            &logger,
					MaxAttempts:       cfg.Namespace.MaxAttempts,
					MaxTreeDepth:      cfg.Namespace.MaxTreeDepth,
					HeartBeatInterval: cfg.Namespace.HeartBeatInterval,
				})
				return err
			},
			Fini: func() error {
				return env.Fs.Close()
			},
		})
	}

	if opts.Services {
		steps = append(steps, managementStep(env))
		if opts.Attach {
			steps = append(steps, reclaimStep(env))
		}
	}

	env.runtime = lifecycle.New(&env.Log, steps...)
	if err := env.runtime.Init(ctx); err != nil {
		return nil, err
	}
	return env, nil
}

func managementStep(env *Env) lifecycle.Step {
	var server *http.Server
	var serveErr chan error
	return lifecycle.Step{
		Name: "management",
		Init: func(ctx context.Context) error {
			addr := env.Config.Management.MetricsAddress
			if addr == "" {
				return nil
			}
			env.Registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{}))

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			server = &http.Server{
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
				ErrorLog:          logging.NewStdLogger("management", zerolog.ErrorLevel),
			}
			serveErr = make(chan error, 1)
			go func() {
				serveErr <- server.Serve(l)
			}()
			env.MetricsAddress = l.Addr().String()
			env.Log.Info().Str("address", env.MetricsAddress).Msg("serving metrics")
			return nil
		},
		Fini: func() error {
			if server == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := server.Shutdown(ctx)
			if serr := <-serveErr; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				err = errors.Join(err, serr)
			}
			return err
		},
	}
}

func reclaimStep(env *Env) lifecycle.Step {
	var cancel context.CancelFunc
	wg := &sync.WaitGroup{}
	return lifecycle.Step{
		Name: "reclaim",
		Init: func(ctx context.Context) error {
			interval := env.Config.Reclaim.Interval
			if interval == 0 {
				return nil
			}
			var loopCtx context.Context
			loopCtx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				env.Fs.RemoveOrphansForever(loopCtx, interval, nsfs.RemoveOrphansOpts{
					RemovalDelay: env.Config.Reclaim.RemovalDelay,
					Concurrency:  env.Config.Reclaim.Concurrency,
				})
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				evictExpiredClientsForever(loopCtx, env, interval)
			}()
			return nil
		},
		Fini: func() error {
			if cancel != nil {
				cancel()
				wg.Wait()
			}
			return nil
		},
	}
}

// evictExpiredClientsForever detaches clients that stopped sending
// heartbeats, so their attachment records do not block Rmfs forever.
func evictExpiredClientsForever(ctx context.Context, env *Env, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			nEvicted, err := nsfs.EvictExpiredClients(ctx, env.Store, env.Config.Namespace.FsName, nsfs.EvictExpiredClientsOpts{
				ClientExpiry: env.Config.Namespace.ClientExpiry,
				OnEviction: func(id string) {
					env.Log.Info().Str("client", id).Msg("evicted expired client")
				},
			})
			if err != nil && ctx.Err() == nil {
				env.Log.Warn().Err(err).Msg("error evicting expired clients")
			}
			if nEvicted != 0 {
				env.Log.Info().Uint64("evicted", nEvicted).Msg("expired client eviction pass")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops everything Open started, newest first.
func (env *Env) Close() error {
	return env.runtime.Fini()
}

// RegisterSignalHandlers closes env on SIGINT or SIGTERM and then calls
// onClosed, which usually exits or unmounts.
func RegisterSignalHandlers(env *Env, onClosed func(err error)) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)

	go func() {
		sig := <-sigChan
		signal.Reset()
		env.Log.Info().Str("signal", sig.String()).Msg("closing down due to signal")
		onClosed(env.Close())
	}()
}
