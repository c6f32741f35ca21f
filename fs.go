package nsfs

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DEFAULT_MAX_ATTEMPTS   = 8
	DEFAULT_MAX_TREE_DEPTH = 4096
	DEFAULT_HEARTBEAT      = 30 * time.Second
)

// Fs is an attached client of one filesystem. All namespace state lives in
// the store; an Fs only holds connection level state.
type Fs struct {
	store         Store
	fsName        string
	keys          keyspace
	clientId      string
	objectStorage ObjectStorageEngine
	metrics       *Metrics
	log           zerolog.Logger
	maxAttempts   int
	maxTreeDepth  int

	inoLock sync.Mutex
	inoNext uint64
	inoEnd  uint64

	closed        atomic.Bool
	workerWg      *sync.WaitGroup
	cancelWorkers func()
}

type AttachOpts struct {
	ClientDescription string
	// ObjectStorage holds file content, nil leaves it unconfigured.
	ObjectStorage ObjectStorageEngine
	Metrics       *Metrics
	Logger        *zerolog.Logger
	// MaxAttempts bounds transparent retries of conflicting transactions.
	MaxAttempts int
	// MaxTreeDepth bounds the ancestry walk of a directory rename.
	MaxTreeDepth      int
	HeartBeatInterval time.Duration
}

func Attach(ctx context.Context, store Store, fsName string, opts AttachOpts) (*Fs, error) {
	if opts.ObjectStorage == nil {
		opts.ObjectStorage = unconfiguredStorageEngine{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		l := log.Logger
		opts.Logger = &l
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	if opts.MaxTreeDepth <= 0 {
		opts.MaxTreeDepth = DEFAULT_MAX_TREE_DEPTH
	}
	if opts.HeartBeatInterval <= 0 {
		opts.HeartBeatInterval = DEFAULT_HEARTBEAT
	}

	clientId := uuid.NewString()
	keys := keyspace{fsName: fsName}

	hostname, _ := os.Hostname()
	exe, _ := os.Executable()
	now := time.Now().Unix()

	info, err := json.Marshal(ClientInfo{
		Description:    opts.ClientDescription,
		Hostname:       hostname,
		Pid:            int64(os.Getpid()),
		Exe:            exe,
		AttachTimeUnix: uint64(now),
	})
	if err != nil {
		return nil, err
	}

	err = store.Transact(ctx, func(tx Txn) error {
		version, err := tx.Get(keys.version())
		if err != nil {
			return err
		}
		if version == nil {
			return fmt.Errorf("filesystem %q is not formatted: %w", fsName, ErrNotExist)
		}
		if len(version) != 1 || version[0] != CURRENT_SCHEMA_VERSION {
			return fmt.Errorf("filesystem has different version - expected %d but got %v: %w", CURRENT_SCHEMA_VERSION, version, ErrInvalid)
		}
		if err := tx.Set(keys.clientIndex(clientId), []byte{}); err != nil {
			return err
		}
		if err := tx.Set(keys.clientInfo(clientId), info); err != nil {
			return err
		}
		if err := tx.Set(keys.clientAttach(clientId), []byte{}); err != nil {
			return err
		}
		return tx.Set(keys.clientBeat(clientId), binary.LittleEndian.AppendUint64(nil, uint64(now)))
	})
	if err != nil {
		return nil, fmt.Errorf("unable to attach client: %w", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	fs := &Fs{
		store:         store,
		fsName:        fsName,
		keys:          keys,
		clientId:      clientId,
		objectStorage: opts.ObjectStorage,
		metrics:       opts.Metrics,
		log:           opts.Logger.With().Str("fs", fsName).Str("client", clientId).Logger(),
		maxAttempts:   opts.MaxAttempts,
		maxTreeDepth:  opts.MaxTreeDepth,
		workerWg:      &sync.WaitGroup{},
		cancelWorkers: cancelWorkers,
	}

	fs.workerWg.Add(1)
	go func() {
		defer fs.workerWg.Done()
		fs.heartBeatForever(workerCtx, opts.HeartBeatInterval)
	}()

	fs.log.Info().Msg("client attached")
	return fs, nil
}

func (fs *Fs) FsName() string   { return fs.fsName }
func (fs *Fs) ClientId() string { return fs.clientId }

func (fs *Fs) heartBeat(ctx context.Context) error {
	beat := binary.LittleEndian.AppendUint64(nil, uint64(time.Now().Unix()))
	return fs.store.Transact(ctx, func(tx Txn) error {
		return tx.Set(fs.keys.clientBeat(fs.clientId), beat)
	})
}

func (fs *Fs) heartBeatForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := fs.heartBeat(ctx); err != nil {
				fs.log.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close detaches the client. It does not close the store.
func (fs *Fs) Close() error {
	if !fs.closed.CompareAndSwap(false, true) {
		return nil
	}
	fs.cancelWorkers()
	fs.workerWg.Wait()

	err := fs.store.Transact(context.Background(), func(tx Txn) error {
		if err := tx.Clear(fs.keys.clientIndex(fs.clientId)); err != nil {
			return err
		}
		return tx.ClearPrefix(fs.keys.client(fs.clientId))
	})
	if err != nil {
		return fmt.Errorf("unable to remove client: %w", err)
	}
	fs.log.Info().Msg("client detached")
	return nil
}

func abandoned(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !errors.Is(err, ErrConflict) {
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

// Transact runs f in a write transaction, re-running it from scratch when
// the commit conflicts, up to the configured attempt limit.
func (fs *Fs) Transact(ctx context.Context, op string, f func(tx Txn) error) error {
	attachKey := fs.keys.clientAttach(fs.clientId)
	for attempt := 1; ; attempt++ {
		err := fs.store.Transact(ctx, func(tx Txn) error {
			attached, err := tx.Get(attachKey)
			if err != nil {
				return err
			}
			if attached == nil {
				return ErrDetached
			}
			return f(tx)
		})
		err = abandoned(err)
		if !errors.Is(err, ErrConflict) || attempt >= fs.maxAttempts || ctx.Err() != nil {
			return err
		}
		fs.metrics.conflictRetry(op)
		fs.log.Debug().Str("op", op).Int("attempt", attempt).Msg("transaction conflict, retrying")
	}
}

// ReadTransact runs f in a read-only snapshot with the same retry policy.
func (fs *Fs) ReadTransact(ctx context.Context, op string, f func(tx ReadTxn) error) error {
	attachKey := fs.keys.clientAttach(fs.clientId)
	for attempt := 1; ; attempt++ {
		err := fs.store.ReadTransact(ctx, func(tx ReadTxn) error {
			attached, err := tx.Get(attachKey)
			if err != nil {
				return err
			}
			if attached == nil {
				return ErrDetached
			}
			return f(tx)
		})
		err = abandoned(err)
		if !errors.Is(err, ErrConflict) || attempt >= fs.maxAttempts || ctx.Err() != nil {
			return err
		}
		fs.metrics.conflictRetry(op)
	}
}

// observe records the outcome of a public operation.
func (fs *Fs) observe(op string, start time.Time, err error) {
	fs.metrics.observe(op, start, err)
	if err != nil {
		fs.log.Debug().Str("op", op).Str("kind", ErrorKind(err)).Err(err).Msg("operation failed")
	}
}
