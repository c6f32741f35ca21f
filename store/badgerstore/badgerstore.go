// Package badgerstore is a namespace store on an embedded Badger database.
// Badger's serializable snapshot isolation gives the same optimistic
// conflict detection as FoundationDB within a single process.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/andrewchambers/nsfs"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rs/zerolog"
)

type Config struct {
	// Dir holds the database files, ignored when InMemory is set.
	Dir      string
	InMemory bool
	// Logger receives badger's own warnings, nil discards them.
	Logger *zerolog.Logger
}

type Store struct {
	db *badger.DB
}

var _ nsfs.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithCompression(options.None)
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "badger").Logger()
	}
	opts = opts.WithLogger(badgerLogger{logger})
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %q: %w", cfg.Dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %w", nsfs.ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", nsfs.ErrStoreUnavailable, err)
	}
}

type txn struct {
	txn *badger.Txn
}

func (s *Store) Transact(ctx context.Context, fn func(tx nsfs.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := s.db.NewTransaction(true)
	defer t.Discard()

	if err := fn(&txn{txn: t}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return translateErr(t.Commit())
}

func (s *Store) ReadTransact(ctx context.Context, fn func(tx nsfs.ReadTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := s.db.NewTransaction(false)
	defer t.Discard()
	return fn(&txn{txn: t})
}

func (t *txn) Get(key nsfs.Tuple) ([]byte, error) {
	item, err := t.txn.Get(key.Pack())
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return itemValue(item)
}

// itemValue copies the value of item. Badger hands back nil for an empty
// value, which callers would read as a missing key.
func itemValue(item *badger.Item) ([]byte, error) {
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, translateErr(err)
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (t *txn) Scan(prefix nsfs.Tuple, opts nsfs.ScanOpts) ([]nsfs.KeyValue, error) {
	p := prefix.Pack()
	start := p
	var after []byte
	if opts.After != nil {
		after = opts.After.Pack()
		start = after
	}

	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = p
	if opts.Limit > 0 && opts.Limit < iterOpts.PrefetchSize {
		iterOpts.PrefetchSize = opts.Limit
	}
	it := t.txn.NewIterator(iterOpts)
	defer it.Close()

	kvs := []nsfs.KeyValue{}
	for it.Seek(start); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		if after != nil && bytes.Equal(item.Key(), after) {
			continue
		}
		key, err := nsfs.UnpackTuple(item.KeyCopy(nil))
		if err != nil {
			return nil, err
		}
		v, err := itemValue(item)
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, nsfs.KeyValue{Key: key, Value: v})
		if opts.Limit > 0 && len(kvs) >= opts.Limit {
			break
		}
	}
	return kvs, nil
}

func (t *txn) Set(key nsfs.Tuple, value []byte) error {
	return translateErr(t.txn.Set(key.Pack(), value))
}

func (t *txn) Clear(key nsfs.Tuple) error {
	return translateErr(t.txn.Delete(key.Pack()))
}

func (t *txn) ClearPrefix(prefix nsfs.Tuple) error {
	p := prefix.Pack()
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = p
	iterOpts.PrefetchValues = false

	keys := [][]byte{}
	it := t.txn.NewIterator(iterOpts)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error().Msgf(f, v...)
}

func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn().Msgf(f, v...)
}

func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.log.Info().Msgf(f, v...)
}

func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.Debug().Msgf(f, v...)
}
