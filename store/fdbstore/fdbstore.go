// Package fdbstore is the FoundationDB namespace store.
package fdbstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrewchambers/nsfs"
	"github.com/apple/foundationdb/bindings/go/src/fdb"
)

const (
	CURRENT_FDB_API_VERSION = 710
)

func init() {
	fdb.MustAPIVersion(CURRENT_FDB_API_VERSION)
}

// FoundationDB error codes that mean the transaction can be retried.
const (
	errTransactionTooOld = 1007
	errFutureVersion     = 1009
	errNotCommitted      = 1020
)

type Store struct {
	db fdb.Database
}

var _ nsfs.Store = (*Store)(nil)

func Open(clusterFile string) (*Store, error) {
	db, err := fdb.OpenDatabase(clusterFile)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w: %w", nsfs.ErrStoreUnavailable, err)
	}
	return &Store{db: db}, nil
}

// New wraps an already open database.
func New(db fdb.Database) *Store {
	return &Store{db: db}
}

// The fdb client has no per-database close, the network thread lives for
// the whole process.
func (s *Store) Close() error {
	return nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var fdbErr fdb.Error
	if errors.As(err, &fdbErr) {
		switch fdbErr.Code {
		case errTransactionTooOld, errFutureVersion, errNotCommitted:
			return fmt.Errorf("%w: %w", nsfs.ErrConflict, err)
		}
	}
	return fmt.Errorf("%w: %w", nsfs.ErrStoreUnavailable, err)
}

func (s *Store) newTransaction(ctx context.Context) (fdb.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return fdb.Transaction{}, err
	}
	tr, err := s.db.CreateTransaction()
	if err != nil {
		return fdb.Transaction{}, translateErr(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout := time.Until(deadline).Milliseconds()
		if timeout < 1 {
			timeout = 1
		}
		if err := tr.Options().SetTimeout(timeout); err != nil {
			return fdb.Transaction{}, translateErr(err)
		}
	}
	return tr, nil
}

func (s *Store) Transact(ctx context.Context, fn func(tx nsfs.Txn) error) error {
	tr, err := s.newTransaction(ctx)
	if err != nil {
		return err
	}
	if err := fn(&txn{tr: tr, rtr: tr}); err != nil {
		tr.Cancel()
		return err
	}
	if err := ctx.Err(); err != nil {
		tr.Cancel()
		return err
	}
	if err := tr.Commit().Get(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return translateErr(err)
	}
	return nil
}

func (s *Store) ReadTransact(ctx context.Context, fn func(tx nsfs.ReadTxn) error) error {
	tr, err := s.newTransaction(ctx)
	if err != nil {
		return err
	}
	defer tr.Cancel()
	return fn(&txn{rtr: tr})
}

type txn struct {
	tr  fdb.Transaction
	rtr fdb.ReadTransaction
}

func (t *txn) Get(key nsfs.Tuple) ([]byte, error) {
	v, err := t.rtr.Get(fdb.Key(key.Pack())).Get()
	if err != nil {
		return nil, translateErr(err)
	}
	return v, nil
}

func (t *txn) Scan(prefix nsfs.Tuple, opts nsfs.ScanOpts) ([]nsfs.KeyValue, error) {
	kr, err := fdb.PrefixRange(prefix.Pack())
	if err != nil {
		return nil, translateErr(err)
	}
	if opts.After != nil {
		kr.Begin = fdb.Key(append(opts.After.Pack(), 0x00))
	}
	rangeOpts := fdb.RangeOptions{}
	if opts.Limit > 0 {
		rangeOpts.Limit = opts.Limit
	}

	fdbKvs, err := t.rtr.GetRange(kr, rangeOpts).GetSliceWithError()
	if err != nil {
		return nil, translateErr(err)
	}

	kvs := make([]nsfs.KeyValue, 0, len(fdbKvs))
	for _, kv := range fdbKvs {
		key, err := nsfs.UnpackTuple(kv.Key)
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, nsfs.KeyValue{Key: key, Value: kv.Value})
	}
	return kvs, nil
}

func (t *txn) Set(key nsfs.Tuple, value []byte) error {
	t.tr.Set(fdb.Key(key.Pack()), value)
	return nil
}

func (t *txn) Clear(key nsfs.Tuple) error {
	t.tr.Clear(fdb.Key(key.Pack()))
	return nil
}

func (t *txn) ClearPrefix(prefix nsfs.Tuple) error {
	kr, err := fdb.PrefixRange(prefix.Pack())
	if err != nil {
		return translateErr(err)
	}
	t.tr.ClearRange(kr)
	return nil
}
