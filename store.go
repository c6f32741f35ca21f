package nsfs

import (
	"context"
)

// KeyValue is one entry returned from a range scan.
type KeyValue struct {
	Key   Tuple
	Value []byte
}

type ScanOpts struct {
	// After resumes a scan strictly after this key, nil starts at the
	// beginning of the prefix.
	After Tuple
	// Limit bounds the number of entries returned, 0 means no limit.
	Limit int
}

// ReadTxn is a consistent snapshot of the namespace store.
type ReadTxn interface {
	// Get returns nil and no error when the key is absent.
	Get(key Tuple) ([]byte, error)
	// Scan returns entries whose key has prefix, in key order.
	Scan(prefix Tuple, opts ScanOpts) ([]KeyValue, error)
}

// Txn buffers writes until the enclosing Transact commits.
type Txn interface {
	ReadTxn
	Set(key Tuple, value []byte) error
	Clear(key Tuple) error
	ClearPrefix(prefix Tuple) error
}

// Store is the namespace store adapter.
//
// Transact runs fn once inside a fresh transaction and commits when fn
// returns nil. A commit that loses to a concurrent transaction returns an
// error matching ErrConflict, backend failures match ErrStoreUnavailable, and
// errors returned by fn are passed through unchanged with nothing committed.
// Retrying is the caller's decision.
type Store interface {
	Transact(ctx context.Context, fn func(tx Txn) error) error
	ReadTransact(ctx context.Context, fn func(tx ReadTxn) error) error
	Close() error
}
