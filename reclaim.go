package nsfs

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const _RECLAIM_BATCH = 256

// txQueueReclaim records that the object of the deleted inode ino should be
// removed from the data store. Inode numbers are never reused, so the record
// stays valid for as long as it takes to drain.
func (fs *Fs) txQueueReclaim(tx Txn, ino uint64) error {
	queued := binary.LittleEndian.AppendUint64(nil, uint64(time.Now().Unix()))
	return tx.Set(fs.keys.reclaim(ino), queued)
}

type RemoveOrphansOpts struct {
	// RemovalDelay is how long a queued object is left alone, giving open
	// readers a grace period.
	RemovalDelay time.Duration
	Concurrency  int
	OnRemoval    func(ino uint64)
}

type RemoveOrphansStats struct {
	Removed uint64
	Failed  uint64
	Pending uint64
}

// RemoveOrphans drains the reclaim queue. An object whose removal fails is
// logged and left queued for the next pass.
func (fs *Fs) RemoveOrphans(ctx context.Context, opts RemoveOrphansOpts) (RemoveOrphansStats, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	var removed, failed atomic.Uint64
	pending := uint64(0)
	var after Tuple

	for {
		var kvs []KeyValue
		err := fs.ReadTransact(ctx, "reclaim", func(tx ReadTxn) error {
			var err error
			kvs, err = tx.Scan(fs.keys.reclaimQueue(), ScanOpts{After: after, Limit: _RECLAIM_BATCH})
			return err
		})
		if err != nil {
			return RemoveOrphansStats{removed.Load(), failed.Load(), pending}, err
		}
		if len(kvs) == 0 {
			break
		}
		after = kvs[len(kvs)-1].Key

		now := time.Now()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)

		for _, kv := range kvs {
			ino, ok := kv.Key.Uint64At(len(kv.Key) - 1)
			if !ok {
				return RemoveOrphansStats{removed.Load(), failed.Load(), pending}, ErrCorruptKey
			}
			if len(kv.Value) == 8 {
				queued := time.Unix(int64(binary.LittleEndian.Uint64(kv.Value)), 0)
				if queued.Add(opts.RemovalDelay).After(now) {
					pending += 1
					continue
				}
			}

			g.Go(func() error {
				if err := fs.objectStorage.Remove(gctx, fs.fsName, ino); err != nil {
					fs.log.Warn().Err(err).Uint64("ino", ino).Msg("unable to remove orphaned object")
					fs.metrics.reclaimFailures.Inc()
					failed.Add(1)
					return nil
				}
				err := fs.Transact(gctx, "reclaim", func(tx Txn) error {
					return tx.Clear(fs.keys.reclaim(ino))
				})
				if err != nil {
					return err
				}
				fs.metrics.reclaimed.Inc()
				removed.Add(1)
				if opts.OnRemoval != nil {
					opts.OnRemoval(ino)
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return RemoveOrphansStats{removed.Load(), failed.Load(), pending}, err
		}
		if len(kvs) < _RECLAIM_BATCH {
			break
		}
	}

	fs.metrics.reclaimPending.Set(float64(pending))
	return RemoveOrphansStats{removed.Load(), failed.Load(), pending}, nil
}

// RemoveOrphansForever runs RemoveOrphans every interval until ctx is done.
func (fs *Fs) RemoveOrphansForever(ctx context.Context, interval time.Duration, opts RemoveOrphansOpts) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats, err := fs.RemoveOrphans(ctx, opts)
			if err != nil && ctx.Err() == nil {
				fs.log.Warn().Err(err).Msg("orphan reclamation failed")
			}
			fs.log.Info().
				Uint64("removed", stats.Removed).
				Uint64("failed", stats.Failed).
				Uint64("pending", stats.Pending).
				Msg("orphan reclamation pass")
		case <-ctx.Done():
			return
		}
	}
}
