package nsfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

const _INO_BATCH_SIZE = 128

func (fs *Fs) txGetStat(tx ReadTxn, ino uint64) (Stat, error) {
	statBytes, err := tx.Get(fs.keys.stat(ino))
	if err != nil {
		return Stat{}, err
	}
	if statBytes == nil {
		return Stat{}, fmt.Errorf("inode %d: %w", ino, ErrNotExist)
	}
	stat := Stat{}
	if err := stat.UnmarshalBinary(statBytes); err != nil {
		return Stat{}, fmt.Errorf("inode %d: %w", ino, err)
	}
	return stat, nil
}

func (fs *Fs) txSetStat(tx Txn, stat Stat) error {
	statBytes, err := stat.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Set(fs.keys.stat(stat.Ino), statBytes)
}

// txGetDirStat loads ino and requires it to be a directory.
func (fs *Fs) txGetDirStat(tx ReadTxn, ino uint64) (Stat, error) {
	stat, err := fs.txGetStat(tx, ino)
	if err != nil {
		return Stat{}, err
	}
	if !stat.IsDir() {
		return Stat{}, fmt.Errorf("inode %d: %w", ino, ErrNotDir)
	}
	return stat, nil
}

// txDropLink removes one reference to stat. An inode whose link count
// reaches zero is deleted in the same transaction and its content object is
// queued for reclamation. A directory holds its own "." reference, so
// dropping the entry of an empty directory deletes it.
func (fs *Fs) txDropLink(tx Txn, stat *Stat, now time.Time) (bool, error) {
	if stat.IsDir() || stat.Nlink <= 1 {
		stat.Nlink = 0
		return true, fs.txDeleteInode(tx, stat)
	}
	stat.Nlink -= 1
	stat.SetCtime(now)
	return false, fs.txSetStat(tx, *stat)
}

func (fs *Fs) txDeleteInode(tx Txn, stat *Stat) error {
	if err := tx.ClearPrefix(fs.keys.inode(stat.Ino)); err != nil {
		return err
	}
	if stat.HasObject() {
		return fs.txQueueReclaim(tx, stat.Ino)
	}
	return nil
}

// nextIno hands out inode numbers from a batch reserved in the store. Numbers
// are never reused; a batch abandoned by a crashed client is simply skipped.
func (fs *Fs) nextIno(ctx context.Context) (uint64, error) {
	fs.inoLock.Lock()
	defer fs.inoLock.Unlock()

	if fs.inoNext == fs.inoEnd {
		var start uint64
		err := fs.Transact(ctx, "allocate", func(tx Txn) error {
			cntr, err := tx.Get(fs.keys.inoCounter())
			if err != nil {
				return err
			}
			if len(cntr) != 8 {
				return fmt.Errorf("inode counter is missing or corrupt: %w", ErrStoreUnavailable)
			}
			start = binary.LittleEndian.Uint64(cntr)
			return tx.Set(fs.keys.inoCounter(), binary.LittleEndian.AppendUint64(nil, start+_INO_BATCH_SIZE))
		})
		if err != nil {
			return 0, err
		}
		fs.inoNext = start
		fs.inoEnd = start + _INO_BATCH_SIZE
	}

	ino := fs.inoNext
	fs.inoNext += 1
	return ino, nil
}
