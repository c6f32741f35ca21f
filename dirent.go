package nsfs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	MAX_NAME_LEN    = 255
	_DIR_ITER_BATCH = 128
)

func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty name: %w", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%q is reserved: %w", name, ErrInvalidName)
	case len(name) > MAX_NAME_LEN:
		return fmt.Errorf("name longer than %d bytes: %w", MAX_NAME_LEN, ErrInvalidName)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%q contains '/' or NUL: %w", name, ErrInvalidName)
	}
	return nil
}

// txLookup returns the entry for name in dir, or ErrNotExist.
func (fs *Fs) txLookup(tx ReadTxn, dir uint64, name string) (DirEnt, error) {
	dirEntBytes, err := tx.Get(fs.keys.child(dir, name))
	if err != nil {
		return DirEnt{}, err
	}
	if dirEntBytes == nil {
		return DirEnt{}, fmt.Errorf("%q in directory %d: %w", name, dir, ErrNotExist)
	}
	dirEnt := DirEnt{Name: name}
	if err := dirEnt.UnmarshalBinary(dirEntBytes); err != nil {
		return DirEnt{}, err
	}
	return dirEnt, nil
}

func (fs *Fs) txSetDirEnt(tx Txn, dir uint64, dirEnt DirEnt) error {
	dirEntBytes, err := dirEnt.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Set(fs.keys.child(dir, dirEnt.Name), dirEntBytes)
}

func (fs *Fs) txClearDirEnt(tx Txn, dir uint64, name string) error {
	return tx.Clear(fs.keys.child(dir, name))
}

func (fs *Fs) txIsEmpty(tx ReadTxn, dir uint64) (bool, error) {
	kvs, err := tx.Scan(fs.keys.children(dir), ScanOpts{Limit: 1})
	if err != nil {
		return false, err
	}
	return len(kvs) == 0, nil
}

func (fs *Fs) txReadDirEnts(tx ReadTxn, dir uint64, after string, limit int) ([]DirEnt, error) {
	opts := ScanOpts{Limit: limit}
	if after != "" {
		opts.After = fs.keys.child(dir, after)
	}
	kvs, err := tx.Scan(fs.keys.children(dir), opts)
	if err != nil {
		return nil, err
	}
	ents := make([]DirEnt, 0, len(kvs))
	for _, kv := range kvs {
		name, ok := kv.Key.StringAt(len(kv.Key) - 1)
		if !ok {
			return nil, ErrCorruptKey
		}
		dirEnt := DirEnt{Name: name}
		if err := dirEnt.UnmarshalBinary(kv.Value); err != nil {
			return nil, err
		}
		ents = append(ents, dirEnt)
	}
	return ents, nil
}

// DirIter pages through a directory. Each page is read in its own
// transaction, so a listing that spans pages is not a single snapshot.
type DirIter struct {
	fs    *Fs
	ctx   context.Context
	dir   uint64
	after string
	ents  []DirEnt
	done  bool
}

// IterDirEnts lists dir, which the caller must be able to read.
func (fs *Fs) IterDirEnts(ctx context.Context, cred *Credential, dir uint64) (*DirIter, error) {
	var ents []DirEnt
	err := fs.ReadTransact(ctx, "readdir", func(tx ReadTxn) error {
		dirStat, err := fs.txGetDirStat(tx, dir)
		if err != nil {
			return err
		}
		if err := CheckAccess(cred, &dirStat, MAY_READ); err != nil {
			return err
		}
		ents, err = fs.txReadDirEnts(tx, dir, "", _DIR_ITER_BATCH)
		return err
	})
	if err != nil {
		return nil, err
	}
	di := &DirIter{
		fs:   fs,
		ctx:  ctx,
		dir:  dir,
		ents: ents,
		done: len(ents) < _DIR_ITER_BATCH,
	}
	if len(ents) > 0 {
		di.after = ents[len(ents)-1].Name
	}
	return di, nil
}

func (di *DirIter) fill() error {
	err := di.fs.ReadTransact(di.ctx, "readdir", func(tx ReadTxn) error {
		ents, err := di.fs.txReadDirEnts(tx, di.dir, di.after, _DIR_ITER_BATCH)
		if err != nil {
			return err
		}
		di.ents = ents
		return nil
	})
	if err != nil {
		return err
	}
	if len(di.ents) < _DIR_ITER_BATCH {
		di.done = true
	}
	if len(di.ents) > 0 {
		di.after = di.ents[len(di.ents)-1].Name
	}
	return nil
}

// Next returns io.EOF once the directory is exhausted.
func (di *DirIter) Next() (DirEnt, error) {
	if len(di.ents) == 0 && di.done {
		return DirEnt{}, io.EOF
	}
	if len(di.ents) == 0 {
		if err := di.fill(); err != nil {
			return DirEnt{}, err
		}
		if len(di.ents) == 0 {
			return DirEnt{}, io.EOF
		}
	}
	next := di.ents[0]
	di.ents = di.ents[1:]
	return next, nil
}

// Unget pushes back an entry the caller could not consume.
func (di *DirIter) Unget(ent DirEnt) {
	di.ents = append([]DirEnt{ent}, di.ents...)
}

// ReadDir returns every entry of dir in name order.
func (fs *Fs) ReadDir(ctx context.Context, cred *Credential, dir uint64) ([]DirEnt, error) {
	start := time.Now()
	ents, err := fs.readDir(ctx, cred, dir)
	fs.observe("readdir", start, err)
	return ents, err
}

func (fs *Fs) readDir(ctx context.Context, cred *Credential, dir uint64) ([]DirEnt, error) {
	di, err := fs.IterDirEnts(ctx, cred, dir)
	if err != nil {
		return nil, err
	}
	ents := []DirEnt{}
	for {
		ent, err := di.Next()
		if err == io.EOF {
			return ents, nil
		}
		if err != nil {
			return nil, err
		}
		ents = append(ents, ent)
	}
}
