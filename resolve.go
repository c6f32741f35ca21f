package nsfs

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// txLookupStat resolves one name in dir. "." and ".." come from dir's own
// record rather than stored entries.
func (fs *Fs) txLookupStat(tx ReadTxn, cred *Credential, dir uint64, name string) (Stat, error) {
	dirStat, err := fs.txGetDirStat(tx, dir)
	if err != nil {
		return Stat{}, err
	}
	if err := CheckAccess(cred, &dirStat, MAY_EXEC); err != nil {
		return Stat{}, err
	}
	switch name {
	case ".":
		return dirStat, nil
	case "..":
		return fs.txGetStat(tx, dirStat.Parent)
	}
	if err := validateName(name); err != nil {
		return Stat{}, err
	}
	dirEnt, err := fs.txLookup(tx, dir, name)
	if err != nil {
		return Stat{}, err
	}
	return fs.txGetStat(tx, dirEnt.Ino)
}

func (fs *Fs) Lookup(ctx context.Context, cred *Credential, dir uint64, name string) (Stat, error) {
	start := time.Now()
	var stat Stat
	err := fs.ReadTransact(ctx, "lookup", func(tx ReadTxn) error {
		var err error
		stat, err = fs.txLookupStat(tx, cred, dir, name)
		return err
	})
	fs.observe("lookup", start, err)
	return stat, err
}

// Resolve walks a slash separated path from the root. Empty components are
// ignored and symbolic links are returned rather than followed.
func (fs *Fs) Resolve(ctx context.Context, cred *Credential, path string) (Stat, error) {
	start := time.Now()
	var stat Stat
	err := fs.ReadTransact(ctx, "resolve", func(tx ReadTxn) error {
		var err error
		stat, err = fs.txGetStat(tx, ROOT_INO)
		if err != nil {
			return err
		}
		for _, name := range strings.Split(path, "/") {
			if name == "" {
				continue
			}
			stat, err = fs.txLookupStat(tx, cred, stat.Ino, name)
			if err != nil {
				return fmt.Errorf("resolving %q: %w", path, err)
			}
		}
		return nil
	})
	fs.observe("resolve", start, err)
	return stat, err
}

func (fs *Fs) GetStat(ctx context.Context, ino uint64) (Stat, error) {
	start := time.Now()
	var stat Stat
	err := fs.ReadTransact(ctx, "getstat", func(tx ReadTxn) error {
		var err error
		stat, err = fs.txGetStat(tx, ino)
		return err
	})
	fs.observe("getstat", start, err)
	return stat, err
}

func (fs *Fs) ReadSymlink(ctx context.Context, ino uint64) ([]byte, error) {
	start := time.Now()
	var target []byte
	err := fs.ReadTransact(ctx, "readlink", func(tx ReadTxn) error {
		stat, err := fs.txGetStat(tx, ino)
		if err != nil {
			return err
		}
		if !stat.IsSymlink() {
			return fmt.Errorf("inode %d is not a symlink: %w", ino, ErrInvalid)
		}
		target, err = tx.Get(fs.keys.symlink(ino))
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("symlink %d has no target: %w", ino, ErrNotExist)
		}
		return nil
	})
	fs.observe("readlink", start, err)
	return target, err
}
