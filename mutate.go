package nsfs

import (
	"context"
	"fmt"
	"time"
)

const MAX_SYMLINK_LEN = 4096

type MknodOpts struct {
	// Mode carries the type bits (S_IFDIR, S_IFREG or S_IFLNK) and the
	// permission bits of the new inode.
	Mode       uint32
	Uid        uint32
	Gid        uint32
	Rdev       uint32
	LinkTarget []byte
}

func (opts *MknodOpts) validate() error {
	switch opts.Mode & S_IFMT {
	case S_IFDIR, S_IFREG:
		if len(opts.LinkTarget) != 0 {
			return fmt.Errorf("link target given for non symlink: %w", ErrInvalid)
		}
	case S_IFLNK:
		if len(opts.LinkTarget) == 0 || len(opts.LinkTarget) > MAX_SYMLINK_LEN {
			return fmt.Errorf("symlink target must be 1 to %d bytes: %w", MAX_SYMLINK_LEN, ErrInvalid)
		}
	default:
		return fmt.Errorf("unsupported file type %o: %w", opts.Mode&S_IFMT, ErrInvalid)
	}
	return nil
}

// txGetParentForUpdate loads a directory that is about to gain or lose an
// entry, failing early if cred may not modify it.
func (fs *Fs) txGetParentForUpdate(tx ReadTxn, cred *Credential, dir uint64) (Stat, error) {
	dirStat, err := fs.txGetDirStat(tx, dir)
	if err != nil {
		return Stat{}, err
	}
	if err := CheckAccess(cred, &dirStat, MAY_WRITE|MAY_EXEC); err != nil {
		return Stat{}, err
	}
	return dirStat, nil
}

func (fs *Fs) txNameIsFree(tx ReadTxn, dir uint64, name string) error {
	existing, err := tx.Get(fs.keys.child(dir, name))
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%q in directory %d: %w", name, dir, ErrExist)
	}
	return nil
}

// Mknod creates a regular file, directory or symlink named name in dir.
func (fs *Fs) Mknod(ctx context.Context, cred *Credential, dir uint64, name string, opts MknodOpts) (Stat, error) {
	start := time.Now()
	stat, err := fs.mknod(ctx, cred, dir, name, opts)
	fs.observe("mknod", start, err)
	return stat, err
}

func (fs *Fs) mknod(ctx context.Context, cred *Credential, dir uint64, name string, opts MknodOpts) (Stat, error) {
	if err := validateName(name); err != nil {
		return Stat{}, err
	}
	if err := opts.validate(); err != nil {
		return Stat{}, err
	}

	newIno, err := fs.nextIno(ctx)
	if err != nil {
		return Stat{}, err
	}

	now := time.Now()
	stat := Stat{
		Ino:   newIno,
		Mode:  opts.Mode,
		Nlink: 1,
		Uid:   opts.Uid,
		Gid:   opts.Gid,
		Rdev:  opts.Rdev,
	}
	switch {
	case stat.IsDir():
		stat.Nlink = 2
		stat.Parent = dir
	case stat.IsSymlink():
		stat.Size = uint64(len(opts.LinkTarget))
	}
	stat.SetAtime(now)
	stat.SetMtime(now)
	stat.SetCtime(now)

	err = fs.Transact(ctx, "mknod", func(tx Txn) error {
		dirStat, err := fs.txGetParentForUpdate(tx, cred, dir)
		if err != nil {
			return err
		}
		if err := fs.txNameIsFree(tx, dir, name); err != nil {
			return err
		}
		if err := fs.txSetStat(tx, stat); err != nil {
			return err
		}
		if stat.IsSymlink() {
			if err := tx.Set(fs.keys.symlink(stat.Ino), opts.LinkTarget); err != nil {
				return err
			}
		}
		err = fs.txSetDirEnt(tx, dir, DirEnt{
			Name: name,
			Mode: stat.Mode & S_IFMT,
			Ino:  stat.Ino,
		})
		if err != nil {
			return err
		}
		if stat.IsDir() {
			dirStat.Nlink += 1
		}
		dirStat.SetMtime(now)
		dirStat.SetCtime(now)
		return fs.txSetStat(tx, dirStat)
	})
	if err != nil {
		return Stat{}, err
	}
	fs.log.Debug().Uint64("dir", dir).Str("name", name).Uint64("ino", stat.Ino).Msg("mknod")
	return stat, nil
}

// HardLink adds name in dir as another reference to the non-directory ino.
func (fs *Fs) HardLink(ctx context.Context, cred *Credential, dir, ino uint64, name string) (Stat, error) {
	start := time.Now()
	stat, err := fs.hardLink(ctx, cred, dir, ino, name)
	fs.observe("link", start, err)
	return stat, err
}

func (fs *Fs) hardLink(ctx context.Context, cred *Credential, dir, ino uint64, name string) (Stat, error) {
	if err := validateName(name); err != nil {
		return Stat{}, err
	}
	var stat Stat
	err := fs.Transact(ctx, "link", func(tx Txn) error {
		now := time.Now()
		dirStat, err := fs.txGetParentForUpdate(tx, cred, dir)
		if err != nil {
			return err
		}
		stat, err = fs.txGetStat(tx, ino)
		if err != nil {
			return err
		}
		if stat.IsDir() {
			return fmt.Errorf("cannot hard link directory %d: %w", ino, ErrIsDir)
		}
		if err := fs.txNameIsFree(tx, dir, name); err != nil {
			return err
		}
		stat.Nlink += 1
		stat.SetCtime(now)
		if err := fs.txSetStat(tx, stat); err != nil {
			return err
		}
		err = fs.txSetDirEnt(tx, dir, DirEnt{
			Name: name,
			Mode: stat.Mode & S_IFMT,
			Ino:  stat.Ino,
		})
		if err != nil {
			return err
		}
		dirStat.SetMtime(now)
		dirStat.SetCtime(now)
		return fs.txSetStat(tx, dirStat)
	})
	if err != nil {
		return Stat{}, err
	}
	fs.log.Debug().Uint64("dir", dir).Str("name", name).Uint64("ino", ino).Msg("link")
	return stat, nil
}

type unlinkKind int

const (
	unlinkAny unlinkKind = iota
	unlinkDirOnly
	unlinkFileOnly
)

func (fs *Fs) txUnlink(tx Txn, cred *Credential, dir uint64, name string, kind unlinkKind, now time.Time) error {
	dirStat, err := fs.txGetParentForUpdate(tx, cred, dir)
	if err != nil {
		return err
	}
	dirEnt, err := fs.txLookup(tx, dir, name)
	if err != nil {
		return err
	}
	stat, err := fs.txGetStat(tx, dirEnt.Ino)
	if err != nil {
		return err
	}
	if err := checkSticky(cred, &dirStat, &stat); err != nil {
		return err
	}

	switch {
	case kind == unlinkDirOnly && !stat.IsDir():
		return fmt.Errorf("%q: %w", name, ErrNotDir)
	case kind == unlinkFileOnly && stat.IsDir():
		return fmt.Errorf("%q: %w", name, ErrIsDir)
	}

	if stat.IsDir() {
		empty, err := fs.txIsEmpty(tx, stat.Ino)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%q: %w", name, ErrNotEmpty)
		}
		dirStat.Nlink -= 1
	}

	if err := fs.txClearDirEnt(tx, dir, name); err != nil {
		return err
	}
	if _, err := fs.txDropLink(tx, &stat, now); err != nil {
		return err
	}
	dirStat.SetMtime(now)
	dirStat.SetCtime(now)
	return fs.txSetStat(tx, dirStat)
}

func (fs *Fs) unlink(ctx context.Context, op string, cred *Credential, dir uint64, name string, kind unlinkKind) error {
	start := time.Now()
	err := validateName(name)
	if err == nil {
		err = fs.Transact(ctx, op, func(tx Txn) error {
			return fs.txUnlink(tx, cred, dir, name, kind, time.Now())
		})
	}
	if err == nil {
		fs.log.Debug().Str("op", op).Uint64("dir", dir).Str("name", name).Msg("unlinked")
	}
	fs.observe(op, start, err)
	return err
}

// Unlink removes the entry name from dir. It accepts files and empty
// directories.
func (fs *Fs) Unlink(ctx context.Context, cred *Credential, dir uint64, name string) error {
	return fs.unlink(ctx, "unlink", cred, dir, name, unlinkAny)
}

// Rmdir removes an empty directory.
func (fs *Fs) Rmdir(ctx context.Context, cred *Credential, dir uint64, name string) error {
	return fs.unlink(ctx, "rmdir", cred, dir, name, unlinkDirOnly)
}

// UnlinkFile removes a non-directory entry, as unlink(2) does.
func (fs *Fs) UnlinkFile(ctx context.Context, cred *Credential, dir uint64, name string) error {
	return fs.unlink(ctx, "unlink", cred, dir, name, unlinkFileOnly)
}

const (
	SETSTAT_MODE = 1 << iota
	SETSTAT_UID
	SETSTAT_GID
	SETSTAT_SIZE
	SETSTAT_ATIME
	SETSTAT_MTIME
	SETSTAT_CTIME
)

type ModStatOpts struct {
	Valid     uint32
	Size      uint64
	Atimesec  uint64
	Mtimesec  uint64
	Ctimesec  uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Uid       uint32
	Gid       uint32
}

func (m *ModStatOpts) SetMode(mode uint32) {
	m.Valid |= SETSTAT_MODE
	m.Mode = mode
}

func (m *ModStatOpts) SetUid(uid uint32) {
	m.Valid |= SETSTAT_UID
	m.Uid = uid
}

func (m *ModStatOpts) SetGid(gid uint32) {
	m.Valid |= SETSTAT_GID
	m.Gid = gid
}

func (m *ModStatOpts) SetSize(size uint64) {
	m.Valid |= SETSTAT_SIZE
	m.Size = size
}

func (m *ModStatOpts) SetAtime(t time.Time) {
	m.Valid |= SETSTAT_ATIME
	m.Atimesec, m.Atimensec = uint64(t.Unix()), uint32(t.Nanosecond())
}

func (m *ModStatOpts) SetMtime(t time.Time) {
	m.Valid |= SETSTAT_MTIME
	m.Mtimesec, m.Mtimensec = uint64(t.Unix()), uint32(t.Nanosecond())
}

func (m *ModStatOpts) SetCtime(t time.Time) {
	m.Valid |= SETSTAT_CTIME
	m.Ctimesec, m.Ctimensec = uint64(t.Unix()), uint32(t.Nanosecond())
}

func (fs *Fs) txModStat(cred *Credential, stat *Stat, opts ModStatOpts) error {
	if opts.Valid&SETSTAT_MODE != 0 {
		if !isOwner(cred, stat) {
			return fmt.Errorf("chmod of inode %d: %w", stat.Ino, ErrPermission)
		}
		stat.Mode = (stat.Mode & S_IFMT) | (opts.Mode & S_IPERMS)
	}

	if opts.Valid&SETSTAT_UID != 0 && opts.Uid != stat.Uid {
		if !cred.IsRoot() {
			return fmt.Errorf("chown of inode %d: %w", stat.Ino, ErrPermission)
		}
		stat.Uid = opts.Uid
	}

	if opts.Valid&SETSTAT_GID != 0 && opts.Gid != stat.Gid {
		if !cred.IsRoot() && !(cred.Uid == stat.Uid && cred.InGroup(opts.Gid)) {
			return fmt.Errorf("chgrp of inode %d: %w", stat.Ino, ErrPermission)
		}
		stat.Gid = opts.Gid
	}

	if opts.Valid&SETSTAT_SIZE != 0 {
		switch {
		case stat.IsDir():
			return fmt.Errorf("truncate of inode %d: %w", stat.Ino, ErrIsDir)
		case !stat.IsRegular():
			return fmt.Errorf("truncate of inode %d: %w", stat.Ino, ErrInvalid)
		}
		if err := CheckAccess(cred, stat, MAY_WRITE); err != nil {
			return err
		}
		stat.Size = opts.Size
	}

	if opts.Valid&(SETSTAT_ATIME|SETSTAT_MTIME) != 0 {
		if !isOwner(cred, stat) {
			if err := CheckAccess(cred, stat, MAY_WRITE); err != nil {
				return err
			}
		}
		if opts.Valid&SETSTAT_ATIME != 0 {
			stat.Atimesec, stat.Atimensec = opts.Atimesec, opts.Atimensec
		}
		if opts.Valid&SETSTAT_MTIME != 0 {
			stat.Mtimesec, stat.Mtimensec = opts.Mtimesec, opts.Mtimensec
		}
	}

	if opts.Valid&SETSTAT_CTIME != 0 {
		stat.Ctimesec, stat.Ctimensec = opts.Ctimesec, opts.Ctimensec
	} else {
		stat.SetCtime(time.Now())
	}
	return nil
}

// ModStat changes the attributes of ino selected by opts.Valid.
func (fs *Fs) ModStat(ctx context.Context, cred *Credential, ino uint64, opts ModStatOpts) (Stat, error) {
	start := time.Now()
	var stat Stat
	err := fs.Transact(ctx, "setattr", func(tx Txn) error {
		var err error
		stat, err = fs.txGetStat(tx, ino)
		if err != nil {
			return err
		}
		if err := fs.txModStat(cred, &stat, opts); err != nil {
			return err
		}
		return fs.txSetStat(tx, stat)
	})
	fs.observe("setattr", start, err)
	return stat, err
}
