package nsfs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RenamePhase is the progress of a single rename attempt.
type RenamePhase int

const (
	RenameResolving RenamePhase = iota
	RenameValidating
	RenameCommitting
	RenameDone
	RenameAborted
)

func (p RenamePhase) String() string {
	switch p {
	case RenameResolving:
		return "resolving"
	case RenameValidating:
		return "validating"
	case RenameCommitting:
		return "committing"
	case RenameDone:
		return "done"
	case RenameAborted:
		return "aborted"
	default:
		return fmt.Sprintf("RenamePhase(%d)", int(p))
	}
}

// txCheckNotAncestor fails if ino is dir or one of its ancestors. The walk
// follows parent back-references inside the caller's transaction, so a
// concurrent move of any directory on the path conflicts with the commit.
func (fs *Fs) txCheckNotAncestor(tx ReadTxn, ino, dir uint64) error {
	cur := dir
	for depth := 0; ; depth++ {
		if cur == ino {
			return fmt.Errorf("cannot move directory %d into its own subtree: %w", ino, ErrInvalid)
		}
		if cur == ROOT_INO {
			return nil
		}
		if depth >= fs.maxTreeDepth {
			return fmt.Errorf("directory %d is deeper than %d levels: %w", dir, fs.maxTreeDepth, ErrConflict)
		}
		stat, err := fs.txGetStat(tx, cur)
		if errors.Is(err, ErrNotExist) {
			return fmt.Errorf("ancestor %d vanished during rename: %w", cur, ErrConflict)
		}
		if err != nil {
			return err
		}
		cur = stat.Parent
	}
}

type RenameOpts struct {
	// NoReplace fails with ErrExist instead of replacing an existing
	// destination.
	NoReplace bool
}

// Rename moves srcName in srcDir to dstName in dstDir, replacing a
// compatible destination. Either every change commits or none does.
func (fs *Fs) Rename(ctx context.Context, cred *Credential, srcDir uint64, srcName string, dstDir uint64, dstName string) error {
	return fs.RenameWithOpts(ctx, cred, srcDir, srcName, dstDir, dstName, RenameOpts{})
}

func (fs *Fs) RenameWithOpts(ctx context.Context, cred *Credential, srcDir uint64, srcName string, dstDir uint64, dstName string, opts RenameOpts) error {
	start := time.Now()
	phase := RenameResolving
	err := validateName(srcName)
	if err == nil {
		err = validateName(dstName)
	}
	if err == nil {
		err = fs.Transact(ctx, "rename", func(tx Txn) error {
			phase = RenameResolving
			err := fs.txRename(tx, cred, srcDir, srcName, dstDir, dstName, opts, &phase)
			if err == nil {
				phase = RenameDone
			}
			return err
		})
	}
	if err != nil {
		fs.log.Debug().
			Stringer("phase", phase).
			Uint64("src_dir", srcDir).Str("src", srcName).
			Uint64("dst_dir", dstDir).Str("dst", dstName).
			Err(err).Msg("rename aborted")
		phase = RenameAborted
	} else {
		fs.log.Debug().
			Uint64("src_dir", srcDir).Str("src", srcName).
			Uint64("dst_dir", dstDir).Str("dst", dstName).
			Msg("renamed")
	}
	fs.observe("rename", start, err)
	return err
}

func (fs *Fs) txRename(tx Txn, cred *Credential, srcDir uint64, srcName string, dstDir uint64, dstName string, opts RenameOpts, phase *RenamePhase) error {
	srcDirStat, err := fs.txGetParentForUpdate(tx, cred, srcDir)
	if err != nil {
		return err
	}
	dstDirStat := &srcDirStat
	if dstDir != srcDir {
		stat, err := fs.txGetParentForUpdate(tx, cred, dstDir)
		if err != nil {
			return err
		}
		dstDirStat = &stat
	}

	srcEnt, err := fs.txLookup(tx, srcDir, srcName)
	if err != nil {
		return err
	}
	if opts.NoReplace {
		if err := fs.txNameIsFree(tx, dstDir, dstName); err != nil {
			return err
		}
	}
	if srcDir == dstDir && srcName == dstName {
		return nil
	}
	srcStat, err := fs.txGetStat(tx, srcEnt.Ino)
	if err != nil {
		return err
	}

	dstExists := true
	dstEnt, err := fs.txLookup(tx, dstDir, dstName)
	if errors.Is(err, ErrNotExist) {
		dstExists = false
	} else if err != nil {
		return err
	}
	if dstExists && dstEnt.Ino == srcEnt.Ino {
		// Both names are links to the same inode.
		return nil
	}

	*phase = RenameValidating

	if err := checkSticky(cred, &srcDirStat, &srcStat); err != nil {
		return err
	}
	if srcStat.IsDir() && srcDir != dstDir {
		if err := fs.txCheckNotAncestor(tx, srcStat.Ino, dstDir); err != nil {
			return err
		}
	}

	var dstStat Stat
	if dstExists {
		dstStat, err = fs.txGetStat(tx, dstEnt.Ino)
		if err != nil {
			return err
		}
		if err := checkSticky(cred, dstDirStat, &dstStat); err != nil {
			return err
		}
		if dstStat.IsDir() {
			if !srcStat.IsDir() {
				return fmt.Errorf("%q is a directory: %w", dstName, ErrIsDir)
			}
			empty, err := fs.txIsEmpty(tx, dstStat.Ino)
			if err != nil {
				return err
			}
			if !empty {
				return fmt.Errorf("%q: %w", dstName, ErrNotEmpty)
			}
		} else if srcStat.IsDir() {
			return fmt.Errorf("%q is not a directory: %w", dstName, ErrNotDir)
		}
	}

	*phase = RenameCommitting
	now := time.Now()

	if dstExists {
		if dstStat.IsDir() {
			dstDirStat.Nlink -= 1
		}
		if _, err := fs.txDropLink(tx, &dstStat, now); err != nil {
			return err
		}
	}

	if err := fs.txClearDirEnt(tx, srcDir, srcName); err != nil {
		return err
	}
	err = fs.txSetDirEnt(tx, dstDir, DirEnt{
		Name: dstName,
		Mode: srcStat.Mode & S_IFMT,
		Ino:  srcStat.Ino,
	})
	if err != nil {
		return err
	}

	if srcStat.IsDir() && srcDir != dstDir {
		srcStat.Parent = dstDir
		srcDirStat.Nlink -= 1
		dstDirStat.Nlink += 1
	}
	srcStat.SetCtime(now)
	if err := fs.txSetStat(tx, srcStat); err != nil {
		return err
	}

	srcDirStat.SetMtime(now)
	srcDirStat.SetCtime(now)
	if err := fs.txSetStat(tx, srcDirStat); err != nil {
		return err
	}
	if dstDir != srcDir {
		dstDirStat.SetMtime(now)
		dstDirStat.SetCtime(now)
		if err := fs.txSetStat(tx, *dstDirStat); err != nil {
			return err
		}
	}
	return nil
}
