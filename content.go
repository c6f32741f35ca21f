package nsfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

func (fs *Fs) txGetRegularStat(tx ReadTxn, cred *Credential, ino uint64, want AccessMode) (Stat, error) {
	stat, err := fs.txGetStat(tx, ino)
	if err != nil {
		return Stat{}, err
	}
	if stat.IsDir() {
		return Stat{}, fmt.Errorf("inode %d: %w", ino, ErrIsDir)
	}
	if !stat.IsRegular() {
		return Stat{}, fmt.Errorf("inode %d is not a regular file: %w", ino, ErrInvalid)
	}
	if err := CheckAccess(cred, &stat, want); err != nil {
		return Stat{}, err
	}
	return stat, nil
}

// WriteContent replaces the content of the regular file ino with data. The
// object is uploaded first and then recorded on the inode, so a failed
// upload leaves the previous content in place.
func (fs *Fs) WriteContent(ctx context.Context, cred *Credential, ino uint64, data *os.File) (Stat, error) {
	start := time.Now()
	stat, err := fs.writeContent(ctx, cred, ino, data)
	fs.observe("write", start, err)
	return stat, err
}

func (fs *Fs) writeContent(ctx context.Context, cred *Credential, ino uint64, data *os.File) (Stat, error) {
	hadObject := false
	err := fs.ReadTransact(ctx, "write", func(tx ReadTxn) error {
		stat, err := fs.txGetRegularStat(tx, cred, ino, MAY_WRITE)
		hadObject = stat.HasObject()
		return err
	})
	if err != nil {
		return Stat{}, err
	}

	size, err := fs.objectStorage.Write(ctx, fs.fsName, ino, data)
	if err != nil {
		return Stat{}, fmt.Errorf("unable to upload content of inode %d: %w", ino, dataStoreErr(err))
	}

	var stat Stat
	err = fs.Transact(ctx, "write", func(tx Txn) error {
		var err error
		stat, err = fs.txGetRegularStat(tx, cred, ino, MAY_WRITE)
		if err != nil {
			return err
		}
		now := time.Now()
		stat.Size = uint64(size)
		stat.Flags |= FLAG_OBJECT
		stat.SetMtime(now)
		stat.SetCtime(now)
		return fs.txSetStat(tx, stat)
	})
	// An object the inode record does not point at would never be queued
	// for reclamation, so remove it now. That is the case when the file was
	// unlinked while uploading, or it had no object and the record update
	// failed.
	if err != nil && (errors.Is(err, ErrNotExist) || !hadObject) {
		if rmErr := fs.objectStorage.Remove(context.WithoutCancel(ctx), fs.fsName, ino); rmErr != nil {
			fs.log.Warn().Err(rmErr).Uint64("ino", ino).Msg("unable to remove orphaned upload")
		}
	}
	if err != nil {
		return Stat{}, err
	}
	return stat, nil
}

// ReadContent reads from the regular file ino at offset. Reads are clamped
// to the recorded size and return io.EOF at or past the end.
func (fs *Fs) ReadContent(ctx context.Context, cred *Credential, ino uint64, offset uint64, buf []byte) (int, error) {
	start := time.Now()
	n, err := fs.readContent(ctx, cred, ino, offset, buf)
	if errors.Is(err, io.EOF) {
		fs.observe("read", start, nil)
	} else {
		fs.observe("read", start, err)
	}
	return n, err
}

func (fs *Fs) readContent(ctx context.Context, cred *Credential, ino uint64, offset uint64, buf []byte) (int, error) {
	var stat Stat
	err := fs.ReadTransact(ctx, "read", func(tx ReadTxn) error {
		var err error
		stat, err = fs.txGetRegularStat(tx, cred, ino, MAY_READ)
		return err
	})
	if err != nil {
		return 0, err
	}

	if offset >= stat.Size {
		return 0, io.EOF
	}
	if remaining := stat.Size - offset; uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	if !stat.HasObject() {
		return int(zeroFill(buf)), nil
	}

	n, err := fs.objectStorage.Read(ctx, fs.fsName, ino, offset, buf)
	if errors.Is(err, io.EOF) {
		if n > 0 {
			return int(n), nil
		}
		return 0, io.EOF
	}
	if err != nil {
		return int(n), fmt.Errorf("unable to read content of inode %d: %w", ino, dataStoreErr(err))
	}
	return int(n), nil
}

// dataStoreErr classifies data store failures that carry no namespace error
// kind of their own as unavailability.
func dataStoreErr(err error) error {
	if ErrorKind(err) != "unknown" {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
