package nsfs

import (
	"errors"
	"fmt"
	iofs "io/fs"

	"golang.org/x/sys/unix"
)

var (
	ErrNotExist   = iofs.ErrNotExist
	ErrExist      = iofs.ErrExist
	ErrPermission = iofs.ErrPermission
	ErrInvalid    = iofs.ErrInvalid
	ErrNotEmpty   = errors.New("directory is not empty")
	ErrNotDir     = errors.New("not a directory")
	ErrIsDir      = errors.New("is a directory")

	// ErrConflict is transient, the operation can be retried from scratch.
	ErrConflict = errors.New("transaction conflict")
	// ErrStoreUnavailable is fatal to the operation but not to the client.
	ErrStoreUnavailable = errors.New("namespace store unavailable")

	ErrInvalidName = fmt.Errorf("invalid name: %w", ErrInvalid)
	ErrDetached    = fmt.Errorf("client detached: %w", ErrStoreUnavailable)
)

var errorKinds = []struct {
	err   error
	name  string
	errno unix.Errno
}{
	{ErrNotExist, "not_found", unix.ENOENT},
	{ErrExist, "already_exists", unix.EEXIST},
	{ErrNotEmpty, "not_empty", unix.ENOTEMPTY},
	{ErrNotDir, "not_a_directory", unix.ENOTDIR},
	{ErrIsDir, "is_a_directory", unix.EISDIR},
	{ErrInvalid, "invalid_argument", unix.EINVAL},
	{ErrPermission, "permission_denied", unix.EACCES},
	{ErrConflict, "conflict", unix.EAGAIN},
	{ErrStoreUnavailable, "store_unavailable", unix.EIO},
}

// ErrorKind names the error class of err, "ok" for nil and "unknown" for
// errors outside the namespace taxonomy.
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}

// Errno maps an error to the errno reported to the kernel.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.errno
		}
	}
	return unix.EIO
}
