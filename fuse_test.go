package nsfs

import (
	"fmt"
	iofs "io/fs"
	"os"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

func TestErrToFuseStatus(t *testing.T) {

	testCases := []struct {
		e error
		s fuse.Status
	}{
		{nil, fuse.OK},
		{ErrNotExist, fuse.Status(unix.ENOENT)},
		{ErrExist, fuse.Status(unix.EEXIST)},
		{ErrNotEmpty, fuse.Status(unix.ENOTEMPTY)},
		{ErrNotDir, fuse.Status(unix.ENOTDIR)},
		{ErrIsDir, fuse.Status(unix.EISDIR)},
		{ErrInvalid, fuse.Status(unix.EINVAL)},
		{ErrInvalidName, fuse.Status(unix.EINVAL)},
		{ErrPermission, fuse.Status(unix.EACCES)},
		{ErrConflict, fuse.Status(unix.EAGAIN)},
		{ErrStoreUnavailable, fuse.Status(unix.EIO)},
		{ErrDetached, fuse.Status(unix.EIO)},
		{fmt.Errorf("rename: %w", ErrNotEmpty), fuse.Status(unix.ENOTEMPTY)},
		{unix.ENOSPC, fuse.Status(unix.ENOSPC)},
		{fmt.Errorf("something odd"), fuse.Status(unix.EIO)},

		{iofs.ErrNotExist, fuse.Status(unix.ENOENT)},
		{iofs.ErrExist, fuse.Status(unix.EEXIST)},
		{iofs.ErrInvalid, fuse.Status(unix.EINVAL)},

		{os.ErrNotExist, fuse.Status(unix.ENOENT)},
		{os.ErrExist, fuse.Status(unix.EEXIST)},
		{os.ErrInvalid, fuse.Status(unix.EINVAL)},
	}

	for _, tc := range testCases {
		if errToFuseStatus(tc.e) != tc.s {
			t.Fatalf("%v != %v", tc.e, tc.s)
		}
	}

}

func TestFillFuseAttrFromStat(t *testing.T) {
	stat := Stat{
		Ino:   42,
		Size:  1025,
		Mode:  S_IFREG | 0o640,
		Nlink: 2,
		Uid:   1000,
		Gid:   100,
	}
	var out fuse.Attr
	fillFuseAttrFromStat(&stat, &out)
	if out.Ino != 42 || out.Size != 1025 || out.Nlink != 2 {
		t.Fatalf("%#v", out)
	}
	if out.Blocks != 3 {
		t.Fatalf("blocks: %d", out.Blocks)
	}
	if out.Mode != S_IFREG|0o640 || out.Owner.Uid != 1000 || out.Owner.Gid != 100 {
		t.Fatalf("%#v", out)
	}
}
