package nsfs_test

import (
	"testing"

	"github.com/andrewchambers/nsfs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

func fuseRename(fuseFs *nsfs.FuseFs, dir uint64, from, to string, flags uint32) fuse.Status {
	in := &fuse.RenameIn{
		InHeader: fuse.InHeader{NodeId: dir},
		Newdir:   dir,
		Flags:    flags,
	}
	return fuseFs.Rename(make(chan struct{}), in, from, to)
}

func TestFuseRenameFlags(t *testing.T) {
	fs := tmpFs(t)
	fuseFs := nsfs.NewFuseFs(fs)

	a := touch(t, fs, nsfs.ROOT_INO, "a")
	b := touch(t, fs, nsfs.ROOT_INO, "b")

	// RENAME_NOREPLACE
	if status := fuseRename(fuseFs, nsfs.ROOT_INO, "a", "b", 1); status != fuse.Status(unix.EEXIST) {
		t.Fatalf("no replace rename over an existing file: %v", status)
	}
	// RENAME_EXCHANGE
	if status := fuseRename(fuseFs, nsfs.ROOT_INO, "a", "b", 2); status != fuse.EINVAL {
		t.Fatalf("exchange rename: %v", status)
	}
	// RENAME_WHITEOUT
	if status := fuseRename(fuseFs, nsfs.ROOT_INO, "a", "b", 4); status != fuse.EINVAL {
		t.Fatalf("whiteout rename: %v", status)
	}
	if lookup(t, fs, nsfs.ROOT_INO, "a").Ino != a.Ino || lookup(t, fs, nsfs.ROOT_INO, "b").Ino != b.Ino {
		t.Fatal("rejected renames changed the namespace")
	}
	getStat(t, fs, b.Ino)

	if status := fuseRename(fuseFs, nsfs.ROOT_INO, "a", "c", 1); status != fuse.OK {
		t.Fatalf("no replace rename to a free name: %v", status)
	}
	if status := fuseRename(fuseFs, nsfs.ROOT_INO, "c", "b", 0); status != fuse.OK {
		t.Fatalf("plain rename: %v", status)
	}
	if lookup(t, fs, nsfs.ROOT_INO, "b").Ino != a.Ino {
		t.Fatal("plain rename did not replace the destination")
	}
	checkLinks(t, fs)
}
