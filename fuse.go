package nsfs

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

const fuseBlockSize = 4096

func errToFuseStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	return fuse.Status(Errno(err))
}

func fillFuseAttrFromStat(stat *Stat, out *fuse.Attr) {
	out.Ino = stat.Ino
	out.Size = stat.Size
	out.Blocks = (stat.Size + 511) / 512
	out.Blksize = fuseBlockSize
	out.Atime = stat.Atimesec
	out.Atimensec = stat.Atimensec
	out.Mtime = stat.Mtimesec
	out.Mtimensec = stat.Mtimensec
	out.Ctime = stat.Ctimesec
	out.Ctimensec = stat.Ctimensec
	out.Mode = stat.Mode
	out.Nlink = stat.Nlink
	out.Owner.Uid = stat.Uid
	out.Owner.Gid = stat.Gid
	out.Rdev = stat.Rdev
}

func fillFuseEntryOutFromStat(stat *Stat, out *fuse.EntryOut) {
	out.Generation = 0
	out.NodeId = stat.Ino
	fillFuseAttrFromStat(stat, &out.Attr)
}

func callerCredential(header *fuse.InHeader) *Credential {
	return &Credential{
		Uid: header.Caller.Uid,
		Gid: header.Caller.Gid,
	}
}

// cancelContext ties a context to the kernel's interrupt channel.
func cancelContext(cancel <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	go func() {
		select {
		case <-cancel:
			cancelCtx()
		case <-ctx.Done():
		}
	}()
	return ctx, cancelCtx
}

// openFile is a kernel file handle. Writes are spooled to a local file and
// uploaded as a whole object on flush.
type openFile struct {
	di *DirIter

	lock  sync.Mutex
	ino   uint64
	cred  *Credential
	spool *os.File
	dirty bool
}

func (f *openFile) flush(ctx context.Context, fs *Fs) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.spool == nil || !f.dirty {
		return nil
	}
	if _, err := f.spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := fs.WriteContent(ctx, f.cred, f.ino, f.spool); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

func (f *openFile) close() {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.spool != nil {
		_ = f.spool.Close()
		_ = os.Remove(f.spool.Name())
		f.spool = nil
	}
}

type FuseFs struct {
	fuse.RawFileSystem
	server *fuse.Server

	fs *Fs

	fileHandleCounter uint64

	lock        sync.Mutex
	fh2OpenFile map[uint64]*openFile
}

func NewFuseFs(fs *Fs) *FuseFs {
	return &FuseFs{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            fs,
		fh2OpenFile:   make(map[uint64]*openFile),
	}
}

func (fs *FuseFs) nextFileHandle() uint64 {
	return atomic.AddUint64(&fs.fileHandleCounter, 1)
}

func (fs *FuseFs) addOpenFile(f *openFile) uint64 {
	fh := fs.nextFileHandle()
	fs.lock.Lock()
	fs.fh2OpenFile[fh] = f
	fs.lock.Unlock()
	return fh
}

func (fs *FuseFs) getOpenFile(fh uint64) *openFile {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.fh2OpenFile[fh]
}

func (fs *FuseFs) Init(server *fuse.Server) {
	fs.server = server
}

func (fs *FuseFs) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()
	stat, err := fs.fs.Lookup(ctx, callerCredential(header), header.NodeId, name)
	if err != nil {
		return errToFuseStatus(err)
	}
	fillFuseEntryOutFromStat(&stat, out)
	return fuse.OK
}

func (fs *FuseFs) Forget(nodeId, nlookup uint64) {

}

func (fs *FuseFs) Access(cancel <-chan struct{}, in *fuse.AccessIn) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()
	stat, err := fs.fs.GetStat(ctx, in.NodeId)
	if err != nil {
		return errToFuseStatus(err)
	}
	return errToFuseStatus(CheckAccess(callerCredential(&in.InHeader), &stat, AccessMode(in.Mask&7)))
}

func (fs *FuseFs) GetAttr(cancel <-chan struct{}, in *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()
	stat, err := fs.fs.GetStat(ctx, in.NodeId)
	if err != nil {
		return errToFuseStatus(err)
	}
	fillFuseAttrFromStat(&stat, &out.Attr)
	return fuse.OK
}

func (fs *FuseFs) SetAttr(cancel <-chan struct{}, in *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()

	modStat := ModStatOpts{}

	if mtime, ok := in.GetMTime(); ok {
		modStat.SetMtime(mtime)
	}
	if atime, ok := in.GetATime(); ok {
		modStat.SetAtime(atime)
	}
	if ctime, ok := in.GetCTime(); ok {
		modStat.SetCtime(ctime)
	}
	if size, ok := in.GetSize(); ok {
		modStat.SetSize(size)
	}
	if mode, ok := in.GetMode(); ok {
		modStat.SetMode(mode)
	}
	if uid, ok := in.GetUID(); ok {
		modStat.SetUid(uid)
	}
	if gid, ok := in.GetGID(); ok {
		modStat.SetGid(gid)
	}

	stat, err := fs.fs.ModStat(ctx, callerCredential(&in.InHeader), in.NodeId, modStat)
	if err != nil {
		return errToFuseStatus(err)
	}

	fillFuseAttrFromStat(&stat, &out.Attr)
	return fuse.OK
}

// newSpool prepares a writable handle, seeded with the current content
// unless the file is being truncated.
func (fs *FuseFs) newSpool(ctx context.Context, cred *Credential, ino uint64, truncate bool) (*os.File, error) {
	spool, err := os.CreateTemp("", "nsfs-spool-*")
	if err != nil {
		return nil, err
	}
	if truncate {
		return spool, nil
	}
	buf := make([]byte, 1024*1024)
	offset := uint64(0)
	for {
		n, err := fs.fs.ReadContent(ctx, cred, ino, offset, buf)
		if n > 0 {
			if _, werr := spool.WriteAt(buf[:n], int64(offset)); werr != nil {
				err = werr
			}
			offset += uint64(n)
		}
		if errors.Is(err, io.EOF) {
			return spool, nil
		}
		if err != nil {
			_ = spool.Close()
			_ = os.Remove(spool.Name())
			return nil, err
		}
	}
}

func (fs *FuseFs) Open(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()

	cred := callerCredential(&in.InHeader)
	want := MAY_READ
	switch in.Flags & unix.O_ACCMODE {
	case unix.O_WRONLY:
		want = MAY_WRITE
	case unix.O_RDWR:
		want = MAY_READ | MAY_WRITE
	}
	stat, err := fs.fs.GetStat(ctx, in.NodeId)
	if err != nil {
		return errToFuseStatus(err)
	}
	if err := CheckAccess(cred, &stat, want); err != nil {
		return errToFuseStatus(err)
	}

	f := &openFile{ino: in.NodeId, cred: cred}
	if want&MAY_WRITE != 0 {
		f.spool, err = fs.newSpool(ctx, cred, in.NodeId, in.Flags&unix.O_TRUNC != 0)
		if err != nil {
			return errToFuseStatus(err)
		}
		f.dirty = in.Flags&unix.O_TRUNC != 0
	}

	out.Fh = fs.addOpenFile(f)
	out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	return fuse.OK
}

func (fs *FuseFs) Create(cancel <-chan struct{}, in *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()

	cred := callerCredential(&in.InHeader)
	stat, err := fs.fs.Mknod(ctx, cred, in.NodeId, name, MknodOpts{
		Mode: (^uint32(S_IFMT) & in.Mode) | S_IFREG,
		Uid:  in.Owner.Uid,
		Gid:  in.Owner.Gid,
	})
	if err != nil {
		return errToFuseStatus(err)
	}
	fillFuseEntryOutFromStat(&stat, &out.EntryOut)

	f := &openFile{ino: stat.Ino, cred: cred}
	f.spool, err = fs.newSpool(ctx, cred, stat.Ino, true)
	if err != nil {
		return errToFuseStatus(err)
	}

	out.Fh = fs.addOpenFile(f)
	out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	return fuse.OK
}

func (fs *FuseFs) Flush(cancel <-chan struct{}, in *fuse.FlushIn) fuse.Status {
	f := fs.getOpenFile(in.Fh)
	if f == nil {
		return fuse.Status(unix.EBADF)
	}
	ctx, done := cancelContext(cancel)
	defer done()
	return errToFuseStatus(f.flush(ctx, fs.fs))
}

func (fs *FuseFs) Release(cancel <-chan struct{}, in *fuse.ReleaseIn) {
	fs.lock.Lock()
	f := fs.fh2OpenFile[in.Fh]
	delete(fs.fh2OpenFile, in.Fh)
	fs.lock.Unlock()

	if f == nil {
		return
	}
	if err := f.flush(context.Background(), fs.fs); err != nil {
		fs.fs.log.Warn().Err(err).Uint64("ino", f.ino).Msg("content lost on release")
	}
	f.close()
}

// renameat2 flags.
const (
	_RENAME_NOREPLACE = 1 << 0
	_RENAME_EXCHANGE  = 1 << 1
)

func (fs *FuseFs) Rename(cancel <-chan struct{}, in *fuse.RenameIn, fromName string, toName string) fuse.Status {
	opts := RenameOpts{}
	switch in.Flags {
	case 0:
	case _RENAME_NOREPLACE:
		opts.NoReplace = true
	default:
		// Exchange and whiteout renames are not supported.
		return fuse.EINVAL
	}
	ctx, done := cancelContext(cancel)
	defer done()
	err := fs.fs.RenameWithOpts(ctx, callerCredential(&in.InHeader), in.NodeId, fromName, in.Newdir, toName, opts)
	return errToFuseStatus(err)
}

func (fs *FuseFs) Link(cancel <-chan struct{}, in *fuse.LinkIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()
	stat, err := fs.fs.HardLink(ctx, callerCredential(&in.InHeader), in.NodeId, in.Oldnodeid, name)
	if err != nil {
		return errToFuseStatus(err)
	}
	fillFuseEntryOutFromStat(&stat, out)
	return fuse.OK
}

func (fs *FuseFs) Read(cancel <-chan struct{}, in *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	f := fs.getOpenFile(in.Fh)
	if f == nil {
		return nil, fuse.Status(unix.EBADF)
	}

	f.lock.Lock()
	spool := f.spool
	if spool != nil {
		n, err := spool.ReadAt(buf, int64(in.Offset))
		f.lock.Unlock()
		if err != nil && err != io.EOF {
			return nil, errToFuseStatus(err)
		}
		return fuse.ReadResultData(buf[:n]), fuse.OK
	}
	f.lock.Unlock()

	ctx, done := cancelContext(cancel)
	defer done()
	n, err := fs.fs.ReadContent(ctx, f.cred, in.NodeId, in.Offset, buf)
	if err != nil && err != io.EOF {
		return nil, errToFuseStatus(err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (fs *FuseFs) Write(cancel <-chan struct{}, in *fuse.WriteIn, buf []byte) (uint32, fuse.Status) {
	f := fs.getOpenFile(in.Fh)
	if f == nil {
		return 0, fuse.Status(unix.EBADF)
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.spool == nil {
		return 0, fuse.Status(unix.EBADF)
	}
	n, err := f.spool.WriteAt(buf, int64(in.Offset))
	if n > 0 {
		f.dirty = true
	}
	if err != nil {
		return uint32(n), errToFuseStatus(err)
	}
	return uint32(n), fuse.OK
}

func (fs *FuseFs) Unlink(cancel <-chan struct{}, in *fuse.InHeader, name string) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()
	return errToFuseStatus(fs.fs.UnlinkFile(ctx, callerCredential(in), in.NodeId, name))
}

func (fs *FuseFs) Rmdir(cancel <-chan struct{}, in *fuse.InHeader, name string) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()
	return errToFuseStatus(fs.fs.Rmdir(ctx, callerCredential(in), in.NodeId, name))
}

func (fs *FuseFs) Symlink(cancel <-chan struct{}, in *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()
	stat, err := fs.fs.Mknod(ctx, callerCredential(in), in.NodeId, linkName, MknodOpts{
		Mode:       S_IFLNK | 0o777,
		Uid:        in.Owner.Uid,
		Gid:        in.Owner.Gid,
		LinkTarget: []byte(pointedTo),
	})
	if err != nil {
		return errToFuseStatus(err)
	}
	fillFuseEntryOutFromStat(&stat, out)
	return fuse.OK
}

func (fs *FuseFs) Readlink(cancel <-chan struct{}, in *fuse.InHeader) ([]byte, fuse.Status) {
	ctx, done := cancelContext(cancel)
	defer done()
	l, err := fs.fs.ReadSymlink(ctx, in.NodeId)
	if err != nil {
		return nil, errToFuseStatus(err)
	}
	return l, fuse.OK
}

func (fs *FuseFs) Mkdir(cancel <-chan struct{}, in *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx, done := cancelContext(cancel)
	defer done()
	stat, err := fs.fs.Mknod(ctx, callerCredential(&in.InHeader), in.NodeId, name, MknodOpts{
		Mode: (^uint32(S_IFMT) & in.Mode) | S_IFDIR,
		Uid:  in.Owner.Uid,
		Gid:  in.Owner.Gid,
	})
	if err != nil {
		return errToFuseStatus(err)
	}
	fillFuseEntryOutFromStat(&stat, out)
	return fuse.OK
}

func (fs *FuseFs) OpenDir(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	// The iterator outlives this request, so it must not use its context.
	dirIter, err := fs.fs.IterDirEnts(context.Background(), callerCredential(&in.InHeader), in.NodeId)
	if err != nil {
		return errToFuseStatus(err)
	}

	out.Fh = fs.addOpenFile(&openFile{di: dirIter})
	out.OpenFlags |= fuse.FOPEN_DIRECT_IO
	return fuse.OK
}

func (fs *FuseFs) readDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList, plus bool) fuse.Status {
	d := fs.getOpenFile(in.Fh)
	if d == nil || d.di == nil {
		return fuse.Status(unix.EBADF)
	}

	ctx, done := cancelContext(cancel)
	defer done()

	d.lock.Lock()
	defer d.lock.Unlock()

	for {
		ent, err := d.di.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return errToFuseStatus(err)
		}
		fuseDirEnt := fuse.DirEntry{
			Name: ent.Name,
			Mode: ent.Mode,
			Ino:  ent.Ino,
		}
		if plus {
			entryOut := out.AddDirLookupEntry(fuseDirEnt)
			if entryOut == nil {
				d.di.Unget(ent)
				break
			}
			stat, err := fs.fs.GetStat(ctx, ent.Ino)
			if err != nil {
				return errToFuseStatus(err)
			}
			fillFuseEntryOutFromStat(&stat, entryOut)
		} else if !out.AddDirEntry(fuseDirEnt) {
			d.di.Unget(ent)
			break
		}
	}
	return fuse.OK
}

func (fs *FuseFs) ReadDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	return fs.readDir(cancel, in, out, false)
}

func (fs *FuseFs) ReadDirPlus(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	return fs.readDir(cancel, in, out, true)
}

func (fs *FuseFs) Fsync(cancel <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	f := fs.getOpenFile(in.Fh)
	if f == nil {
		return fuse.OK
	}
	ctx, done := cancelContext(cancel)
	defer done()
	return errToFuseStatus(f.flush(ctx, fs.fs))
}

func (fs *FuseFs) FsyncDir(cancel <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (fs *FuseFs) ReleaseDir(in *fuse.ReleaseIn) {
	fs.lock.Lock()
	delete(fs.fh2OpenFile, in.Fh)
	fs.lock.Unlock()
}
