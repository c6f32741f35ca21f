package nsfs

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	S_IFMT   = 0o170000
	S_IFDIR  = 0o040000
	S_IFREG  = 0o100000
	S_IFLNK  = 0o120000
	S_ISVTX  = 0o001000
	S_IPERMS = 0o007777
)

const (
	// The inode has content in the data store.
	FLAG_OBJECT uint32 = 1 << iota
)

const ROOT_INO uint64 = 1

const (
	CURRENT_SCHEMA_VERSION = 1
	statVersion            = 1
	statSize               = 1 + 8*6 + 4*9
)

var ErrCorruptStat = errors.New("corrupt inode record")

// Stat is the inode record.
type Stat struct {
	Ino       uint64
	Parent    uint64 // directories only, the ".." back-reference
	Size      uint64
	Atimesec  uint64
	Mtimesec  uint64
	Ctimesec  uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Flags     uint32
}

func (s *Stat) IsDir() bool     { return s.Mode&S_IFMT == S_IFDIR }
func (s *Stat) IsRegular() bool { return s.Mode&S_IFMT == S_IFREG }
func (s *Stat) IsSymlink() bool { return s.Mode&S_IFMT == S_IFLNK }

func (s *Stat) HasObject() bool { return s.Flags&FLAG_OBJECT != 0 }

func (s *Stat) SetAtime(t time.Time) {
	s.Atimesec, s.Atimensec = uint64(t.Unix()), uint32(t.Nanosecond())
}

func (s *Stat) SetMtime(t time.Time) {
	s.Mtimesec, s.Mtimensec = uint64(t.Unix()), uint32(t.Nanosecond())
}

func (s *Stat) SetCtime(t time.Time) {
	s.Ctimesec, s.Ctimensec = uint64(t.Unix()), uint32(t.Nanosecond())
}

func (s *Stat) Atime() time.Time { return time.Unix(int64(s.Atimesec), int64(s.Atimensec)) }
func (s *Stat) Mtime() time.Time { return time.Unix(int64(s.Mtimesec), int64(s.Mtimensec)) }
func (s *Stat) Ctime() time.Time { return time.Unix(int64(s.Ctimesec), int64(s.Ctimensec)) }

func (s *Stat) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 1, statSize)
	buf[0] = statVersion
	le := binary.LittleEndian
	buf = le.AppendUint64(buf, s.Ino)
	buf = le.AppendUint64(buf, s.Parent)
	buf = le.AppendUint64(buf, s.Size)
	buf = le.AppendUint64(buf, s.Atimesec)
	buf = le.AppendUint64(buf, s.Mtimesec)
	buf = le.AppendUint64(buf, s.Ctimesec)
	buf = le.AppendUint32(buf, s.Atimensec)
	buf = le.AppendUint32(buf, s.Mtimensec)
	buf = le.AppendUint32(buf, s.Ctimensec)
	buf = le.AppendUint32(buf, s.Mode)
	buf = le.AppendUint32(buf, s.Nlink)
	buf = le.AppendUint32(buf, s.Uid)
	buf = le.AppendUint32(buf, s.Gid)
	buf = le.AppendUint32(buf, s.Rdev)
	buf = le.AppendUint32(buf, s.Flags)
	return buf, nil
}

func (s *Stat) UnmarshalBinary(buf []byte) error {
	if len(buf) != statSize || buf[0] != statVersion {
		return ErrCorruptStat
	}
	le := binary.LittleEndian
	b := buf[1:]
	u64 := func() uint64 { v := le.Uint64(b); b = b[8:]; return v }
	u32 := func() uint32 { v := le.Uint32(b); b = b[4:]; return v }
	s.Ino = u64()
	s.Parent = u64()
	s.Size = u64()
	s.Atimesec = u64()
	s.Mtimesec = u64()
	s.Ctimesec = u64()
	s.Atimensec = u32()
	s.Mtimensec = u32()
	s.Ctimensec = u32()
	s.Mode = u32()
	s.Nlink = u32()
	s.Uid = u32()
	s.Gid = u32()
	s.Rdev = u32()
	s.Flags = u32()
	return nil
}

// DirEnt is the value stored under a (parent, name) key. The child's type
// bits are duplicated here so directory listings avoid a stat per entry.
type DirEnt struct {
	Name string
	Mode uint32
	Ino  uint64
}

func (e *DirEnt) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 12)
	buf = binary.LittleEndian.AppendUint32(buf, e.Mode)
	buf = binary.LittleEndian.AppendUint64(buf, e.Ino)
	return buf, nil
}

func (e *DirEnt) UnmarshalBinary(buf []byte) error {
	if len(buf) != 12 {
		return errors.New("corrupt directory entry")
	}
	e.Mode = binary.LittleEndian.Uint32(buf[0:4])
	e.Ino = binary.LittleEndian.Uint64(buf[4:12])
	return nil
}
