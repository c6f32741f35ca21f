package nsfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Tuple is a namespace store key. Elements are strings or uint64s, packed so
// that byte order matches element-wise order, which keeps every prefix of a
// key a contiguous range of the store.
type Tuple []interface{}

const (
	tupleString = 0x02
	tupleUint   = 0x15
)

var ErrCorruptKey = errors.New("corrupt key")

func (t Tuple) Pack() []byte {
	buf := make([]byte, 0, 32)
	for _, elem := range t {
		switch elem := elem.(type) {
		case string:
			buf = append(buf, tupleString)
			for i := 0; i < len(elem); i++ {
				buf = append(buf, elem[i])
				if elem[i] == 0x00 {
					buf = append(buf, 0xff)
				}
			}
			buf = append(buf, 0x00)
		case uint64:
			buf = append(buf, tupleUint)
			buf = binary.BigEndian.AppendUint64(buf, elem)
		case int:
			buf = append(buf, tupleUint)
			buf = binary.BigEndian.AppendUint64(buf, uint64(elem))
		default:
			panic(fmt.Sprintf("unsupported tuple element %T", elem))
		}
	}
	return buf
}

func UnpackTuple(b []byte) (Tuple, error) {
	t := Tuple{}
	for len(b) > 0 {
		switch b[0] {
		case tupleString:
			b = b[1:]
			s := make([]byte, 0, 16)
			for {
				if len(b) == 0 {
					return nil, ErrCorruptKey
				}
				if b[0] == 0x00 {
					if len(b) > 1 && b[1] == 0xff {
						s = append(s, 0x00)
						b = b[2:]
						continue
					}
					b = b[1:]
					break
				}
				s = append(s, b[0])
				b = b[1:]
			}
			t = append(t, string(s))
		case tupleUint:
			if len(b) < 9 {
				return nil, ErrCorruptKey
			}
			t = append(t, binary.BigEndian.Uint64(b[1:9]))
			b = b[9:]
		default:
			return nil, ErrCorruptKey
		}
	}
	return t, nil
}

// HasPrefix reports whether p is an element-wise prefix of t.
func (t Tuple) HasPrefix(p Tuple) bool {
	return bytes.HasPrefix(t.Pack(), p.Pack())
}

// Uint64At returns element i as a uint64.
func (t Tuple) Uint64At(i int) (uint64, bool) {
	if i < 0 || i >= len(t) {
		return 0, false
	}
	v, ok := t[i].(uint64)
	return v, ok
}

// StringAt returns element i as a string.
func (t Tuple) StringAt(i int) (string, bool) {
	if i < 0 || i >= len(t) {
		return "", false
	}
	v, ok := t[i].(string)
	return v, ok
}

// Key layout for one filesystem, all under {"nsfs", fsName}:
//
//	version                      schema version byte
//	inocntr                      next unallocated inode number
//	ino <ino> stat               Stat record
//	ino <ino> symlink            symlink target
//	ino <ino> child <name>       DirEnt
//	reclaim <ino>                data store object awaiting removal
//	clients <id>                 client index
//	client <id> info|attached|heartbeat
//
// {"nsfs-index", fsName} lists formatted filesystems.
type keyspace struct {
	fsName string
}

func (k keyspace) root() Tuple                  { return Tuple{"nsfs", k.fsName} }
func (k keyspace) indexEntry() Tuple            { return Tuple{"nsfs-index", k.fsName} }
func (k keyspace) version() Tuple               { return Tuple{"nsfs", k.fsName, "version"} }
func (k keyspace) inoCounter() Tuple            { return Tuple{"nsfs", k.fsName, "inocntr"} }
func (k keyspace) inodes() Tuple                { return Tuple{"nsfs", k.fsName, "ino"} }
func (k keyspace) inode(ino uint64) Tuple       { return Tuple{"nsfs", k.fsName, "ino", ino} }
func (k keyspace) stat(ino uint64) Tuple        { return Tuple{"nsfs", k.fsName, "ino", ino, "stat"} }
func (k keyspace) symlink(ino uint64) Tuple     { return Tuple{"nsfs", k.fsName, "ino", ino, "symlink"} }
func (k keyspace) children(ino uint64) Tuple    { return Tuple{"nsfs", k.fsName, "ino", ino, "child"} }
func (k keyspace) reclaimQueue() Tuple          { return Tuple{"nsfs", k.fsName, "reclaim"} }
func (k keyspace) reclaim(ino uint64) Tuple     { return Tuple{"nsfs", k.fsName, "reclaim", ino} }
func (k keyspace) clients() Tuple               { return Tuple{"nsfs", k.fsName, "clients"} }
func (k keyspace) clientIndex(id string) Tuple  { return Tuple{"nsfs", k.fsName, "clients", id} }
func (k keyspace) client(id string) Tuple       { return Tuple{"nsfs", k.fsName, "client", id} }
func (k keyspace) clientInfo(id string) Tuple   { return Tuple{"nsfs", k.fsName, "client", id, "info"} }
func (k keyspace) clientAttach(id string) Tuple { return Tuple{"nsfs", k.fsName, "client", id, "attached"} }
func (k keyspace) clientBeat(id string) Tuple   { return Tuple{"nsfs", k.fsName, "client", id, "heartbeat"} }

func (k keyspace) child(parent uint64, name string) Tuple {
	return Tuple{"nsfs", k.fsName, "ino", parent, "child", name}
}
