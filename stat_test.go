package nsfs

import (
	"errors"
	"testing"
)

func TestDirEntMarshalAndUnmarshal(t *testing.T) {
	e1 := DirEnt{
		Mode: S_IFDIR,
		Ino:  12345,
	}
	e2 := DirEnt{}
	buf, _ := e1.MarshalBinary()
	_ = e2.UnmarshalBinary(buf)
	if e1 != e2 {
		t.Fatalf("%v != %v", e1, e2)
	}
}

func TestStatMarshalAndUnmarshal(t *testing.T) {
	s1 := Stat{
		Ino:       1,
		Parent:    2,
		Size:      3,
		Atimesec:  4,
		Mtimesec:  5,
		Ctimesec:  6,
		Atimensec: 7,
		Mtimensec: 8,
		Ctimensec: 9,
		Mode:      10,
		Nlink:     11,
		Uid:       12,
		Gid:       13,
		Rdev:      14,
		Flags:     FLAG_OBJECT,
	}
	s2 := Stat{}
	buf, _ := s1.MarshalBinary()
	err := s2.UnmarshalBinary(buf)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatalf("%v != %v", s1, s2)
	}

	err = s2.UnmarshalBinary(buf[:len(buf)-1])
	if !errors.Is(err, ErrCorruptStat) {
		t.Fatal(err)
	}
}

func TestStatTypes(t *testing.T) {
	dir := Stat{Mode: S_IFDIR | 0o755}
	reg := Stat{Mode: S_IFREG | 0o644}
	lnk := Stat{Mode: S_IFLNK | 0o777}
	if !dir.IsDir() || dir.IsRegular() || dir.IsSymlink() {
		t.Fatal("bad dir")
	}
	if reg.IsDir() || !reg.IsRegular() || reg.IsSymlink() {
		t.Fatal("bad regular file")
	}
	if lnk.IsDir() || lnk.IsRegular() || !lnk.IsSymlink() {
		t.Fatal("bad symlink")
	}
	if reg.HasObject() {
		t.Fatal("unexpected object")
	}
}
