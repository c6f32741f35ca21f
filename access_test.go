package nsfs

import (
	"errors"
	"testing"
)

func TestCheckAccess(t *testing.T) {
	file := &Stat{Ino: 2, Mode: S_IFREG | 0o640, Uid: 1000, Gid: 100}
	dir := &Stat{Ino: 3, Mode: S_IFDIR | 0o750, Uid: 1000, Gid: 100}

	owner := &Credential{Uid: 1000, Gid: 1000}
	member := &Credential{Uid: 1001, Gid: 1001, Groups: []uint32{100}}
	other := &Credential{Uid: 1002, Gid: 1002}

	testCases := []struct {
		cred *Credential
		stat *Stat
		want AccessMode
		ok   bool
	}{
		{owner, file, MAY_READ | MAY_WRITE, true},
		{owner, file, MAY_EXEC, false},
		{member, file, MAY_READ, true},
		{member, file, MAY_WRITE, false},
		{other, file, MAY_READ, false},
		{owner, dir, MAY_WRITE | MAY_EXEC, true},
		{member, dir, MAY_EXEC, true},
		{member, dir, MAY_WRITE, false},
		{other, dir, MAY_EXEC, false},
		{RootCredential, file, MAY_READ | MAY_WRITE, true},
		{RootCredential, file, MAY_EXEC, false},
		{RootCredential, dir, MAY_READ | MAY_WRITE | MAY_EXEC, true},
		{nil, file, MAY_READ, false},
	}

	for i, tc := range testCases {
		err := CheckAccess(tc.cred, tc.stat, tc.want)
		if tc.ok && err != nil {
			t.Fatalf("case %d: %s", i, err)
		}
		if !tc.ok && !errors.Is(err, ErrPermission) {
			t.Fatalf("case %d: expected permission error, got %v", i, err)
		}
	}
}

func TestCheckSticky(t *testing.T) {
	dir := &Stat{Ino: 1, Mode: S_IFDIR | S_ISVTX | 0o777, Uid: 1}
	entry := &Stat{Ino: 2, Mode: S_IFREG | 0o666, Uid: 2}

	for _, cred := range []*Credential{RootCredential, {Uid: 1}, {Uid: 2}} {
		if err := checkSticky(cred, dir, entry); err != nil {
			t.Fatalf("uid %d: %s", cred.Uid, err)
		}
	}
	if err := checkSticky(&Credential{Uid: 3}, dir, entry); !errors.Is(err, ErrPermission) {
		t.Fatal(err)
	}

	dir.Mode &^= S_ISVTX
	if err := checkSticky(&Credential{Uid: 3}, dir, entry); err != nil {
		t.Fatal(err)
	}
}

func TestAccessModeString(t *testing.T) {
	if s := (MAY_READ | MAY_EXEC).String(); s != "r-x" {
		t.Fatal(s)
	}
}
