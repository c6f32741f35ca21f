package nsfs

import (
	"fmt"
)

// Credential identifies the caller of an operation. It is supplied by the
// transport and never persisted.
type Credential struct {
	Uid    uint32
	Gid    uint32
	Groups []uint32
}

// RootCredential bypasses permission bits.
var RootCredential = &Credential{}

type AccessMode uint32

const (
	MAY_EXEC  AccessMode = 1
	MAY_WRITE AccessMode = 2
	MAY_READ  AccessMode = 4
)

func (m AccessMode) String() string {
	s := []byte("---")
	if m&MAY_READ != 0 {
		s[0] = 'r'
	}
	if m&MAY_WRITE != 0 {
		s[1] = 'w'
	}
	if m&MAY_EXEC != 0 {
		s[2] = 'x'
	}
	return string(s)
}

func (c *Credential) IsRoot() bool { return c.Uid == 0 }

func (c *Credential) InGroup(gid uint32) bool {
	if c.Gid == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}

// CheckAccess evaluates POSIX permission bits of stat for cred. Root passes
// every check except execute on a non-directory with no execute bit set.
func CheckAccess(cred *Credential, stat *Stat, want AccessMode) error {
	if cred == nil {
		return fmt.Errorf("no credential: %w", ErrPermission)
	}

	if cred.IsRoot() {
		if want&MAY_EXEC != 0 && !stat.IsDir() && stat.Mode&0o111 == 0 {
			return fmt.Errorf("inode %d: %s denied: %w", stat.Ino, want, ErrPermission)
		}
		return nil
	}

	var granted AccessMode
	switch {
	case cred.Uid == stat.Uid:
		granted = AccessMode(stat.Mode>>6) & 7
	case cred.InGroup(stat.Gid):
		granted = AccessMode(stat.Mode>>3) & 7
	default:
		granted = AccessMode(stat.Mode) & 7
	}

	if granted&want != want {
		return fmt.Errorf("inode %d: %s denied: %w", stat.Ino, want, ErrPermission)
	}
	return nil
}

// checkSticky enforces the restricted deletion flag: in a sticky directory
// only root, the directory owner or the entry owner may remove or rename the
// entry.
func checkSticky(cred *Credential, dir *Stat, entry *Stat) error {
	if dir.Mode&S_ISVTX == 0 || cred.IsRoot() {
		return nil
	}
	if cred.Uid == dir.Uid || cred.Uid == entry.Uid {
		return nil
	}
	return fmt.Errorf("sticky directory %d: %w", dir.Ino, ErrPermission)
}

// isOwner reports whether cred may change ownership-guarded attributes.
func isOwner(cred *Credential, stat *Stat) bool {
	return cred.IsRoot() || cred.Uid == stat.Uid
}
