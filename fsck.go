package nsfs

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const _FSCK_BATCH = 512

type FsckOpts struct {
	// RepairNlink rewrites link counts that disagree with the entry index.
	RepairNlink bool
}

type FsckProblem struct {
	Ino    uint64
	Detail string
}

type FsckReport struct {
	Inodes   uint64
	Entries  uint64
	Problems []FsckProblem
	Repaired uint64
}

func (r *FsckReport) problem(ino uint64, format string, args ...interface{}) {
	r.Problems = append(r.Problems, FsckProblem{Ino: ino, Detail: fmt.Sprintf(format, args...)})
}

type fsckEntry struct {
	parent uint64
	name   string
	ent    DirEnt
}

// Fsck cross checks inode records against the directory entry index. It
// reads the namespace in many transactions, so it is only exact on a
// filesystem with no concurrent writers.
func (fs *Fs) Fsck(ctx context.Context, opts FsckOpts) (FsckReport, error) {
	start := time.Now()
	report, err := fs.fsck(ctx, opts)
	fs.observe("fsck", start, err)
	return report, err
}

func (fs *Fs) fsck(ctx context.Context, opts FsckOpts) (FsckReport, error) {
	report := FsckReport{}
	stats := map[uint64]Stat{}
	entries := []fsckEntry{}

	prefixLen := len(fs.keys.inodes())
	var after Tuple
	for {
		var kvs []KeyValue
		err := fs.ReadTransact(ctx, "fsck", func(tx ReadTxn) error {
			var err error
			kvs, err = tx.Scan(fs.keys.inodes(), ScanOpts{After: after, Limit: _FSCK_BATCH})
			return err
		})
		if err != nil {
			return report, err
		}
		if len(kvs) == 0 {
			break
		}
		after = kvs[len(kvs)-1].Key

		for _, kv := range kvs {
			ino, ok := kv.Key.Uint64At(prefixLen)
			if !ok {
				return report, ErrCorruptKey
			}
			kind, _ := kv.Key.StringAt(prefixLen + 1)
			switch kind {
			case "stat":
				stat := Stat{}
				if err := stat.UnmarshalBinary(kv.Value); err != nil {
					report.problem(ino, "unreadable inode record: %s", err)
					continue
				}
				stats[ino] = stat
			case "child":
				name, ok := kv.Key.StringAt(prefixLen + 2)
				if !ok {
					return report, ErrCorruptKey
				}
				ent := DirEnt{Name: name}
				if err := ent.UnmarshalBinary(kv.Value); err != nil {
					report.problem(ino, "unreadable entry %q: %s", name, err)
					continue
				}
				entries = append(entries, fsckEntry{parent: ino, name: name, ent: ent})
			}
		}
	}

	report.Inodes = uint64(len(stats))
	report.Entries = uint64(len(entries))

	refs := map[uint64]uint32{}
	subdirs := map[uint64]uint32{}
	for _, e := range entries {
		parentStat, ok := stats[e.parent]
		if !ok {
			report.problem(e.parent, "entry %q belongs to a missing directory", e.name)
			continue
		}
		if !parentStat.IsDir() {
			report.problem(e.parent, "entry %q belongs to a non directory", e.name)
		}
		child, ok := stats[e.ent.Ino]
		if !ok {
			report.problem(e.parent, "entry %q points at missing inode %d", e.name, e.ent.Ino)
			continue
		}
		refs[child.Ino] += 1
		if child.Mode&S_IFMT != e.ent.Mode {
			report.problem(child.Ino, "entry %q in %d caches type %o, inode has %o", e.name, e.parent, e.ent.Mode, child.Mode&S_IFMT)
		}
		if child.IsDir() {
			subdirs[e.parent] += 1
			if child.Parent != e.parent {
				report.problem(child.Ino, "directory is named in %d but its parent is %d", e.parent, child.Parent)
			}
		}
	}

	inos := make([]uint64, 0, len(stats))
	for ino := range stats {
		inos = append(inos, ino)
	}
	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })

	mismatched := map[uint64]uint32{}
	for _, ino := range inos {
		stat := stats[ino]
		var want uint32
		switch {
		case stat.IsDir():
			want = 2 + subdirs[ino]
			if ino != ROOT_INO && refs[ino] != 1 {
				report.problem(ino, "directory has %d entries naming it", refs[ino])
			}
		default:
			want = refs[ino]
		}
		if ino != ROOT_INO && refs[ino] == 0 {
			report.problem(ino, "inode is not reachable from any directory")
			continue
		}
		if stat.Nlink != want {
			report.problem(ino, "nlink is %d, expected %d", stat.Nlink, want)
			mismatched[ino] = want
		}
	}

	if opts.RepairNlink {
		for ino, want := range mismatched {
			err := fs.Transact(ctx, "fsck", func(tx Txn) error {
				stat, err := fs.txGetStat(tx, ino)
				if err != nil {
					return err
				}
				stat.Nlink = want
				return fs.txSetStat(tx, stat)
			})
			if err != nil {
				return report, err
			}
			report.Repaired += 1
		}
	}

	return report, nil
}
