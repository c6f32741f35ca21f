package nsfs

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MkfsOpts struct {
	// Overwrite replaces an existing filesystem of the same name. Content
	// objects of the old namespace are queued for reclamation and inode
	// numbers continue from the old counter, so reclaiming never touches an
	// object of the new namespace.
	Overwrite bool
	// RootMode holds the permission bits of the root directory, 0 means 0o755.
	RootMode uint32
	RootUid  uint32
	RootGid  uint32
}

// transactRetry runs a write transaction outside of an attached client,
// retrying conflicts the way Fs.Transact does.
func transactRetry(ctx context.Context, store Store, fn func(tx Txn) error) error {
	for attempt := 1; ; attempt++ {
		err := abandoned(store.Transact(ctx, fn))
		if !errors.Is(err, ErrConflict) || attempt >= DEFAULT_MAX_ATTEMPTS || ctx.Err() != nil {
			return err
		}
	}
}

func readTransactRetry(ctx context.Context, store Store, fn func(tx ReadTxn) error) error {
	for attempt := 1; ; attempt++ {
		err := abandoned(store.ReadTransact(ctx, fn))
		if !errors.Is(err, ErrConflict) || attempt >= DEFAULT_MAX_ATTEMPTS || ctx.Err() != nil {
			return err
		}
	}
}

func ValidateFsName(fsName string) error {
	if fsName == "" || len(fsName) > 255 {
		return fmt.Errorf("filesystem name must be 1 to 255 bytes: %w", ErrInvalid)
	}

	validNameRune := func(r rune) bool {
		if r == '-' || r == '_' {
			return true
		} else if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			return true
		} else if r >= '0' && r <= '9' {
			return true
		} else {
			return false
		}
	}

	for _, r := range fsName {
		if !validNameRune(r) {
			return fmt.Errorf("filesystem names must only contain 'a-z', 'A-Z', '0-9', '-' and '_': %w", ErrInvalid)
		}
	}
	return nil
}

// Mkfs formats fsName with an empty root directory.
func Mkfs(ctx context.Context, store Store, fsName string, opts MkfsOpts) error {
	if err := ValidateFsName(fsName); err != nil {
		return err
	}
	if opts.RootMode == 0 {
		opts.RootMode = 0o755
	}

	keys := keyspace{fsName: fsName}

	return transactRetry(ctx, store, func(tx Txn) error {
		version, err := tx.Get(keys.version())
		if err != nil {
			return err
		}
		if version != nil && !opts.Overwrite {
			return fmt.Errorf("filesystem %q already present: %w", fsName, ErrExist)
		}

		now := time.Now()

		// The root is its own parent.
		rootStat := Stat{
			Ino:    ROOT_INO,
			Parent: ROOT_INO,
			Mode:   S_IFDIR | (opts.RootMode & S_IPERMS),
			Nlink:  2,
			Uid:    opts.RootUid,
			Gid:    opts.RootGid,
		}
		rootStat.SetMtime(now)
		rootStat.SetCtime(now)
		rootStat.SetAtime(now)

		rootStatBytes, err := rootStat.MarshalBinary()
		if err != nil {
			return err
		}

		nextIno := uint64(ROOT_INO + 1)
		var orphans []KeyValue
		if version != nil {
			nextIno, orphans, err = txOverwrittenObjects(tx, keys)
			if err != nil {
				return err
			}
		}

		if err := tx.ClearPrefix(keys.root()); err != nil {
			return err
		}
		if err := tx.Set(keys.version(), []byte{CURRENT_SCHEMA_VERSION}); err != nil {
			return err
		}
		if err := tx.Set(keys.stat(ROOT_INO), rootStatBytes); err != nil {
			return err
		}
		if err := tx.Set(keys.inoCounter(), binary.LittleEndian.AppendUint64(nil, nextIno)); err != nil {
			return err
		}
		for _, kv := range orphans {
			if err := tx.Set(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return tx.Set(keys.indexEntry(), []byte{})
	})
}

// txOverwrittenObjects returns the inode counter of the filesystem being
// overwritten and the reclaim records that must survive it: the queue as it
// stands plus one record for every inode that still owns an object.
func txOverwrittenObjects(tx Txn, keys keyspace) (uint64, []KeyValue, error) {
	nextIno := uint64(ROOT_INO + 1)
	counter, err := tx.Get(keys.inoCounter())
	if err != nil {
		return 0, nil, err
	}
	if len(counter) == 8 {
		nextIno = max(nextIno, binary.LittleEndian.Uint64(counter))
	}

	orphans, err := tx.Scan(keys.reclaimQueue(), ScanOpts{})
	if err != nil {
		return 0, nil, err
	}

	inodes, err := tx.Scan(keys.inodes(), ScanOpts{})
	if err != nil {
		return 0, nil, err
	}
	queued := binary.LittleEndian.AppendUint64(nil, uint64(time.Now().Unix()))
	for _, kv := range inodes {
		if field, _ := kv.Key.StringAt(len(kv.Key) - 1); field != "stat" {
			continue
		}
		stat := Stat{}
		if err := stat.UnmarshalBinary(kv.Value); err != nil {
			return 0, nil, err
		}
		if stat.HasObject() {
			orphans = append(orphans, KeyValue{Key: keys.reclaim(stat.Ino), Value: queued})
		}
	}
	return nextIno, orphans, nil
}

type RmfsOpts struct {
	Force bool
}

// Rmfs deletes fsName. Without Force it refuses a filesystem that still has
// files, attached clients or objects awaiting reclamation.
func Rmfs(ctx context.Context, store Store, fsName string, opts RmfsOpts) (bool, error) {
	keys := keyspace{fsName: fsName}
	removed := false

	err := transactRetry(ctx, store, func(tx Txn) error {
		removed = false
		version, err := tx.Get(keys.version())
		if err != nil {
			return err
		}
		if version == nil {
			return nil
		}

		if !opts.Force {
			nonEmpty := []struct {
				prefix Tuple
				reason string
			}{
				{keys.children(ROOT_INO), "filesystem is not empty"},
				{keys.clients(), "filesystem has attached clients"},
				{keys.reclaimQueue(), "filesystem has objects pending reclamation"},
			}
			for _, check := range nonEmpty {
				kvs, err := tx.Scan(check.prefix, ScanOpts{Limit: 1})
				if err != nil {
					return err
				}
				if len(kvs) != 0 {
					return fmt.Errorf("%s: %w", check.reason, ErrNotEmpty)
				}
			}
		}

		if err := tx.ClearPrefix(keys.root()); err != nil {
			return err
		}
		if err := tx.Clear(keys.indexEntry()); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// ListFilesystems returns the names of every formatted filesystem in store.
func ListFilesystems(ctx context.Context, store Store) ([]string, error) {
	filesystems := []string{}
	var after Tuple

	for {
		var kvs []KeyValue
		err := readTransactRetry(ctx, store, func(tx ReadTxn) error {
			var err error
			kvs, err = tx.Scan(Tuple{"nsfs-index"}, ScanOpts{After: after, Limit: 100})
			return err
		})
		if err != nil {
			return filesystems, err
		}
		if len(kvs) == 0 {
			return filesystems, nil
		}
		after = kvs[len(kvs)-1].Key
		for _, kv := range kvs {
			name, ok := kv.Key.StringAt(len(kv.Key) - 1)
			if !ok {
				return filesystems, ErrCorruptKey
			}
			filesystems = append(filesystems, name)
		}
	}
}

type ClientInfo struct {
	Id             string `json:",omitempty"`
	Description    string `json:",omitempty"`
	Hostname       string `json:",omitempty"`
	Pid            int64  `json:",omitempty"`
	Exe            string `json:",omitempty"`
	AttachTimeUnix uint64 `json:",omitempty"`
	HeartBeatUnix  uint64 `json:",omitempty"`
}

func txGetClientInfo(tx ReadTxn, keys keyspace, clientId string) (ClientInfo, bool, error) {
	info := ClientInfo{}

	infoBytes, err := tx.Get(keys.clientInfo(clientId))
	if err != nil {
		return info, false, err
	}
	if infoBytes == nil {
		return info, false, nil
	}
	if err := json.Unmarshal(infoBytes, &info); err != nil {
		return info, false, err
	}

	heartBeatBytes, err := tx.Get(keys.clientBeat(clientId))
	if err != nil {
		return info, false, err
	}
	if len(heartBeatBytes) != 8 {
		return info, false, errors.New("heart beat bytes are missing or corrupt")
	}
	info.HeartBeatUnix = binary.LittleEndian.Uint64(heartBeatBytes)
	info.Id = clientId
	return info, true, nil
}

func GetClientInfo(ctx context.Context, store Store, fsName, clientId string) (ClientInfo, bool, error) {
	var ok bool
	var info ClientInfo
	err := readTransactRetry(ctx, store, func(tx ReadTxn) error {
		var err error
		info, ok, err = txGetClientInfo(tx, keyspace{fsName: fsName}, clientId)
		return err
	})
	return info, ok, err
}

func ListClients(ctx context.Context, store Store, fsName string) ([]ClientInfo, error) {
	keys := keyspace{fsName: fsName}
	clients := []ClientInfo{}
	var after Tuple

	for {
		var batch []ClientInfo
		var kvs []KeyValue
		err := readTransactRetry(ctx, store, func(tx ReadTxn) error {
			var err error
			batch = batch[:0]
			kvs, err = tx.Scan(keys.clients(), ScanOpts{After: after, Limit: 100})
			if err != nil {
				return err
			}
			for _, kv := range kvs {
				clientId, ok := kv.Key.StringAt(len(kv.Key) - 1)
				if !ok {
					return errors.New("corrupt client key")
				}
				info, ok, err := txGetClientInfo(tx, keys, clientId)
				if err != nil {
					return err
				}
				if ok {
					batch = append(batch, info)
				}
			}
			return nil
		})
		if err != nil {
			return clients, err
		}
		if len(kvs) == 0 {
			return clients, nil
		}
		after = kvs[len(kvs)-1].Key
		clients = append(clients, batch...)
	}
}

// EvictClient detaches clientId. Its in-flight transactions fail with
// ErrDetached because every transaction checks the attachment key.
func EvictClient(ctx context.Context, store Store, fsName, clientId string) error {
	keys := keyspace{fsName: fsName}
	return transactRetry(ctx, store, func(tx Txn) error {
		if err := tx.Clear(keys.clientIndex(clientId)); err != nil {
			return err
		}
		return tx.ClearPrefix(keys.client(clientId))
	})
}

type EvictExpiredClientsOpts struct {
	ClientExpiry time.Duration
	OnEviction   func(string)
}

// EvictExpiredClients evicts every client whose heartbeat is older than
// opts.ClientExpiry.
func EvictExpiredClients(ctx context.Context, store Store, fsName string, opts EvictExpiredClientsOpts) (uint64, error) {
	nEvicted := uint64(0)

	clients, err := ListClients(ctx, store, fsName)
	if err != nil {
		return nEvicted, err
	}

	now := time.Now()
	for _, client := range clients {
		lastSeen := time.Unix(int64(client.HeartBeatUnix), 0)
		if lastSeen.Add(opts.ClientExpiry).After(now) {
			continue
		}
		if err := EvictClient(ctx, store, fsName, client.Id); err != nil {
			return nEvicted, err
		}
		if opts.OnEviction != nil {
			opts.OnEviction(client.Id)
		}
		nEvicted += 1
	}
	return nEvicted, nil
}
