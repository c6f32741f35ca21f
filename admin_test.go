package nsfs_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/andrewchambers/nsfs"
)

func TestValidateFsName(t *testing.T) {
	for _, name := range []string{"a", "test-fs_01", "ABC"} {
		if err := nsfs.ValidateFsName(name); err != nil {
			t.Fatalf("%q: %s", name, err)
		}
	}
	for _, name := range []string{"", "a b", "a/b", "Ω", string(make([]byte, 256))} {
		if err := nsfs.ValidateFsName(name); !errors.Is(err, nsfs.ErrInvalid) {
			t.Fatalf("%q: %v", name, err)
		}
	}
}

func TestListFilesystems(t *testing.T) {
	ctx := context.Background()
	store := tmpStore(t)

	for _, name := range []string{"zzz", "aaa"} {
		err := nsfs.Mkfs(ctx, store, name, nsfs.MkfsOpts{})
		if err != nil {
			t.Fatal(err)
		}
	}

	filesystems, err := nsfs.ListFilesystems(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(filesystems, []string{"aaa", "testfs", "zzz"}) {
		t.Fatalf("unexpected filesystems: %v", filesystems)
	}
}

func TestRmfs(t *testing.T) {
	ctx := context.Background()
	store := tmpStore(t)

	fs, err := nsfs.Attach(ctx, store, "testfs", nsfs.AttachOpts{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = nsfs.Rmfs(ctx, store, "testfs", nsfs.RmfsOpts{})
	if !errors.Is(err, nsfs.ErrNotEmpty) {
		t.Fatalf("removed a filesystem with attached clients: %v", err)
	}

	touch(t, fs, nsfs.ROOT_INO, "f")
	err = fs.Close()
	if err != nil {
		t.Fatal(err)
	}

	_, err = nsfs.Rmfs(ctx, store, "testfs", nsfs.RmfsOpts{})
	if !errors.Is(err, nsfs.ErrNotEmpty) {
		t.Fatalf("removed a non empty filesystem: %v", err)
	}

	removed, err := nsfs.Rmfs(ctx, store, "testfs", nsfs.RmfsOpts{Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Fatal("expected removal")
	}

	removed, err = nsfs.Rmfs(ctx, store, "testfs", nsfs.RmfsOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Fatal("removed a missing filesystem")
	}

	filesystems, err := nsfs.ListFilesystems(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(filesystems) != 0 {
		t.Fatalf("unexpected filesystems: %v", filesystems)
	}

	_, err = nsfs.Attach(ctx, store, "testfs", nsfs.AttachOpts{})
	if !errors.Is(err, nsfs.ErrNotExist) {
		t.Fatal(err)
	}
}

func TestClientInfo(t *testing.T) {
	ctx := context.Background()
	store := tmpStore(t)
	fs := attach(t, store, nsfs.AttachOpts{ClientDescription: "test client"})

	info, ok, err := nsfs.GetClientInfo(ctx, store, "testfs", fs.ClientId())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("client missing")
	}
	if info.Id != fs.ClientId() || info.Description != "test client" || info.Pid == 0 {
		t.Fatalf("unexpected client info %#v", info)
	}
	if info.HeartBeatUnix == 0 || info.AttachTimeUnix == 0 {
		t.Fatalf("missing times %#v", info)
	}

	clients, err := nsfs.ListClients(ctx, store, "testfs")
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 1 || clients[0] != info {
		t.Fatalf("unexpected clients %v", clients)
	}

	_, ok, err = nsfs.GetClientInfo(ctx, store, "testfs", "no-such-client")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unknown client found")
	}
}

func TestEvictExpiredClients(t *testing.T) {
	ctx := context.Background()
	store := tmpStore(t)
	fs1 := attach(t, store, nsfs.AttachOpts{})
	fs2 := attach(t, store, nsfs.AttachOpts{})

	nEvicted, err := nsfs.EvictExpiredClients(ctx, store, "testfs", nsfs.EvictExpiredClientsOpts{
		ClientExpiry: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if nEvicted != 0 {
		t.Fatal("evicted live clients")
	}

	// Heartbeats are stored with second resolution.
	time.Sleep(1100 * time.Millisecond)

	evicted := map[string]bool{}
	nEvicted, err = nsfs.EvictExpiredClients(ctx, store, "testfs", nsfs.EvictExpiredClientsOpts{
		ClientExpiry: time.Millisecond,
		OnEviction:   func(id string) { evicted[id] = true },
	})
	if err != nil {
		t.Fatal(err)
	}
	if nEvicted != 2 || !evicted[fs1.ClientId()] || !evicted[fs2.ClientId()] {
		t.Fatalf("unexpected evictions %d %v", nEvicted, evicted)
	}

	clients, err := nsfs.ListClients(ctx, store, "testfs")
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 0 {
		t.Fatalf("clients remain %v", clients)
	}

	_, err = fs1.GetStat(ctx, nsfs.ROOT_INO)
	if !errors.Is(err, nsfs.ErrDetached) {
		t.Fatal(err)
	}
}
