// Package storetest checks that a namespace store backend honours the
// transaction contract the engine relies on.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/andrewchambers/nsfs"
)

// StoreFactory returns a fresh, empty store for each test.
type StoreFactory func(t *testing.T) nsfs.Store

func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("SetGetClear", func(t *testing.T) { testSetGetClear(t, factory(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, factory(t)) })
	t.Run("ScanOrderAndPrefix", func(t *testing.T) { testScanOrderAndPrefix(t, factory(t)) })
	t.Run("ScanAfterAndLimit", func(t *testing.T) { testScanAfterAndLimit(t, factory(t)) })
	t.Run("ClearPrefix", func(t *testing.T) { testClearPrefix(t, factory(t)) })
	t.Run("ErrorDiscardsWrites", func(t *testing.T) { testErrorDiscardsWrites(t, factory(t)) })
	t.Run("ConflictDetected", func(t *testing.T) { testConflictDetected(t, factory(t)) })
	t.Run("CanceledContext", func(t *testing.T) { testCanceledContext(t, factory(t)) })
}

func mustSet(t *testing.T, store nsfs.Store, key nsfs.Tuple, value []byte) {
	t.Helper()
	err := store.Transact(context.Background(), func(tx nsfs.Txn) error {
		return tx.Set(key, value)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func mustGet(t *testing.T, store nsfs.Store, key nsfs.Tuple) []byte {
	t.Helper()
	var v []byte
	err := store.ReadTransact(context.Background(), func(tx nsfs.ReadTxn) error {
		var err error
		v, err = tx.Get(key)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func mustScan(t *testing.T, store nsfs.Store, prefix nsfs.Tuple, opts nsfs.ScanOpts) []nsfs.KeyValue {
	t.Helper()
	var kvs []nsfs.KeyValue
	err := store.ReadTransact(context.Background(), func(tx nsfs.ReadTxn) error {
		var err error
		kvs, err = tx.Scan(prefix, opts)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return kvs
}

func testGetMissing(t *testing.T, store nsfs.Store) {
	if v := mustGet(t, store, nsfs.Tuple{"missing"}); v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
}

func testSetGetClear(t *testing.T, store nsfs.Store) {
	key := nsfs.Tuple{"k", uint64(1)}
	mustSet(t, store, key, []byte("hello"))
	if v := mustGet(t, store, key); !bytes.Equal(v, []byte("hello")) {
		t.Fatalf("unexpected value %q", v)
	}

	mustSet(t, store, nsfs.Tuple{"empty"}, []byte{})
	if v := mustGet(t, store, nsfs.Tuple{"empty"}); v == nil || len(v) != 0 {
		t.Fatalf("empty value should be present, got %v", v)
	}

	err := store.Transact(context.Background(), func(tx nsfs.Txn) error {
		return tx.Clear(key)
	})
	if err != nil {
		t.Fatal(err)
	}
	if v := mustGet(t, store, key); v != nil {
		t.Fatalf("expected cleared key, got %q", v)
	}
}

func testReadYourWrites(t *testing.T, store nsfs.Store) {
	err := store.Transact(context.Background(), func(tx nsfs.Txn) error {
		if err := tx.Set(nsfs.Tuple{"p", "a"}, []byte("1")); err != nil {
			return err
		}
		v, err := tx.Get(nsfs.Tuple{"p", "a"})
		if err != nil {
			return err
		}
		if !bytes.Equal(v, []byte("1")) {
			t.Errorf("pending write not visible to get: %q", v)
		}
		kvs, err := tx.Scan(nsfs.Tuple{"p"}, nsfs.ScanOpts{})
		if err != nil {
			return err
		}
		if len(kvs) != 1 {
			t.Errorf("pending write not visible to scan: %v", kvs)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testScanOrderAndPrefix(t *testing.T, store nsfs.Store) {
	mustSet(t, store, nsfs.Tuple{"dir", uint64(2), "b"}, []byte("b"))
	mustSet(t, store, nsfs.Tuple{"dir", uint64(2), "a"}, []byte("a"))
	mustSet(t, store, nsfs.Tuple{"dir", uint64(2), "a\x00b"}, []byte("a0b"))
	mustSet(t, store, nsfs.Tuple{"dir", uint64(2), "ab"}, []byte("ab"))
	mustSet(t, store, nsfs.Tuple{"dir", uint64(3), "a"}, []byte("other"))
	mustSet(t, store, nsfs.Tuple{"dirx", uint64(2), "a"}, []byte("other"))
	mustSet(t, store, nsfs.Tuple{"dir", uint64(256), "a"}, []byte("other"))

	kvs := mustScan(t, store, nsfs.Tuple{"dir", uint64(2)}, nsfs.ScanOpts{})
	names := []string{}
	for _, kv := range kvs {
		name, _ := kv.Key.StringAt(2)
		names = append(names, name)
	}
	expected := []string{"a", "a\x00b", "ab", "b"}
	if len(names) != len(expected) {
		t.Fatalf("unexpected scan result %q", names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("unexpected scan order %q", names)
		}
	}
}

func testScanAfterAndLimit(t *testing.T, store nsfs.Store) {
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		mustSet(t, store, nsfs.Tuple{"s", name}, []byte(name))
	}

	kvs := mustScan(t, store, nsfs.Tuple{"s"}, nsfs.ScanOpts{Limit: 2})
	if len(kvs) != 2 || string(kvs[1].Value) != "b" {
		t.Fatalf("unexpected first page %v", kvs)
	}
	kvs = mustScan(t, store, nsfs.Tuple{"s"}, nsfs.ScanOpts{After: kvs[1].Key, Limit: 2})
	if len(kvs) != 2 || string(kvs[0].Value) != "c" || string(kvs[1].Value) != "d" {
		t.Fatalf("unexpected second page %v", kvs)
	}
	kvs = mustScan(t, store, nsfs.Tuple{"s"}, nsfs.ScanOpts{After: kvs[1].Key, Limit: 2})
	if len(kvs) != 1 || string(kvs[0].Value) != "e" {
		t.Fatalf("unexpected last page %v", kvs)
	}
}

func testClearPrefix(t *testing.T, store nsfs.Store) {
	mustSet(t, store, nsfs.Tuple{"ino", uint64(7), "stat"}, []byte("x"))
	mustSet(t, store, nsfs.Tuple{"ino", uint64(7), "child", "f"}, []byte("x"))
	mustSet(t, store, nsfs.Tuple{"ino", uint64(8), "stat"}, []byte("keep"))

	err := store.Transact(context.Background(), func(tx nsfs.Txn) error {
		return tx.ClearPrefix(nsfs.Tuple{"ino", uint64(7)})
	})
	if err != nil {
		t.Fatal(err)
	}
	if kvs := mustScan(t, store, nsfs.Tuple{"ino", uint64(7)}, nsfs.ScanOpts{}); len(kvs) != 0 {
		t.Fatalf("prefix not cleared: %v", kvs)
	}
	if v := mustGet(t, store, nsfs.Tuple{"ino", uint64(8), "stat"}); string(v) != "keep" {
		t.Fatal("clear prefix removed a sibling")
	}
}

func testErrorDiscardsWrites(t *testing.T, store nsfs.Store) {
	boom := errors.New("boom")
	err := store.Transact(context.Background(), func(tx nsfs.Txn) error {
		if err := tx.Set(nsfs.Tuple{"discarded"}, []byte("x")); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("expected the callback error back unchanged, got %v", err)
	}
	if v := mustGet(t, store, nsfs.Tuple{"discarded"}); v != nil {
		t.Fatal("write from failed transaction was committed")
	}
}

func testConflictDetected(t *testing.T, store nsfs.Store) {
	ctx := context.Background()
	key := nsfs.Tuple{"contended"}
	mustSet(t, store, key, []byte("0"))

	err := store.Transact(ctx, func(tx nsfs.Txn) error {
		if _, err := tx.Get(key); err != nil {
			return err
		}
		err := store.Transact(ctx, func(tx2 nsfs.Txn) error {
			return tx2.Set(key, []byte("2"))
		})
		if err != nil {
			t.Fatalf("interleaved transaction failed: %s", err)
		}
		return tx.Set(key, []byte("1"))
	})
	if !errors.Is(err, nsfs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if v := mustGet(t, store, key); string(v) != "2" {
		t.Fatalf("unexpected value after conflict %q", v)
	}
}

func testCanceledContext(t *testing.T, store nsfs.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Transact(ctx, func(tx nsfs.Txn) error {
		return tx.Set(nsfs.Tuple{"canceled"}, []byte("x"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if v := mustGet(t, store, nsfs.Tuple{"canceled"}); v != nil {
		t.Fatal("canceled transaction committed")
	}
}
