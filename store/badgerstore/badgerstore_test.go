package badgerstore_test

import (
	"context"
	"testing"

	"github.com/andrewchambers/nsfs"
	"github.com/andrewchambers/nsfs/store/badgerstore"
	"github.com/andrewchambers/nsfs/store/storetest"
)

func TestConformanceInMemory(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) nsfs.Store {
		store, err := badgerstore.Open(badgerstore.Config{InMemory: true})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestConformanceOnDisk(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) nsfs.Store {
		store, err := badgerstore.Open(badgerstore.Config{Dir: t.TempDir()})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()

	store, err := badgerstore.Open(badgerstore.Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	err = store.Transact(context.Background(), func(tx nsfs.Txn) error {
		return tx.Set(nsfs.Tuple{"persisted"}, []byte("yes"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = badgerstore.Open(badgerstore.Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	var v []byte
	err = store.ReadTransact(context.Background(), func(tx nsfs.ReadTxn) error {
		v, err = tx.Get(nsfs.Tuple{"persisted"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "yes" {
		t.Fatalf("unexpected value after reopen: %q", v)
	}
}

func TestEmptyValueIsPresent(t *testing.T) {
	store, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	err = store.Transact(context.Background(), func(tx nsfs.Txn) error {
		return tx.Set(nsfs.Tuple{"flags", "marker"}, []byte{})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.ReadTransact(context.Background(), func(tx nsfs.ReadTxn) error {
		v, err := tx.Get(nsfs.Tuple{"flags", "marker"})
		if err != nil {
			return err
		}
		if v == nil {
			t.Fatal("present key with an empty value read as missing")
		}
		kvs, err := tx.Scan(nsfs.Tuple{"flags"}, nsfs.ScanOpts{})
		if err != nil {
			return err
		}
		if len(kvs) != 1 || kvs[0].Value == nil || len(kvs[0].Value) != 0 {
			t.Fatalf("unexpected scan result %#v", kvs)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
