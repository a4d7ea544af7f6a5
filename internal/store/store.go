// Package store is the daemon's persistent key-value layer. It wraps
// go.etcd.io/bbolt, giving every Program id and every DispatcherKey its own
// "tree" (a bbolt bucket) of flat typed fields.
//
// bbolt already fsyncs on every committed read-write transaction, so there
// is no separate durability knob to configure; Flush exists purely so
// callers have a symmetrical call to make alongside open_tree/insert/get/
// scan_prefix/drop_tree, and so that a future switch to a store without
// per-transaction fsync doesn't require touching call sites.
package store

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// CurrentVersion is written to the meta/version key on first Open and
// checked on every subsequent Open; a mismatch causes recovery to refuse to
// start rather than reconcile kernel state against an incompatible store.
const CurrentVersion = "bpfmand-store-v1"

var metaBucket = []byte("meta")
var versionKey = []byte("version")

// Store is a single embedded key-value store, opened once per daemon
// lifetime.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and verifies
// its version tag.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.checkOrWriteVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkOrWriteVersion() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return fmt.Errorf("store: create meta bucket: %w", err)
		}
		existing := b.Get(versionKey)
		if existing == nil {
			return b.Put(versionKey, []byte(CurrentVersion))
		}
		if string(existing) != CurrentVersion {
			return fmt.Errorf("store: version mismatch: on-disk %q, daemon expects %q", existing, CurrentVersion)
		}
		return nil
	})
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Flush is a no-op: bbolt commits (and fsyncs, unless NoSync is set) on
// every successful Update transaction. It is kept as the seam a future
// non-durable-by-default backend would need.
func (s *Store) Flush() error { return nil }

// OpenTree returns a handle to the named tree (bbolt bucket), creating it if
// it does not already exist.
func (s *Store) OpenTree(name string) (*Tree, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: open tree %q: %w", name, err)
	}
	return &Tree{db: s.db, name: name}, nil
}

// DropTree deletes the named tree entirely.
func (s *Store) DropTree(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("store: drop tree %q: %w", name, err)
	}
	return nil
}

// TreeNames lists every tree with the given string prefix (used by C7 to
// enumerate "prog/" and "dispatcher/" trees at recovery time).
func (s *Store) TreeNames(prefix string) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if bytes.HasPrefix(name, []byte(prefix)) {
				names = append(names, string(name))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list trees: %w", err)
	}
	return names, nil
}

// Tree is a handle to one bbolt bucket: the unit the persistent store calls
// a "tree", holding flat typed fields for a single Program id or
// DispatcherKey.
type Tree struct {
	db   *bolt.DB
	name string
}

func (t *Tree) Insert(key string, value []byte) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return fmt.Errorf("tree %q does not exist", t.name)
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("store: insert %s/%s: %w", t.name, key, err)
	}
	return nil
}

func (t *Tree) Get(key string) ([]byte, error) {
	var value []byte
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return fmt.Errorf("tree %q does not exist", t.name)
		}
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", t.name, key, err)
	}
	return value, nil
}

func (t *Tree) Delete(key string) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", t.name, key, err)
	}
	return nil
}

// ScanPrefix returns every key/value pair in the tree whose key starts with
// prefix, as a map (so the key order is not kept).
func (t *Tree) ScanPrefix(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := t.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return fmt.Errorf("tree %q does not exist", t.name)
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan %s/%s*: %w", t.name, prefix, err)
	}
	return out, nil
}

// All returns every key/value pair in the tree.
func (t *Tree) All() (map[string][]byte, error) {
	return t.ScanPrefix("")
}

// CommitFromTemp atomically replaces this tree's entire contents with the
// tmp tree's, then drops the tmp tree — all inside a single bbolt
// transaction. Writers build a full snapshot of every field under a
// temporary tree name and call this to swap it onto the canonical id-based
// name on commit: the destination bucket is dropped and recreated in the
// same transaction as the copy, so a field present in the old tree but
// absent from the new snapshot (e.g. a cleared map_owner_id) does not
// survive the swap, and a crash before commit leaves the canonical tree
// exactly as it was. bbolt gives us transaction atomicity for free, so this
// "rename" is a same-txn drop-and-copy rather than a separate
// crash-recovery mechanism. Recovery only ever trusts buckets it finds
// already committed.
func (t *Tree) CommitFromTemp(tmpName string) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		tmp := tx.Bucket([]byte(tmpName))
		if tmp == nil {
			return fmt.Errorf("tmp tree %q does not exist", tmpName)
		}
		if err := tx.DeleteBucket([]byte(t.name)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		dst, err := tx.CreateBucket([]byte(t.name))
		if err != nil {
			return err
		}
		if err := tmp.ForEach(func(k, v []byte) error {
			return dst.Put(append([]byte(nil), k...), append([]byte(nil), v...))
		}); err != nil {
			return err
		}
		return tx.DeleteBucket([]byte(tmpName))
	})
	if err != nil {
		return fmt.Errorf("store: commit %s from %s: %w", t.name, tmpName, err)
	}
	return nil
}
