package store_test

import (
	"path/filepath"
	"testing"

	"github.com/bpfmand/bpfmand/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bpfmand.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenWritesVersionOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpfmand.db")

	s1, err := store.Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := store.Open(path)
	if err != nil {
		t.Fatalf("second open should succeed with matching version: %v", err)
	}
	_ = s2.Close()
}

func TestTreeInsertGetDelete(t *testing.T) {
	s := openTestStore(t)

	tree, err := s.OpenTree("prog/1")
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}

	if err := tree.Insert("name", []byte("xdp_pass")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := tree.Get("name")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "xdp_pass" {
		t.Fatalf("Get returned %q, want %q", got, "xdp_pass")
	}

	if err := tree.Delete("name"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = tree.Get("name")
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("Get after delete = %q, want nil", got)
	}
}

func TestScanPrefix(t *testing.T) {
	s := openTestStore(t)
	tree, err := s.OpenTree("prog/1")
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}

	_ = tree.Insert("attr/name", []byte("a"))
	_ = tree.Insert("attr/type", []byte("b"))
	_ = tree.Insert("other", []byte("c"))

	got, err := tree.ScanPrefix("attr/")
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ScanPrefix returned %d entries, want 2", len(got))
	}
}

func TestDropTree(t *testing.T) {
	s := openTestStore(t)
	tree, err := s.OpenTree("prog/2")
	if err != nil {
		t.Fatalf("OpenTree: %v", err)
	}
	_ = tree.Insert("k", []byte("v"))

	if err := s.DropTree("prog/2"); err != nil {
		t.Fatalf("DropTree: %v", err)
	}

	names, err := s.TreeNames("prog/")
	if err != nil {
		t.Fatalf("TreeNames: %v", err)
	}
	for _, n := range names {
		if n == "prog/2" {
			t.Fatalf("prog/2 still present after DropTree")
		}
	}
}

func TestCommitFromTemp(t *testing.T) {
	s := openTestStore(t)

	tmp, err := s.OpenTree("tmp/3")
	if err != nil {
		t.Fatalf("OpenTree tmp: %v", err)
	}
	_ = tmp.Insert("name", []byte("new_prog"))
	_ = tmp.Insert("priority", store.PutInt32(10))

	dst, err := s.OpenTree("prog/3")
	if err != nil {
		t.Fatalf("OpenTree dst: %v", err)
	}
	if err := dst.CommitFromTemp("tmp/3"); err != nil {
		t.Fatalf("CommitFromTemp: %v", err)
	}

	got, err := dst.Get("name")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "new_prog" {
		t.Fatalf("Get = %q, want %q", got, "new_prog")
	}

	names, err := s.TreeNames("tmp/")
	if err != nil {
		t.Fatalf("TreeNames: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("tmp tree still present after commit: %v", names)
	}
}
