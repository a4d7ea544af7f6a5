package bytecode_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bpfmand/bpfmand/internal/bytecode"
	"github.com/bpfmand/bpfmand/internal/model"
)

func TestResolveFileReadsBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.o")
	want := []byte{0x7f, 0x45, 0x4c, 0x46}
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store, err := bytecode.OpenContentStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenContentStore: %v", err)
	}
	r := &bytecode.Resolver{Store: store, AllowUnsigned: true}

	got, err := r.Resolve(context.Background(), model.Location{FilePath: path})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(got.Bytes) != string(want) {
		t.Fatalf("Resolve.Bytes = %v, want %v", got.Bytes, want)
	}
	if got.Symbols != nil {
		t.Fatalf("file resolve produced symbols %v, want nil", got.Symbols)
	}
}

func TestResolveFileMissingReturnsBytecodeFetchError(t *testing.T) {
	store, err := bytecode.OpenContentStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenContentStore: %v", err)
	}
	r := &bytecode.Resolver{Store: store, AllowUnsigned: true}

	_, err = r.Resolve(context.Background(), model.Location{FilePath: filepath.Join(t.TempDir(), "missing.o")})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestContentStorePutLookupRoundTrips(t *testing.T) {
	store, err := bytecode.OpenContentStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenContentStore: %v", err)
	}

	r := bytecode.Resolved{Bytes: []byte{1, 2, 3}, Symbols: []string{"xdp_pass"}}
	store.Put("example.com/repo:tag", r)

	got, ok := store.Lookup("example.com/repo:tag")
	if !ok {
		t.Fatal("Lookup returned ok=false after Put")
	}
	if string(got.Bytes) != string(r.Bytes) {
		t.Fatalf("Lookup.Bytes = %v, want %v", got.Bytes, r.Bytes)
	}
}

func TestContentStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := bytecode.OpenContentStore(dir)
	if err != nil {
		t.Fatalf("OpenContentStore: %v", err)
	}
	store.Put("example.com/repo:tag", bytecode.Resolved{Bytes: []byte{9, 9}, Symbols: []string{"fn"}})

	reopened, err := bytecode.OpenContentStore(dir)
	if err != nil {
		t.Fatalf("reopen OpenContentStore: %v", err)
	}
	got, ok := reopened.Lookup("example.com/repo:tag")
	if !ok {
		t.Fatal("Lookup after reopen returned ok=false")
	}
	if len(got.Symbols) != 1 || got.Symbols[0] != "fn" {
		t.Fatalf("Lookup.Symbols = %v after reopen", got.Symbols)
	}
}

func TestProgramNotFoundInBytecode(t *testing.T) {
	if err := bytecode.ProgramNotFoundInBytecode("img", "classifier", []string{"classifier", "other"}); err != nil {
		t.Fatalf("expected no error when symbol present, got %v", err)
	}
	if err := bytecode.ProgramNotFoundInBytecode("img", "unknown_fn", []string{"classifier"}); err == nil {
		t.Fatal("expected error when declared name is absent from symbols")
	}
}

func TestResolveImageNeverPolicyCacheMissFails(t *testing.T) {
	store, err := bytecode.OpenContentStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenContentStore: %v", err)
	}
	r := &bytecode.Resolver{Store: store, AllowUnsigned: true}

	_, err = r.Resolve(context.Background(), model.Location{Image: &model.ImageLocation{
		Reference:  "example.com/repo:tag",
		PullPolicy: model.PullNever,
	}})
	if err == nil {
		t.Fatal("expected BytecodeFetch error on Never policy cache miss")
	}
}
