package rpc_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bpfmand/bpfmand/internal/bytecode"
	"github.com/bpfmand/bpfmand/internal/command"
	"github.com/bpfmand/bpfmand/internal/registry"
	"github.com/bpfmand/bpfmand/internal/rpc"
	"github.com/bpfmand/bpfmand/internal/rpc/bpfmanpb"
	"github.com/bpfmand/bpfmand/internal/store"
)

func newTestServer(t *testing.T) *rpc.Server {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "bpfmand.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg, err := registry.Open(s)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}

	q := command.New(reg, nil, nil)
	t.Cleanup(q.Close)

	return rpc.New(q, &bytecode.Resolver{}, nil, nil)
}

func TestLoadGetUnloadRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	progPath := filepath.Join(t.TempDir(), "probe.o")
	if err := os.WriteFile(progPath, []byte("fake-elf-bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	loadResp, err := srv.Load(ctx, &bpfmanpb.LoadRequest{
		Type:     "kprobe",
		Name:     "probe_a",
		FilePath: progPath,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loadResp.Program == nil || loadResp.Program.Name != "probe_a" {
		t.Fatalf("Load response = %+v, want program named probe_a", loadResp.Program)
	}
	id := loadResp.Program.Id

	getResp, err := srv.Get(ctx, &bpfmanpb.GetRequest{Id: id})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if getResp.Program.State != "loaded" {
		t.Fatalf("Get.Program.State = %q, want loaded", getResp.Program.State)
	}

	listResp, err := srv.List(ctx, &bpfmanpb.ListRequest{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listResp.Programs) != 1 {
		t.Fatalf("List returned %d programs, want 1", len(listResp.Programs))
	}

	if _, err := srv.Unload(ctx, &bpfmanpb.UnloadRequest{Id: id}); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, err := srv.Get(ctx, &bpfmanpb.GetRequest{Id: id}); err == nil {
		t.Fatal("Get after Unload should fail")
	}
}

func TestLoadRejectsUnknownProgramType(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.Load(context.Background(), &bpfmanpb.LoadRequest{Type: "not-a-type", Name: "x"})
	if err == nil {
		t.Fatal("Load with unknown type should fail")
	}
}

func TestLoadRejectsNameNotInBytecodeSymbols(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "bpfmand.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg, err := registry.Open(s)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}

	q := command.New(reg, nil, nil)
	t.Cleanup(q.Close)

	contentStore, err := bytecode.OpenContentStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenContentStore: %v", err)
	}
	const ref = "example.com/repo:tag"
	contentStore.Put(ref, bytecode.Resolved{Bytes: []byte{0x7f, 0x45, 0x4c, 0x46}, Symbols: []string{"classifier"}})

	srv := rpc.New(q, &bytecode.Resolver{Store: contentStore, AllowUnsigned: true}, nil, nil)

	_, err = srv.Load(context.Background(), &bpfmanpb.LoadRequest{
		Type:       "kprobe",
		Name:       "unknown_fn",
		Image:      ref,
		PullPolicy: "IfNotPresent",
	})
	if err == nil {
		t.Fatal("Load with a name absent from the resolved image's symbols should fail")
	}

	if programs := q.List(registry.Filter{}); len(programs) != 0 {
		t.Fatalf("Load should not persist anything on a symbol-mismatch error, found %d programs", len(programs))
	}
}
