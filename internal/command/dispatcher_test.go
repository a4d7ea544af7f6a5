package command_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bpfmand/bpfmand/internal/audit"
	"github.com/bpfmand/bpfmand/internal/command"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/registry"
	"github.com/bpfmand/bpfmand/internal/store"
)

func openTestQueue(t *testing.T) *command.Queue {
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
	return q
}

// a kprobe declaration never touches the dispatcher engine, so these tests
// can run against a nil *dispatcher.Engine (single-attach programs never
// reach engine.Add/Remove).
func kprobeDecl(name string) registry.Declaration {
	return registry.Declaration{
		Type:     model.ProgramTypeKprobe,
		Name:     name,
		Location: model.Location{FilePath: "/opt/progs/" + name + ".o"},
	}
}

func TestLoadAssignsCorrelationIDAndPersists(t *testing.T) {
	q := openTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, correlationID, err := q.Load(ctx, kprobeDecl("probe_a"), []byte{0x01}, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if correlationID == "" {
		t.Fatal("Load did not assign a correlation id")
	}
	if p.State != model.StateLoaded {
		t.Fatalf("single-attach program state = %v, want Loaded", p.State)
	}

	got, err := q.Get(p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "probe_a" {
		t.Fatalf("Get.Name = %q, want probe_a", got.Name)
	}
}

func TestUnloadRemovesProgram(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	p, _, err := q.Load(ctx, kprobeDecl("probe_b"), nil, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := q.Unload(ctx, p.ID); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, err := q.Get(p.ID); err == nil {
		t.Fatal("Get after Unload should fail")
	}
}

func TestLoadAndUnloadAppendAuditEntries(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	logPath := filepath.Join(t.TempDir(), "audit.log")
	auditLog, err := audit.Open(logPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })
	q.SetAuditLog(auditLog)

	p, _, err := q.Load(ctx, kprobeDecl("probe_e"), nil, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := q.Unload(ctx, p.ID); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	entries, err := audit.Verify(logPath)
	if err != nil {
		t.Fatalf("audit.Verify: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit log has %d entries, want 2 (load + unload)", len(entries))
	}
}

func TestListReflectsLoadedPrograms(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	if _, _, err := q.Load(ctx, kprobeDecl("probe_c"), nil, ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, _, err := q.Load(ctx, kprobeDecl("probe_d"), nil, ""); err != nil {
		t.Fatalf("Load: %v", err)
	}

	all := q.List(registry.Filter{})
	if len(all) != 2 {
		t.Fatalf("List returned %d programs, want 2", len(all))
	}
}
