package dispatcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bpfmand/bpfmand/internal/bpffs"
	"github.com/bpfmand/bpfmand/internal/bytecode"
	"github.com/bpfmand/bpfmand/internal/dispatcher"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/registry"
	"github.com/bpfmand/bpfmand/internal/store"
)

// fakeProgram/fakeLink/fakeSlotMaps stand in for kernel objects so the
// engine's chain algorithm can be exercised without root privileges.

type fakeProgram struct {
	name   string
	pinned string
	closed bool
}

func (p *fakeProgram) Pin(path string) error { p.pinned = path; return nil }
func (p *fakeProgram) Close() error          { p.closed = true; return nil }

type fakeLink struct {
	unpinned bool
	closed   bool
}

func (l *fakeLink) Pin(path string) error { return nil }
func (l *fakeLink) Unpin() error          { l.unpinned = true; return nil }
func (l *fakeLink) Close() error          { l.closed = true; return nil }

type fakeSlotMaps struct {
	slots  [10]dispatcher.Program
	closed bool
}

func (m *fakeSlotMaps) Close() error { m.closed = true; return nil }

// fakeBackend implements dispatcher.Backend entirely in memory, recording
// calls so tests can assert on ordering and rollback behavior.
type fakeBackend struct {
	mu            sync.Mutex
	loadFails     map[string]bool
	attachFails   bool
	buildFails    bool
	newMapsCalls  int
	builtCount    int
	attachedProgs []string
	closedMapsCnt int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		loadFails: map[string]bool{},
	}
}

func (b *fakeBackend) NewSlotMaps(key model.DispatcherKey) (dispatcher.SlotMaps, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newMapsCalls++
	return &fakeSlotMaps{}, nil
}

func (b *fakeBackend) CloseSlotMaps(maps dispatcher.SlotMaps) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closedMapsCnt++
	return maps.Close()
}

func (b *fakeBackend) SetSlot(maps dispatcher.SlotMaps, index uint32, prog dispatcher.Program, proceedOnMask uint32) error {
	fm := maps.(*fakeSlotMaps)
	if int(index) >= len(fm.slots) {
		return fmt.Errorf("slot index %d out of range", index)
	}
	fm.slots[index] = prog
	return nil
}

func (b *fakeBackend) ClearSlot(maps dispatcher.SlotMaps, index uint32) error {
	fm := maps.(*fakeSlotMaps)
	fm.slots[index] = nil
	return nil
}

func (b *fakeBackend) LoadExtension(raw []byte, programName string, globalData map[string][]byte, maps dispatcher.SlotMaps) (dispatcher.Program, error) {
	if b.loadFails[programName] {
		return nil, fmt.Errorf("simulated load failure for %s", programName)
	}
	return &fakeProgram{name: programName}, nil
}

func (b *fakeBackend) BuildDispatcher(progType model.ProgramType, maps dispatcher.SlotMaps) (dispatcher.Program, error) {
	if b.buildFails {
		return nil, fmt.Errorf("simulated dispatcher build failure")
	}
	b.mu.Lock()
	b.builtCount++
	b.mu.Unlock()
	return &fakeProgram{name: "dispatcher"}, nil
}

func (b *fakeBackend) ResolveIfIndex(name string) (uint32, error) {
	return 3, nil
}

func (b *fakeBackend) Attach(key model.DispatcherKey, prog dispatcher.Program, existing dispatcher.Link) (dispatcher.Link, error) {
	if b.attachFails {
		return nil, fmt.Errorf("simulated attach failure")
	}
	b.mu.Lock()
	b.attachedProgs = append(b.attachedProgs, prog.(*fakeProgram).name)
	b.mu.Unlock()
	return &fakeLink{}, nil
}

func writeProgFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".o")
	if err := os.WriteFile(path, []byte("fake-elf-bytes-"+name), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func newTestEngine(t *testing.T) (*dispatcher.Engine, *registry.Registry, *fakeBackend, *bpffs.FS) {
	t.Helper()

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "bpfmand.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg, err := registry.Open(s)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}

	fsDir := filepath.Join(dir, "fs")
	if err := os.MkdirAll(fsDir, 0o755); err != nil {
		t.Fatalf("mkdir fs dir: %v", err)
	}
	fs := &bpffs.FS{Dir: fsDir}

	cs, err := bytecode.OpenContentStore(filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("OpenContentStore: %v", err)
	}
	resolver := &bytecode.Resolver{Store: cs, Verifier: bytecode.NoopVerifier{}, AllowUnsigned: true}

	backend := newFakeBackend()
	eng := dispatcher.New(backend, reg, resolver, fs, s, nil)
	return eng, reg, backend, fs
}

func createXdp(t *testing.T, reg *registry.Registry, progDir, name string, priority int32, ifindex uint32) *model.Program {
	t.Helper()
	path := writeProgFile(t, progDir, name)
	p, err := reg.Create(registry.Declaration{
		Type:     model.ProgramTypeXDP,
		Name:     name,
		Location: model.Location{FilePath: path},
		Xdp: &model.XdpAttachment{
			Priority:  priority,
			Interface: "eth0",
			IfIndex:   ifindex,
		},
	}, nil, "")
	if err != nil {
		t.Fatalf("Create %s: %v", name, err)
	}
	return p
}

func TestAddOrdersChainByPriority(t *testing.T) {
	eng, reg, backend, _ := newTestEngine(t)
	progDir := t.TempDir()

	low := createXdp(t, reg, progDir, "low_prio", 100, 3)
	high := createXdp(t, reg, progDir, "high_prio", 10, 3)

	if err := eng.Add(low); err != nil {
		t.Fatalf("Add low: %v", err)
	}
	if err := eng.Add(high); err != nil {
		t.Fatalf("Add high: %v", err)
	}

	key := model.DispatcherKey{IfIndex: 3, Type: model.ProgramTypeXDP}
	members := reg.DispatcherMembers(key)
	model.SortChain(members)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[0].Name != "high_prio" || members[1].Name != "low_prio" {
		t.Fatalf("chain not ordered by priority: got [%s, %s]", members[0].Name, members[1].Name)
	}
	if !members[0].Xdp.Attached || members[0].Xdp.CurrentPosition != 0 {
		t.Fatalf("high_prio should occupy position 0 and be attached")
	}
	if !members[1].Xdp.Attached || members[1].Xdp.CurrentPosition != 1 {
		t.Fatalf("low_prio should occupy position 1 and be attached")
	}

	if backend.builtCount != 2 {
		t.Fatalf("expected dispatcher rebuilt twice (once per Add), got %d", backend.builtCount)
	}
}

func TestAddRejectsWhenChainExceedsCapacity(t *testing.T) {
	eng, reg, _, _ := newTestEngine(t)
	progDir := t.TempDir()

	for i := 0; i < 10; i++ {
		p := createXdp(t, reg, progDir, fmt.Sprintf("p%d", i), int32(i), 3)
		if err := eng.Add(p); err != nil {
			t.Fatalf("Add p%d: %v", i, err)
		}
	}

	overflow := createXdp(t, reg, progDir, "overflow", 99, 3)
	err := eng.Add(overflow)
	if err == nil {
		t.Fatal("expected TooManyPrograms error when exceeding dispatcher slot capacity")
	}
}

func TestAddRollsBackOnDispatcherBuildFailure(t *testing.T) {
	eng, reg, backend, fs := newTestEngine(t)
	progDir := t.TempDir()

	p := createXdp(t, reg, progDir, "only", 1, 3)
	backend.buildFails = true

	if err := eng.Add(p); err == nil {
		t.Fatal("expected Add to fail when dispatcher build fails")
	}

	if fs.Exists(bpffs.ProgramPinPath(p.ID)) {
		t.Fatal("member pin should have been rolled back after dispatcher build failure")
	}
	if backend.closedMapsCnt != backend.newMapsCalls {
		t.Fatalf("slot maps not closed on rollback: new=%d closed=%d", backend.newMapsCalls, backend.closedMapsCnt)
	}
}

func TestAddRollsBackOnExtensionLoadFailure(t *testing.T) {
	eng, reg, backend, _ := newTestEngine(t)
	progDir := t.TempDir()

	p := createXdp(t, reg, progDir, "bad", 1, 3)
	backend.loadFails["bad"] = true

	if err := eng.Add(p); err == nil {
		t.Fatal("expected Add to fail when extension load fails")
	}
	if backend.builtCount != 0 {
		t.Fatal("dispatcher should never be built when a member load fails first")
	}
}

func TestRemoveTearsDownWhenChainBecomesEmpty(t *testing.T) {
	eng, reg, backend, _ := newTestEngine(t)
	progDir := t.TempDir()

	p := createXdp(t, reg, progDir, "solo", 1, 3)
	if err := eng.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}

	key := model.DispatcherKey{IfIndex: 3, Type: model.ProgramTypeXDP}
	if err := eng.Remove(key, p.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if len(backend.attachedProgs) != 1 {
		t.Fatalf("expected exactly one dispatcher attach (the initial add), got %d", len(backend.attachedProgs))
	}
}

func TestRemoveRebuildsChainWithoutRemovedMember(t *testing.T) {
	eng, reg, _, _ := newTestEngine(t)
	progDir := t.TempDir()

	a := createXdp(t, reg, progDir, "a", 10, 3)
	b := createXdp(t, reg, progDir, "b", 20, 3)
	if err := eng.Add(a); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := eng.Add(b); err != nil {
		t.Fatalf("Add b: %v", err)
	}

	key := model.DispatcherKey{IfIndex: 3, Type: model.ProgramTypeXDP}
	if err := eng.Remove(key, a.ID); err != nil {
		t.Fatalf("Remove a: %v", err)
	}

	members := reg.DispatcherMembers(key)
	model.SortChain(members)
	if len(members) != 2 {
		// DispatcherMembers still returns both from the registry (Remove
		// does not delete the Program entity, only detaches it); the
		// remaining chain position is what matters here.
		t.Fatalf("expected registry to retain both programs after Remove, got %d", len(members))
	}
	if b.Xdp.CurrentPosition != 0 {
		t.Fatalf("b should now occupy position 0, got %d", b.Xdp.CurrentPosition)
	}
}
