package registry_test

import (
	"path/filepath"
	"testing"

	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/registry"
	"github.com/bpfmand/bpfmand/internal/store"
)

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "bpfmand.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	r, err := registry.Open(s)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	return r
}

func xdpDecl(name string, priority int32, ifindex uint32) registry.Declaration {
	return registry.Declaration{
		Type:     model.ProgramTypeXDP,
		Name:     name,
		Location: model.Location{FilePath: "/opt/progs/" + name + ".o"},
		Xdp: &model.XdpAttachment{
			Priority:  priority,
			Interface: "eth0",
			IfIndex:   ifindex,
		},
	}
}

func TestCreateAssignsIDAndPersists(t *testing.T) {
	r := openTestRegistry(t)

	p, err := r.Create(xdpDecl("prog_a", 50, 3), []byte{0xde, 0xad}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == 0 {
		t.Fatalf("Create returned zero id")
	}
	if p.State != model.StateDeclared {
		t.Fatalf("new program state = %v, want Declared", p.State)
	}

	got, err := r.Get(p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "prog_a" {
		t.Fatalf("Get.Name = %q, want prog_a", got.Name)
	}
}

func TestCreateRejectsEmptyName(t *testing.T) {
	r := openTestRegistry(t)
	decl := xdpDecl("", 1, 3)
	if _, err := r.Create(decl, nil, ""); err == nil {
		t.Fatalf("Create with empty name should fail")
	}
}

func TestMapOwnerDepthRejectsChains(t *testing.T) {
	r := openTestRegistry(t)

	owner, err := r.Create(xdpDecl("owner", 1, 3), nil, "/run/bpfmand/fs/maps/owner")
	if err != nil {
		t.Fatalf("Create owner: %v", err)
	}

	childDecl := xdpDecl("child", 2, 3)
	childDecl.MapOwnerID = &owner.ID
	child, err := r.Create(childDecl, nil, "")
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}

	grandchildDecl := xdpDecl("grandchild", 3, 3)
	grandchildDecl.MapOwnerID = &child.ID
	if _, err := r.Create(grandchildDecl, nil, ""); err == nil {
		t.Fatalf("Create with map_owner_id chain depth 2 should be rejected")
	}
}

func TestListFilterExcludesUnsupportedWhenMetadataGiven(t *testing.T) {
	r := openTestRegistry(t)

	unsupportedDecl := registry.Declaration{
		Type:     model.ProgramTypeUnsupported,
		Name:     "some_tracer",
		Location: model.Location{FilePath: "/opt/progs/some_tracer.o"},
	}
	if _, err := r.Create(unsupportedDecl, nil, ""); err != nil {
		t.Fatalf("Create unsupported: %v", err)
	}

	all := r.List(registry.Filter{})
	if len(all) != 1 {
		t.Fatalf("unfiltered List returned %d programs, want 1", len(all))
	}

	filtered := r.List(registry.Filter{Metadata: map[string]string{"owner": "x"}})
	if len(filtered) != 0 {
		t.Fatalf("List with a metadata selector should exclude unsupported programs, got %d", len(filtered))
	}
}

func TestDeleteRemovesFromStoreAndMemory(t *testing.T) {
	r := openTestRegistry(t)

	p, err := r.Create(xdpDecl("prog_a", 1, 3), nil, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Delete(p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(p.ID); err == nil {
		t.Fatalf("Get after Delete should fail")
	}
}

func TestDispatcherMembersFiltersByKey(t *testing.T) {
	r := openTestRegistry(t)

	if _, err := r.Create(xdpDecl("a", 50, 3), nil, ""); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := r.Create(xdpDecl("b", 10, 3), nil, ""); err != nil {
		t.Fatalf("Create b: %v", err)
	}
	otherIface := xdpDecl("c", 10, 7)
	if _, err := r.Create(otherIface, nil, ""); err != nil {
		t.Fatalf("Create c: %v", err)
	}

	members := r.DispatcherMembers(model.DispatcherKey{IfIndex: 3, Type: model.ProgramTypeXDP})
	if len(members) != 2 {
		t.Fatalf("DispatcherMembers returned %d, want 2", len(members))
	}
}
