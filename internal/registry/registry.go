// Package registry implements the program registry (C2): the entity store
// for every supported Program kind. It owns id allocation, attribute
// validation, and the prog/<id> trees in the persistent store; it does not
// itself touch the kernel or the BPF filesystem — those belong to
// internal/dispatcher (C4) and internal/bpffs (C5), which call back into the
// registry to read and update Program state as a rebuild progresses.
package registry

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/bpfmand/bpfmand/internal/bpferrors"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/store"
)

const treePrefix = "prog/"
const tmpTreePrefix = "tmp/prog/"

func treeName(id uint32) string {
	return fmt.Sprintf("%s%d", treePrefix, id)
}

func tmpTreeName(id uint32) string {
	return fmt.Sprintf("%s%d", tmpTreePrefix, id)
}

// Registry owns every Program entity. Mutations (Create/Delete/Update) must
// only be called from the command dispatcher's single writer goroutine
// (C6); List/Get take the read lock and may run concurrently with that
// writer, reading from an in-memory snapshot rather than the store
// directly.
type Registry struct {
	store *store.Store

	mu       sync.RWMutex
	programs map[uint32]*model.Program
}

// Open loads every existing prog/<id> tree from s into memory (used both by
// New daemon starts via C7, and directly by tests).
func Open(s *store.Store) (*Registry, error) {
	r := &Registry{store: s, programs: make(map[uint32]*model.Program)}

	names, err := s.TreeNames(treePrefix)
	if err != nil {
		return nil, fmt.Errorf("registry: list program trees: %w", err)
	}
	for _, name := range names {
		var id uint32
		if _, err := fmt.Sscanf(name, treePrefix+"%d", &id); err != nil {
			continue
		}
		tree, err := s.OpenTree(name)
		if err != nil {
			return nil, fmt.Errorf("registry: open tree %q: %w", name, err)
		}
		p, err := decodeProgram(tree, id)
		if err != nil {
			return nil, fmt.Errorf("registry: decode program %d: %w", id, err)
		}
		r.programs[id] = p
	}
	return r, nil
}

// Declaration is the client-supplied input to Create: every field of
// Program the caller may set directly. ID, ProgramBytes, KernelInfo, and
// State are assigned by the registry/dispatcher, not the caller.
type Declaration struct {
	Type       model.ProgramType
	Name       string
	Location   model.Location
	Metadata   map[string]string
	GlobalData map[string][]byte
	MapOwnerID *uint32

	Xdp *model.XdpAttachment
	Tc  *model.TcAttachment
}

// ValidateDeclaration checks the static shape of decl (name well-formed,
// location well-formed, map_owner_id depth) without needing bytecode or a
// kernel. Symbol-membership ("name is in the bytecode's exported symbols")
// is checked by the caller once C3 has resolved bytes, since Declaration
// alone doesn't carry the symbol list.
func (r *Registry) ValidateDeclaration(decl Declaration) error {
	if decl.Name == "" || !utf8.ValidString(decl.Name) {
		return bpferrors.New(bpferrors.KindInvalidProgramType, "name must be a non-empty valid UTF-8 identifier")
	}
	if err := decl.Location.Validate(); err != nil {
		return bpferrors.Wrap(bpferrors.KindInvalidProgramType, err, "invalid location")
	}
	if decl.MapOwnerID != nil {
		owner, err := r.getLocked(*decl.MapOwnerID)
		if err != nil {
			return bpferrors.Wrap(bpferrors.KindNotFound, err, "map_owner_id %d does not exist", *decl.MapOwnerID)
		}
		// Open Question (a) resolved: reject chains deeper than one level.
		if owner.MapOwnerID != nil {
			return bpferrors.New(bpferrors.KindConflict, "map_owner_id %d itself has a map_owner_id; chains of depth > 1 are rejected", *decl.MapOwnerID)
		}
	}
	return nil
}

// Create assigns a fresh id, validates decl, and persists a Declared
// Program. programBytes/mapPinPath are supplied by the caller once C3/C5
// have done their part of the Add algorithm.
func (r *Registry) Create(decl Declaration, programBytes []byte, mapPinPath string) (*model.Program, error) {
	if err := r.ValidateDeclaration(decl); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.allocateID()
	if err != nil {
		return nil, err
	}

	p := &model.Program{
		ID:           id,
		Type:         decl.Type,
		Name:         decl.Name,
		Location:     decl.Location,
		Metadata:     decl.Metadata,
		GlobalData:   decl.GlobalData,
		MapOwnerID:   decl.MapOwnerID,
		MapPinPath:   mapPinPath,
		ProgramBytes: programBytes,
		State:        model.StateDeclared,
		Xdp:          decl.Xdp,
		Tc:           decl.Tc,
	}
	if decl.MapOwnerID != nil {
		owner := r.programs[*decl.MapOwnerID]
		owner.MapsUsedBy = append(owner.MapsUsedBy, id)
		p.MapPinPath = owner.MapPinPath
		if err := r.persistLocked(owner); err != nil {
			return nil, err
		}
	}

	if err := r.persistLocked(p); err != nil {
		return nil, err
	}
	r.programs[id] = p
	return p, nil
}

// allocateID draws a 16-bit random id and retries on collision within the
// store's id-space. Ids are stored as uint32 but drawn from two bytes of
// crypto/rand output (1..65535; zero is redrawn), which is enough entropy
// for low thousands of live programs while keeping ids short in logs.
func (r *Registry) allocateID() (uint32, error) {
	for attempt := 0; attempt < 64; attempt++ {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, bpferrors.Wrap(bpferrors.KindInternal, err, "allocate program id")
		}
		id := uint32(binary.BigEndian.Uint16(b[:]))
		if id == 0 {
			continue
		}
		if _, exists := r.programs[id]; !exists {
			return id, nil
		}
	}
	return 0, bpferrors.New(bpferrors.KindInternal, "could not allocate a unique program id after 64 attempts")
}

// persistLocked writes every field of p as one atomic commit: the full
// snapshot is encoded into a temporary tree first, then swapped onto p's
// canonical tree in a single bbolt transaction, so a crash between two
// field writes (e.g. attached flipped but current_position stale) is not
// observable — either the whole snapshot lands or the previous one stands.
func (r *Registry) persistLocked(p *model.Program) error {
	tmpName := tmpTreeName(p.ID)
	tmp, err := r.store.OpenTree(tmpName)
	if err != nil {
		return bpferrors.Database("open_tree", err)
	}
	if err := encodeProgram(tmp, p); err != nil {
		_ = r.store.DropTree(tmpName)
		return bpferrors.Database("insert", err)
	}

	tree, err := r.store.OpenTree(treeName(p.ID))
	if err != nil {
		return bpferrors.Database("open_tree", err)
	}
	if err := tree.CommitFromTemp(tmpName); err != nil {
		return bpferrors.Database("commit", err)
	}
	return nil
}

// Persist re-encodes p's current in-memory state to the store. Called by
// the dispatcher engine after each step of a rebuild that mutates Program
// fields (current_position, attached, kernel_info).
func (r *Registry) Persist(p *model.Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked(p)
}

// Get returns a copy of the Program with the given id.
func (r *Registry) Get(id uint32) (*model.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(id)
}

func (r *Registry) getLocked(id uint32) (*model.Program, error) {
	p, ok := r.programs[id]
	if !ok {
		return nil, bpferrors.NotFound(id)
	}
	cp := *p
	return &cp, nil
}

// Filter selects a subset of List's results.
type Filter struct {
	ProgramType        *model.ProgramType
	Metadata           map[string]string
	DaemonProgramsOnly bool
}

// List returns every Program matching filter, applying the "unsupported"
// variant's special rule: if DaemonProgramsOnly is set or any metadata
// selector is given, an
// unsupported-kind Program is always skipped; otherwise it is matched by
// its *kernel* program type rather than the daemon's Ext-extension type
// (that distinction only matters for Xdp/Tc, which are never "unsupported"
// in our model, so in practice this means: unsupported programs are
// included only by an unfiltered or type-only list).
func (r *Registry) List(filter Filter) []*model.Program {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Program
	for _, p := range r.programs {
		if !matches(p, filter) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out
}

func matches(p *model.Program, f Filter) bool {
	if p.Type == model.ProgramTypeUnsupported {
		if f.DaemonProgramsOnly || len(f.Metadata) > 0 {
			return false
		}
	}
	if f.ProgramType != nil && p.Type != *f.ProgramType {
		return false
	}
	for k, v := range f.Metadata {
		if p.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Delete drops id's tree. Callers (the dispatcher engine / command
// dispatcher) must have already released any kernel and filesystem
// resources first.
func (r *Registry) Delete(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.programs[id]; !ok {
		return bpferrors.NotFound(id)
	}
	if err := r.store.DropTree(treeName(id)); err != nil {
		return bpferrors.Database("drop_tree", err)
	}
	delete(r.programs, id)
	return nil
}

// DispatcherMembers returns every currently-registered Program belonging to
// key, used by the dispatcher engine to recompute a chain.
func (r *Registry) DispatcherMembers(key model.DispatcherKey) []*model.Program {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Program
	for _, p := range r.programs {
		switch {
		case key.Type == model.ProgramTypeXDP && p.Xdp != nil && p.IfIndexOf() == key.IfIndex:
			cp := *p
			out = append(out, &cp)
		case key.Type == model.ProgramTypeTC && p.Tc != nil && p.IfIndexOf() == key.IfIndex && p.Tc.Direction == key.Direction:
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}
