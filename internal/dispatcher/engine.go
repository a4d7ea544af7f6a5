package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bpfmand/bpfmand/internal/bpferrors"
	"github.com/bpfmand/bpfmand/internal/bpffs"
	"github.com/bpfmand/bpfmand/internal/bytecode"
	"github.com/bpfmand/bpfmand/internal/kernel"
	"github.com/bpfmand/bpfmand/internal/metrics"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/registry"
	"github.com/bpfmand/bpfmand/internal/store"
)

// chainState is the engine's in-memory bookkeeping for one live
// DispatcherKey: the kernel handles needed to tear it down or rebuild it.
type chainState struct {
	dispatcherProg Program
	dispatcherLink Link
	maps           SlotMaps
	members        map[uint32]Program // program id -> loaded extension
	kernelID       uint32
	revision       uint64
}

// Engine implements C4: the multi-program attachment core.
type Engine struct {
	backend  Backend
	registry *registry.Registry
	resolver *bytecode.Resolver
	fs       *bpffs.FS
	store    *store.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	chain map[model.DispatcherKey]*chainState
}

// SetMetrics wires m's collectors into the engine's rebuild path. It is
// optional: an Engine with no metrics set simply skips instrumentation,
// which is what every unit test in this package does.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// New constructs an Engine. logger defaults to slog.Default() when nil.
func New(backend Backend, reg *registry.Registry, resolver *bytecode.Resolver, fs *bpffs.FS, s *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		backend:  backend,
		registry: reg,
		resolver: resolver,
		fs:       fs,
		store:    s,
		logger:   logger,
		chain:    make(map[model.DispatcherKey]*chainState),
	}
}

// Add implements the Add algorithm: load and attach a single new
// member Program, rebuilding key's dispatcher chain around it.
func (e *Engine) Add(p *model.Program) error {
	key, err := e.keyFor(p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: compute the new chain.
	members := e.registry.DispatcherMembers(key)
	found := false
	for i, m := range members {
		if m.ID == p.ID {
			members[i] = p
			found = true
		}
	}
	if !found {
		members = append(members, p)
	}
	model.SortChain(members)
	if len(members) > kernel.MaxDispatcherSlots {
		return bpferrors.New(bpferrors.KindTooManyPrograms, "chain for %s would have %d members, exceeding capacity %d", key, len(members), kernel.MaxDispatcherSlots)
	}

	// Step 2: if_index is already resolved onto p by the caller (C6), since
	// Location/interface validation happens before C3 runs; re-resolve here
	// defensively in case the interface disappeared between validation and
	// this rebuild.
	if _, err := e.backend.ResolveIfIndex(interfaceOf(p)); err != nil {
		return bpferrors.Wrap(bpferrors.KindInvalidInterface, err, "resolve interface for program %d", p.ID)
	}

	return e.rebuild(key, members, p)
}

// Remove implements the dual of Add: recompute the chain without id and
// rebuild (or fully tear down if the chain becomes empty).
func (e *Engine) Remove(key model.DispatcherKey, id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	members := e.registry.DispatcherMembers(key)
	remaining := members[:0:0]
	for _, m := range members {
		if m.ID != id {
			remaining = append(remaining, m)
		}
	}
	model.SortChain(remaining)

	var rebuildErr error
	if len(remaining) == 0 {
		rebuildErr = e.teardown(key)
	} else {
		rebuildErr = e.rebuild(key, remaining, nil)
	}
	if rebuildErr != nil {
		return rebuildErr
	}

	if removed, err := e.registry.Get(id); err == nil {
		if removed.Xdp != nil {
			removed.Xdp.Attached = false
			removed.Xdp.CurrentPosition = 0
		}
		if removed.Tc != nil {
			removed.Tc.Attached = false
			removed.Tc.CurrentPosition = 0
		}
		removed.State = model.StateDetached
		if err := e.registry.Persist(removed); err != nil {
			e.logger.Error("dispatcher: persist detached program failed", slog.Any("error", err), slog.Int("program_id", int(id)))
		}
	}
	return nil
}

// rebuild executes steps 3-7 of the Add algorithm (and Remove's dual): load
// any new member, build a fresh dispatcher, atomically swap it in, update
// pins and registry state, and commit to the store. newMember is nil for a
// pure Remove rebuild.
func (e *Engine) rebuild(key model.DispatcherKey, members []*model.Program, newMember *model.Program) (err error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveRebuild(key.Type.String(), err == nil, time.Since(start))
		}
	}()

	maps, err := e.backend.NewSlotMaps(key)
	if err != nil {
		return bpferrors.Wrap(bpferrors.KindKernelLoad, err, "create slot maps for %s", key)
	}

	loaded := make(map[uint32]Program, len(members))
	var newMemberProg Program

	rollback := func() {
		if newMemberProg != nil {
			_ = newMemberProg.Close()
			_ = e.fs.Unpin(bpffs.ProgramPinPath(newMember.ID))
		}
		_ = e.backend.CloseSlotMaps(maps)
	}

	for i, m := range members {
		prevState := e.chain[key]
		if prevState != nil {
			if existing, ok := prevState.members[m.ID]; ok && m.ID != getID(newMember) {
				loaded[m.ID] = existing
				proceedOnMask := proceedOnMaskOf(m)
				if err := e.backend.SetSlot(maps, uint32(i), existing, proceedOnMask); err != nil {
					rollback()
					return bpferrors.Wrap(bpferrors.KindKernelLoad, err, "rewire slot %d for program %d", i, m.ID)
				}
				continue
			}
		}

		// This member's bytecode must be (re)loaded: either it is the new
		// addition, or its slot maps changed because this is its first
		// rebuild in this Engine's lifetime (e.g. after a C7 recovery).
		resolved, err := e.resolver.Resolve(context.Background(), m.Location)
		if err != nil {
			rollback()
			return err
		}

		prog, err := e.backend.LoadExtension(resolved.Bytes, m.Name, m.GlobalData, maps)
		if err != nil {
			rollback()
			return bpferrors.Wrap(bpferrors.KindKernelLoad, err, "load extension for program %d", m.ID)
		}
		if err := e.fs.Pin(prog, bpffs.ProgramPinPath(m.ID)); err != nil {
			_ = prog.Close()
			rollback()
			return bpferrors.Wrap(bpferrors.KindKernelLoad, err, "pin extension for program %d", m.ID)
		}

		loaded[m.ID] = prog
		if newMember != nil && m.ID == newMember.ID {
			newMemberProg = prog
		}

		if err := e.backend.SetSlot(maps, uint32(i), prog, proceedOnMaskOf(m)); err != nil {
			rollback()
			return bpferrors.Wrap(bpferrors.KindKernelLoad, err, "wire slot %d for program %d", i, m.ID)
		}
	}

	dispatcherProg, err := e.backend.BuildDispatcher(key.Type, maps)
	if err != nil {
		rollback()
		return bpferrors.Wrap(bpferrors.KindKernelLoad, err, "build dispatcher for %s", key)
	}

	// Step 5: atomic swap. Attach the new dispatcher (XDP updates the
	// existing link's program in place rather than attaching a second one;
	// TC always attaches fresh), then unpin/unload the old generation. Once
	// attach succeeds, any failure below is logged but never rolled back:
	// the new chain is already live.
	old := e.chain[key]
	var existingLink Link
	if old != nil {
		existingLink = old.dispatcherLink
	}
	newLink, err := e.backend.Attach(key, dispatcherProg, existingLink)
	if err != nil {
		_ = dispatcherProg.Close()
		rollback()
		return bpferrors.Wrap(bpferrors.KindKernelAttach, err, "attach dispatcher for %s", key)
	}
	reusedLink := old != nil && newLink == old.dispatcherLink

	if old != nil {
		if !reusedLink {
			if err := old.dispatcherLink.Unpin(); err != nil {
				e.logger.Warn("dispatcher: unpin old dispatcher link failed", slog.Any("error", err), slog.String("key", key.String()))
			}
			if err := old.dispatcherLink.Close(); err != nil {
				e.logger.Warn("dispatcher: close old dispatcher link failed", slog.Any("error", err), slog.String("key", key.String()))
			}
		}
		if err := old.dispatcherProg.Close(); err != nil {
			e.logger.Warn("dispatcher: close old dispatcher program failed", slog.Any("error", err), slog.String("key", key.String()))
		}
		for id, prog := range old.members {
			if _, stillLive := loaded[id]; !stillLive {
				if err := prog.Close(); err != nil {
					e.logger.Warn("dispatcher: close retired member failed", slog.Any("error", err), slog.Int("program_id", int(id)))
				}
				if err := e.fs.Unpin(bpffs.ProgramPinPath(id)); err != nil {
					e.logger.Warn("dispatcher: unpin retired member failed", slog.Any("error", err), slog.Int("program_id", int(id)))
				}
			}
		}
		if err := e.backend.CloseSlotMaps(old.maps); err != nil {
			e.logger.Warn("dispatcher: close old slot maps failed", slog.Any("error", err), slog.String("key", key.String()))
		}
	}

	linkPinPath := dispatcherLinkPinPath(key)
	if !reusedLink {
		if err := e.fs.Pin(newLink, linkPinPath); err != nil {
			e.logger.Warn("dispatcher: pin new dispatcher link failed", slog.Any("error", err), slog.String("key", key.String()))
		}
	}

	// Step 6: update member positions/attached flags and persist them.
	ids := make([]uint32, 0, len(members))
	for i, m := range members {
		setPosition(m, i)
		m.State = model.StateAttached
		if err := e.registry.Persist(m); err != nil {
			e.logger.Error("dispatcher: persist member after rebuild failed", slog.Any("error", err), slog.Int("program_id", int(m.ID)))
		}
		ids = append(ids, m.ID)
	}

	revision := uint64(1)
	if old != nil {
		revision = old.revision + 1
	}

	e.chain[key] = &chainState{
		dispatcherProg: dispatcherProg,
		dispatcherLink: newLink,
		maps:           maps,
		members:        loaded,
		revision:       revision,
	}

	// Step 7: commit to C1.
	d := &model.Dispatcher{Key: key, Revision: revision, ProgramIDs: ids, LinkPinPath: linkPinPath}
	if err := persistDispatcher(e.store, d); err != nil {
		return err
	}
	return nil
}

// teardown fully detaches and unloads key's dispatcher when its chain
// becomes empty (Remove's dual case).
func (e *Engine) teardown(key model.DispatcherKey) error {
	old := e.chain[key]
	if old == nil {
		return nil
	}
	if err := old.dispatcherLink.Unpin(); err != nil {
		e.logger.Warn("dispatcher: unpin dispatcher link during teardown failed", slog.Any("error", err))
	}
	if err := old.dispatcherLink.Close(); err != nil {
		e.logger.Warn("dispatcher: close dispatcher link during teardown failed", slog.Any("error", err))
	}
	if err := old.dispatcherProg.Close(); err != nil {
		e.logger.Warn("dispatcher: close dispatcher program during teardown failed", slog.Any("error", err))
	}
	for id, prog := range old.members {
		_ = prog.Close()
		_ = e.fs.Unpin(bpffs.ProgramPinPath(id))
	}
	if err := e.backend.CloseSlotMaps(old.maps); err != nil {
		e.logger.Warn("dispatcher: close slot maps during teardown failed", slog.Any("error", err))
	}
	delete(e.chain, key)

	if err := e.store.DropTree(treeName(key)); err != nil {
		return bpferrors.Database("drop_tree", err)
	}
	return nil
}

func (e *Engine) keyFor(p *model.Program) (model.DispatcherKey, error) {
	switch p.Type {
	case model.ProgramTypeXDP:
		return model.DispatcherKey{IfIndex: p.Xdp.IfIndex, Type: model.ProgramTypeXDP}, nil
	case model.ProgramTypeTC:
		return model.DispatcherKey{IfIndex: p.Tc.IfIndex, Type: model.ProgramTypeTC, Direction: p.Tc.Direction}, nil
	default:
		return model.DispatcherKey{}, fmt.Errorf("dispatcher: program %d is not a multi-attach type", p.ID)
	}
}

func interfaceOf(p *model.Program) string {
	if p.Xdp != nil {
		return p.Xdp.Interface
	}
	if p.Tc != nil {
		return p.Tc.Interface
	}
	return ""
}

func proceedOnMaskOf(p *model.Program) uint32 {
	if p.Xdp != nil {
		return model.XdpProceedOnMask(p.Xdp.ProceedOn)
	}
	if p.Tc != nil {
		return model.TcProceedOnMask(p.Tc.ProceedOn)
	}
	return 0
}

func setPosition(p *model.Program, pos int) {
	if p.Xdp != nil {
		p.Xdp.CurrentPosition = pos
		p.Xdp.Attached = true
	}
	if p.Tc != nil {
		p.Tc.CurrentPosition = pos
		p.Tc.Attached = true
	}
}

// dispatcherLinkPinPath returns the bpffs-relative pin path for key's
// dispatcher link, distinct from any program's own prog_<id>[_link] path.
func dispatcherLinkPinPath(key model.DispatcherKey) string {
	if key.Type == model.ProgramTypeTC {
		return fmt.Sprintf("dispatcher_tc_%d_%s", key.IfIndex, key.Direction)
	}
	return fmt.Sprintf("dispatcher_xdp_%d", key.IfIndex)
}

func getID(p *model.Program) uint32 {
	if p == nil {
		return 0
	}
	return p.ID
}
