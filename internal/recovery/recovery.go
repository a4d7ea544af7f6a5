// Package recovery implements C7: on daemon startup, before the gRPC
// listener opens, it reconciles the persistent store's view of every
// Program against what is actually pinned on the BPF filesystem, and
// rebuilds each multi-program dispatcher chain so the kernel's tail-call
// wiring matches the registry exactly even after an unclean shutdown.
package recovery

import (
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"

	"github.com/bpfmand/bpfmand/internal/bpffs"
	"github.com/bpfmand/bpfmand/internal/dispatcher"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/registry"
)

// Report summarises what Recover did, for startup logging.
type Report struct {
	Reconciled int
	Orphaned   int
	Rebuilt    int
}

// Recover reconciles reg's Programs against their bpffs pins and rebuilds
// every multi-attach dispatcher chain. It must run to completion before any
// RPC is served, matching the "recovery owns the kernel state
// until it hands off" invariant.
func Recover(reg *registry.Registry, eng *dispatcher.Engine, fs *bpffs.FS, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var report Report
	programs := reg.List(registry.Filter{})

	var multiAttach []*model.Program
	for _, p := range programs {
		pinPath := bpffs.ProgramPinPath(p.ID)
		if !fs.Exists(pinPath) {
			p.Orphaned = true
			p.State = model.StateDetached
			if err := reg.Persist(p); err != nil {
				return report, fmt.Errorf("recovery: mark program %d orphaned: %w", p.ID, err)
			}
			report.Orphaned++
			logger.Warn("recovery: program pin missing, marking orphaned", slog.Int("program_id", int(p.ID)), slog.String("name", p.Name))
			continue
		}

		if err := reconcileKernelInfo(fs, p); err != nil {
			logger.Warn("recovery: kernel_info reconciliation failed", slog.Int("program_id", int(p.ID)), slog.Any("error", err))
		} else {
			report.Reconciled++
		}

		if p.Type.IsMultiAttach() {
			multiAttach = append(multiAttach, p)
		}
		if err := reg.Persist(p); err != nil {
			return report, fmt.Errorf("recovery: persist reconciled program %d: %w", p.ID, err)
		}
	}

	model.SortChain(multiAttach)
	rebuilt := make(map[model.DispatcherKey]bool)
	for _, p := range multiAttach {
		key := keyOf(p)
		if err := eng.Add(p); err != nil {
			logger.Error("recovery: rebuild dispatcher chain failed", slog.String("key", key.String()), slog.Int("program_id", int(p.ID)), slog.Any("error", err))
			return report, fmt.Errorf("recovery: rebuild dispatcher %s: %w", key, err)
		}
		if !rebuilt[key] {
			rebuilt[key] = true
			report.Rebuilt++
		}
	}

	logger.Info("recovery complete", slog.Int("reconciled", report.Reconciled), slog.Int("orphaned", report.Orphaned), slog.Int("dispatchers_rebuilt", report.Rebuilt))
	return report, nil
}

// reconcileKernelInfo loads p's pinned program just long enough to read back
// the kernel-assigned id and verifier tag, then closes the handle (the pin
// itself keeps the kernel object alive independently).
func reconcileKernelInfo(fs *bpffs.FS, p *model.Program) error {
	prog, err := ebpf.LoadPinnedProgram(fs.Path(bpffs.ProgramPinPath(p.ID)), nil)
	if err != nil {
		return fmt.Errorf("load pinned program: %w", err)
	}
	defer prog.Close()

	info, err := prog.Info()
	if err != nil {
		return fmt.Errorf("program info: %w", err)
	}
	if id, ok := info.ID(); ok {
		p.KernelInfo.KernelID = uint32(id)
	}
	if tag, ok := info.Tag(); ok {
		p.KernelInfo.Tag = tag
	}
	return nil
}

func keyOf(p *model.Program) model.DispatcherKey {
	switch {
	case p.Xdp != nil:
		return model.DispatcherKey{IfIndex: p.Xdp.IfIndex, Type: model.ProgramTypeXDP}
	case p.Tc != nil:
		return model.DispatcherKey{IfIndex: p.Tc.IfIndex, Type: model.ProgramTypeTC, Direction: p.Tc.Direction}
	default:
		return model.DispatcherKey{}
	}
}
