package dispatcher

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/bpfmand/bpfmand/internal/kernel"
	"github.com/bpfmand/bpfmand/internal/model"
)

// kernelSlotMaps adapts *kernel.SlotMaps to the SlotMaps interface and
// carries it through Backend calls without the engine needing to know its
// concrete shape.
type kernelSlotMaps struct {
	maps *kernel.SlotMaps
}

func (k *kernelSlotMaps) Close() error { return k.maps.Close() }

// KernelBackend is the production Backend, wired directly to
// internal/kernel's cilium/ebpf-based implementation.
type KernelBackend struct {
	// DispatcherReturnXdp/Tc are the verdicts BuildDispatcher's generated
	// program returns when its tail call into slot 0 does not happen (an
	// empty chain). NewKernelBackend sets them to XDP_PASS and TC_ACT_OK.
	DispatcherReturnXdp int64
	DispatcherReturnTc  int64
}

func NewKernelBackend() *KernelBackend {
	return &KernelBackend{
		DispatcherReturnXdp: int64(model.XdpPass),
		DispatcherReturnTc:  int64(model.TcOk),
	}
}

func (b *KernelBackend) NewSlotMaps(key model.DispatcherKey) (SlotMaps, error) {
	maps, err := kernel.NewSlotMaps(key)
	if err != nil {
		return nil, err
	}
	return &kernelSlotMaps{maps: maps}, nil
}

func (b *KernelBackend) CloseSlotMaps(maps SlotMaps) error {
	return maps.Close()
}

func (b *KernelBackend) SetSlot(maps SlotMaps, index uint32, prog Program, proceedOnMask uint32) error {
	ksm, ok := maps.(*kernelSlotMaps)
	if !ok {
		return fmt.Errorf("dispatcher: SetSlot called with non-kernel SlotMaps")
	}
	kprog, ok := prog.(*kernelProgram)
	if !ok {
		return fmt.Errorf("dispatcher: SetSlot called with non-kernel Program")
	}
	return ksm.maps.SetSlot(index, kprog.lp.Program, proceedOnMask)
}

func (b *KernelBackend) ClearSlot(maps SlotMaps, index uint32) error {
	ksm, ok := maps.(*kernelSlotMaps)
	if !ok {
		return fmt.Errorf("dispatcher: ClearSlot called with non-kernel SlotMaps")
	}
	return ksm.maps.ClearSlot(index)
}

// kernelProgram adapts *kernel.LoadedProgram to the Program interface.
type kernelProgram struct {
	lp *kernel.LoadedProgram
}

func (p *kernelProgram) Pin(path string) error { return p.lp.Program.Pin(path) }
func (p *kernelProgram) Close() error          { return p.lp.Close() }

func (b *KernelBackend) LoadExtension(raw []byte, programName string, globalData map[string][]byte, maps SlotMaps) (Program, error) {
	ksm, ok := maps.(*kernelSlotMaps)
	if !ok {
		return nil, fmt.Errorf("dispatcher: LoadExtension called with non-kernel SlotMaps")
	}
	lp, err := kernel.LoadProgram(raw, kernel.LoadOptions{
		ProgramName: programName,
		GlobalData:  globalData,
		MapReplacements: map[string]*ebpf.Map{
			kernel.SlotsMapName:  ksm.maps.Slots,
			kernel.ConfigMapName: ksm.maps.Config,
		},
	})
	if err != nil {
		return nil, err
	}
	return &kernelProgram{lp: lp}, nil
}

func (b *KernelBackend) BuildDispatcher(progType model.ProgramType, maps SlotMaps) (Program, error) {
	ksm, ok := maps.(*kernelSlotMaps)
	if !ok {
		return nil, fmt.Errorf("dispatcher: BuildDispatcher called with non-kernel SlotMaps")
	}

	sentinel := b.DispatcherReturnXdp
	if progType == model.ProgramTypeTC {
		sentinel = b.DispatcherReturnTc
	}

	spec, err := kernel.BuildDispatcher(progType, ksm.maps, sentinel)
	if err != nil {
		return nil, err
	}
	prog, err := ebpf.NewProgram(spec)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: load dispatcher program: %w", err)
	}
	return &kernelProgram{lp: &kernel.LoadedProgram{Program: prog}}, nil
}

func (b *KernelBackend) ResolveIfIndex(name string) (uint32, error) {
	return kernel.ResolveIfIndex(name)
}

// Attach installs prog through internal/kernel's Attacher for key.Type.
// link.Link already satisfies the Link interface's method set directly, so
// Attach returns it unwrapped.
func (b *KernelBackend) Attach(key model.DispatcherKey, prog Program, existing Link) (Link, error) {
	kprog, ok := prog.(*kernelProgram)
	if !ok {
		return nil, fmt.Errorf("dispatcher: Attach called with non-kernel Program")
	}
	attacher, err := kernel.AttacherFor(key.Type)
	if err != nil {
		return nil, err
	}
	var existingLink link.Link
	if existing != nil {
		existingLink, ok = existing.(link.Link)
		if !ok {
			return nil, fmt.Errorf("dispatcher: Attach called with non-kernel existing Link")
		}
	}
	return attacher.Attach(key, kprog.lp.Program, existingLink)
}
