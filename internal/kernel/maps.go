package kernel

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/bpfmand/bpfmand/internal/model"
)

// MaxDispatcherSlots bounds the number of chain members a single dispatcher
// can hold; the kernel limits the depth of a tail-call chain (32 in recent
// kernels), and the daemon's TooManyPrograms error fires once a chain would
// exceed the dispatcher's slot capacity.
const MaxDispatcherSlots = 10

// SlotMaps are the two maps shared by a DispatcherKey's dispatcher program
// and every member extension program: a PROG_ARRAY driving the tail-call
// chain, and an ARRAY holding each slot's proceed_on mask. Member programs
// reference these by name at compile time; C4 binds its own instances at
// load time via ebpf.CollectionOptions.MapReplacements.
type SlotMaps struct {
	Slots  *ebpf.Map // BPF_MAP_TYPE_PROG_ARRAY, index -> member program
	Config *ebpf.Map // BPF_MAP_TYPE_ARRAY, index -> proceed_on mask (uint32)
}

// SlotsMapName and ConfigMapName are the well-known map names every member
// extension's ELF must declare, analogous to the map-sharing convention
// real bpfman-style dispatchers use.
const (
	SlotsMapName  = "slots"
	ConfigMapName = "proceed_on_config"
)

// NewSlotMaps creates a fresh pair of shared maps for one DispatcherKey.
func NewSlotMaps(key model.DispatcherKey) (*SlotMaps, error) {
	slots, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       mapName("slots", key),
		Type:       ebpf.ProgramArray,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: MaxDispatcherSlots,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: create slots map for %s: %w", key, err)
	}

	config, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       mapName("cfg", key),
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: MaxDispatcherSlots,
	})
	if err != nil {
		slots.Close()
		return nil, fmt.Errorf("kernel: create config map for %s: %w", key, err)
	}

	return &SlotMaps{Slots: slots, Config: config}, nil
}

// mapName truncates to the kernel's BPF_OBJ_NAME_LEN (15 usable bytes) so
// distinct DispatcherKeys never collide on a shared debug name.
func mapName(prefix string, key model.DispatcherKey) string {
	name := fmt.Sprintf("%s_%d_%d", prefix, key.IfIndex, int32(key.Direction))
	if len(name) > 15 {
		name = name[:15]
	}
	return name
}

// SetSlot installs member's program at index in the PROG_ARRAY, and its
// proceed_on mask in the config ARRAY.
func (m *SlotMaps) SetSlot(index uint32, prog *ebpf.Program, proceedOnMask uint32) error {
	if err := m.Slots.Put(index, prog); err != nil {
		return fmt.Errorf("kernel: set slots[%d]: %w", index, err)
	}
	if err := m.Config.Put(index, proceedOnMask); err != nil {
		return fmt.Errorf("kernel: set config[%d]: %w", index, err)
	}
	return nil
}

// ClearSlot removes index from both maps, used when a chain shrinks.
func (m *SlotMaps) ClearSlot(index uint32) error {
	if err := m.Slots.Delete(index); err != nil && !isNotExist(err) {
		return fmt.Errorf("kernel: clear slots[%d]: %w", index, err)
	}
	if err := m.Config.Delete(index); err != nil && !isNotExist(err) {
		return fmt.Errorf("kernel: clear config[%d]: %w", index, err)
	}
	return nil
}

func isNotExist(err error) bool {
	return err == ebpf.ErrKeyNotExist
}

// Close releases both maps. Safe to call on a SlotMaps whose maps are
// already pinned (pinning keeps the kernel object alive independently).
func (m *SlotMaps) Close() error {
	err1 := m.Slots.Close()
	err2 := m.Config.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
