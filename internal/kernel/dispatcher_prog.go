package kernel

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/bpfmand/bpfmand/internal/model"
)

// BuildDispatcher assembles the small program attached directly at the
// hook: it tail-calls slot 0 of maps.Slots, and falls through to returning
// sentinel only when that tail call fails (slot 0 missing, i.e. the chain
// is empty); a successful tail call never returns here. Chain-internal slot-to-slot progression is each member's own
// responsibility (it reads its position's proceed_on mask from
// maps.Config and tail-calls the next slot itself); the dispatcher program
// only ever needs to kick off slot 0.
func BuildDispatcher(progType model.ProgramType, maps *SlotMaps, sentinel int64) (*ebpf.ProgramSpec, error) {
	var ebpfType ebpf.ProgramType
	switch progType {
	case model.ProgramTypeXDP:
		ebpfType = ebpf.XDP
	case model.ProgramTypeTC:
		ebpfType = ebpf.SchedCLS
	default:
		return nil, fmt.Errorf("kernel: %s is not a multi-attach program type", progType)
	}

	insns := asm.Instructions{
		asm.LoadMapPtr(asm.R2, maps.Slots.FD()),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnTailCall.Call(),
		asm.Mov.Imm(asm.R0, int32(sentinel)),
		asm.Return(),
	}

	return &ebpf.ProgramSpec{
		Name:         "bpfmand_dispatch",
		Type:         ebpfType,
		Instructions: insns,
		License:      "GPL",
	}, nil
}
