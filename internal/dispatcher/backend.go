// Package dispatcher implements the dispatcher engine (C4): computing each
// DispatcherKey's ordered chain, loading and pinning member and dispatcher
// programs, atomically swapping the kernel's hook attachment, and rolling
// back on any failure after bytecode has been materialised.
//
// Everything that touches the kernel goes through the small Backend
// interface below rather than internal/kernel's concrete cilium/ebpf types
// directly, so the Add/Remove algorithm — the part worth testing — can run
// against a fake in unit tests without root privileges or a real NIC.
package dispatcher

import (
	"github.com/bpfmand/bpfmand/internal/model"
)

// Program is the subset of *ebpf.Program's behavior the engine depends on.
type Program interface {
	Pin(path string) error
	Close() error
}

// Link is the subset of link.Link's behavior the engine depends on.
type Link interface {
	Pin(path string) error
	Unpin() error
	Close() error
}

// SlotMaps is an opaque handle to a DispatcherKey's shared tail-call and
// config maps; only Backend knows how to act on it.
type SlotMaps interface {
	Close() error
}

// Backend is everything the engine needs from the kernel layer (C4's use of
// internal/kernel). A production Engine is built with KernelBackend; tests
// use a fake.
type Backend interface {
	NewSlotMaps(key model.DispatcherKey) (SlotMaps, error)
	CloseSlotMaps(maps SlotMaps) error
	SetSlot(maps SlotMaps, index uint32, prog Program, proceedOnMask uint32) error
	ClearSlot(maps SlotMaps, index uint32) error

	LoadExtension(raw []byte, programName string, globalData map[string][]byte, maps SlotMaps) (Program, error)
	BuildDispatcher(progType model.ProgramType, maps SlotMaps) (Program, error)

	ResolveIfIndex(name string) (uint32, error)
	// Attach installs prog at key's hook. existing is the Link from the
	// chain's previous rebuild, or nil on a first attach; a backend that can
	// update a live link in place (XDP) returns the same Link value rather
	// than a new one, letting the caller skip re-pinning and retiring it.
	Attach(key model.DispatcherKey, prog Program, existing Link) (Link, error)
}
