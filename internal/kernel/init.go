// Package kernel wraps github.com/cilium/ebpf for the dispatcher engine
// (C4): loading extension and dispatcher programs, sharing the tail-call
// and configuration maps a DispatcherKey's chain is built from, and
// attaching/detaching at the XDP and TC hooks.
package kernel

import (
	"fmt"

	"github.com/cilium/ebpf/rlimit"
)

// RemoveMemlock lifts the legacy RLIMIT_MEMLOCK cap so that map and program
// creation is not artificially bounded on kernels that still enforce it.
// Called once at daemon startup, mirroring every cilium/ebpf-based program's
// standard init sequence.
func RemoveMemlock() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("kernel: remove memlock rlimit: %w", err)
	}
	return nil
}
