package kernel

import (
	"bytes"
	"fmt"

	"github.com/cilium/ebpf"
)

// LoadedProgram is a single program extracted from a loaded Collection,
// kept alongside the Maps the Collection created (so callers can Pin/Close
// them once the program is no longer needed).
type LoadedProgram struct {
	Program *ebpf.Program
	Maps    map[string]*ebpf.Map
}

// Close releases the program and every map that was loaded alongside it.
// Safe to call after the program/maps have been pinned, since pinning
// keeps the kernel object alive independently of this handle.
func (lp *LoadedProgram) Close() error {
	var firstErr error
	if err := lp.Program.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, m := range lp.Maps {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadOptions parametrises LoadProgram.
type LoadOptions struct {
	// ProgramName selects which program in the ELF to load and return,
	// matching the Program's declared name. The name must be present in
	// the bytecode's exported symbols.
	ProgramName string

	// GlobalData rewrites global variables present in the ELF's
	// .rodata/.bss/.data sections before load. Keys that do not match a
	// declared variable are ignored rather than treated as an error,
	// since not every extension declares every conventional global.
	GlobalData map[string][]byte

	// MapReplacements binds the ELF's own map declarations (referenced by
	// name, e.g. kernel.SlotsMapName/kernel.ConfigMapName) to
	// already-created maps shared across a dispatcher chain, rewiring
	// tail-call slots onto the chain's shared PROG_ARRAY.
	MapReplacements map[string]*ebpf.Map
}

// LoadProgram parses raw as an eBPF ELF, applies global-data rewrites and
// map replacements, loads every program and map it declares into the
// kernel, and returns the one program named opts.ProgramName.
func LoadProgram(raw []byte, opts LoadOptions) (*LoadedProgram, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("kernel: parse ELF: %w", err)
	}

	if len(opts.GlobalData) > 0 {
		consts := make(map[string]interface{}, len(opts.GlobalData))
		for name, value := range opts.GlobalData {
			if _, declared := spec.Variables[name]; declared {
				consts[name] = value
			}
		}
		if len(consts) > 0 {
			if err := spec.RewriteConstants(consts); err != nil {
				return nil, fmt.Errorf("kernel: rewrite global data: %w", err)
			}
		}
	}

	collOpts := ebpf.CollectionOptions{}
	if len(opts.MapReplacements) > 0 {
		collOpts.MapReplacements = opts.MapReplacements
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, collOpts)
	if err != nil {
		return nil, fmt.Errorf("kernel: load collection: %w", err)
	}

	prog, ok := coll.Programs[opts.ProgramName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("kernel: program %q not present in collection", opts.ProgramName)
	}
	prog = prog.Clone()

	maps := make(map[string]*ebpf.Map, len(coll.Maps))
	for name, m := range coll.Maps {
		if _, replaced := opts.MapReplacements[name]; replaced {
			continue
		}
		maps[name] = m.Clone()
	}

	coll.Close()
	return &LoadedProgram{Program: prog, Maps: maps}, nil
}

// Symbols returns the names of every program the ELF declares, used by
// callers that need the symbol list without fully loading the object (file
// locations skip this; image locations get their symbol list from the OCI
// manifest annotation instead).
func Symbols(raw []byte) ([]string, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("kernel: parse ELF: %w", err)
	}
	names := make([]string, 0, len(spec.Programs))
	for name := range spec.Programs {
		names = append(names, name)
	}
	return names, nil
}
