// Package bpffs implements the filesystem layer (C5): mounting the BPF
// filesystem, pinning and unpinning kernel objects beneath it, and the
// map-pin exclusion rule for ELF-local data sections.
package bpffs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// bpffsMagic is the BPF filesystem's statfs magic number.
const bpffsMagic = 0xcafe4a11

// FS is a mounted BPF filesystem rooted at Dir, the daemon's <RTDIR_FS>.
type FS struct {
	Dir string
}

// Mount ensures dir exists and has a BPF filesystem mounted on it, with the
// flags a privileged pinning filesystem requires. If dir is already a bpffs
// mount, Mount is a no-op (the daemon may share a bpffs provisioned by the
// host).
func Mount(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bpffs: create %q: %w", dir, err)
	}

	mounted, err := isBPFFS(dir)
	if err != nil {
		return nil, err
	}
	if mounted {
		return &FS{Dir: dir}, nil
	}

	flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_RELATIME)
	if err := unix.Mount("bpf", dir, "bpf", flags, ""); err != nil {
		return nil, fmt.Errorf("bpffs: mount %q: %w", dir, err)
	}
	return &FS{Dir: dir}, nil
}

func isBPFFS(dir string) (bool, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("bpffs: statfs %q: %w", dir, err)
	}
	return int64(stat.Type) == bpffsMagic, nil
}

// EnsureDir creates a subdirectory of the bpffs root with the given mode,
// used for per-program map directories.
func (fs *FS) EnsureDir(rel string, mode os.FileMode) (string, error) {
	path := filepath.Join(fs.Dir, rel)
	if err := os.MkdirAll(path, mode); err != nil {
		return "", fmt.Errorf("bpffs: ensure_dir %q: %w", path, err)
	}
	return path, nil
}

// Path joins rel onto the bpffs root.
func (fs *FS) Path(rel string) string {
	return filepath.Join(fs.Dir, rel)
}

// Pinner is satisfied by every cilium/ebpf object (Program, Map, Link) this
// package pins: each already knows how to pin itself at an absolute path.
type Pinner interface {
	Pin(path string) error
}

// Pin pins obj at <RTDIR_FS>/rel.
func (fs *FS) Pin(obj Pinner, rel string) error {
	path := fs.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("bpffs: ensure parent dir of %q: %w", path, err)
	}
	if err := obj.Pin(path); err != nil {
		return fmt.Errorf("bpffs: pin %q: %w", path, err)
	}
	return nil
}

// Unpin removes the pin at <RTDIR_FS>/rel. A missing pin is not an error:
// callers may unpin best-effort during rollback.
func (fs *FS) Unpin(rel string) error {
	path := fs.Path(rel)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bpffs: unpin %q: %w", path, err)
	}
	return nil
}

// Exists reports whether a pin exists at <RTDIR_FS>/rel.
func (fs *FS) Exists(rel string) bool {
	_, err := os.Stat(fs.Path(rel))
	return err == nil
}

// ProgramPinPath returns the canonical pin path for a program id.
func ProgramPinPath(id uint32) string {
	return fmt.Sprintf("prog_%d", id)
}

// DefaultMapDir returns the default per-program map directory relative
// path used when a Program does not inherit a map_owner_id's map_pin_path.
func DefaultMapDir(id uint32) string {
	return filepath.Join("maps", fmt.Sprintf("%d", id))
}

// MapParticipatesInPinning implements the map pinning rule: a map
// is pinned unless its ELF section name contains .rodata, .bss, or .data —
// those sections hold per-program-instance initialisers, not shareable
// state.
func MapParticipatesInPinning(elfSectionName string) bool {
	for _, excluded := range []string{".rodata", ".bss", ".data"} {
		if strings.Contains(elfSectionName, excluded) {
			return false
		}
	}
	return true
}
