package bpffs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bpfmand/bpfmand/internal/bpffs"
)

type fakePin struct {
	pinnedAt string
}

func (f *fakePin) Pin(path string) error {
	f.pinnedAt = path
	return os.WriteFile(path, []byte("pinned"), 0o644)
}

func TestMapParticipatesInPinningExcludesDataSections(t *testing.T) {
	cases := []struct {
		section string
		want    bool
	}{
		{".rodata.config", false},
		{".bss", false},
		{".data.global", false},
		{"maps", true},
		{"xdp/my_map", true},
	}
	for _, c := range cases {
		if got := bpffs.MapParticipatesInPinning(c.section); got != c.want {
			t.Errorf("MapParticipatesInPinning(%q) = %v, want %v", c.section, got, c.want)
		}
	}
}

func TestProgramPinPath(t *testing.T) {
	if got, want := bpffs.ProgramPinPath(7), "prog_7"; got != want {
		t.Errorf("ProgramPinPath(7) = %q, want %q", got, want)
	}
}

func TestDefaultMapDir(t *testing.T) {
	if got, want := bpffs.DefaultMapDir(3), filepath.Join("maps", "3"); got != want {
		t.Errorf("DefaultMapDir(3) = %q, want %q", got, want)
	}
}

func TestEnsureDirCreatesDirectory(t *testing.T) {
	fs := &bpffs.FS{Dir: t.TempDir()}
	path, err := fs.EnsureDir(filepath.Join("maps", "9"), 0o755)
	if err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("EnsureDir path %q is not a directory", path)
	}
}

func TestPinAndUnpin(t *testing.T) {
	fs := &bpffs.FS{Dir: t.TempDir()}
	pin := &fakePin{}

	if err := fs.Pin(pin, bpffs.ProgramPinPath(5)); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if !fs.Exists(bpffs.ProgramPinPath(5)) {
		t.Fatalf("Exists = false after Pin")
	}
	if err := fs.Unpin(bpffs.ProgramPinPath(5)); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	if fs.Exists(bpffs.ProgramPinPath(5)) {
		t.Fatalf("Exists = true after Unpin")
	}
}

func TestUnpinMissingIsNotAnError(t *testing.T) {
	fs := &bpffs.FS{Dir: t.TempDir()}
	if err := fs.Unpin("prog_999"); err != nil {
		t.Fatalf("Unpin of missing pin returned error: %v", err)
	}
}
