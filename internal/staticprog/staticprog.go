// Package staticprog loads the static program manifest named by the
// daemon's static_programs_path config field and applies it through the
// command dispatcher's normal Load path, the same path any RPC client uses.
package staticprog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bpfmand/bpfmand/internal/command"
	"github.com/bpfmand/bpfmand/internal/kernel"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/registry"
)

// Entry is one manifest entry. It mirrors registry.Declaration's shape
// using plain strings so it can round-trip through YAML without custom
// unmarshalers for the enum types.
type Entry struct {
	Type      string            `yaml:"type"`
	Name      string            `yaml:"name"`
	FilePath  string            `yaml:"file_path"`
	Image     string            `yaml:"image"`
	Metadata  map[string]string `yaml:"metadata"`
	Interface string            `yaml:"interface"`
	Priority  int32             `yaml:"priority"`
	Direction string            `yaml:"direction"`
	ProceedOn []string          `yaml:"proceed_on"`
}

// Load parses the YAML manifest at path into a list of Entry.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("staticprog: read %q: %w", path, err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("staticprog: parse %q: %w", path, err)
	}
	return entries, nil
}

// Apply loads every entry through q.Load. A failing entry is returned
// immediately: a static program load failure is fatal to daemon startup,
// unlike an orphaned-pin reconciliation failure.
func Apply(ctx context.Context, q *command.Queue, entries []Entry) error {
	for _, e := range entries {
		decl, err := toDeclaration(e)
		if err != nil {
			return fmt.Errorf("staticprog: entry %q: %w", e.Name, err)
		}
		if _, _, err := q.Load(ctx, decl, nil, ""); err != nil {
			return fmt.Errorf("staticprog: load %q: %w", e.Name, err)
		}
	}
	return nil
}

func toDeclaration(e Entry) (registry.Declaration, error) {
	typ, err := model.ParseProgramType(e.Type)
	if err != nil {
		return registry.Declaration{}, err
	}

	loc := model.Location{FilePath: e.FilePath}
	if e.Image != "" {
		loc = model.Location{Image: &model.ImageLocation{Reference: e.Image, PullPolicy: model.PullIfNotPresent}}
	}

	decl := registry.Declaration{
		Type:     typ,
		Name:     e.Name,
		Location: loc,
		Metadata: e.Metadata,
	}

	switch typ {
	case model.ProgramTypeXDP:
		ifindex, err := kernel.ResolveIfIndex(e.Interface)
		if err != nil {
			return registry.Declaration{}, fmt.Errorf("resolve interface %q: %w", e.Interface, err)
		}
		proceedOn, err := parseXdpProceedOn(e.ProceedOn)
		if err != nil {
			return registry.Declaration{}, err
		}
		decl.Xdp = &model.XdpAttachment{
			Priority:  e.Priority,
			Interface: e.Interface,
			IfIndex:   ifindex,
			ProceedOn: proceedOn,
		}
	case model.ProgramTypeTC:
		ifindex, err := kernel.ResolveIfIndex(e.Interface)
		if err != nil {
			return registry.Declaration{}, fmt.Errorf("resolve interface %q: %w", e.Interface, err)
		}
		dir, err := model.ParseDirection(e.Direction)
		if err != nil {
			return registry.Declaration{}, err
		}
		proceedOn, err := parseTcProceedOn(e.ProceedOn)
		if err != nil {
			return registry.Declaration{}, err
		}
		decl.Tc = &model.TcAttachment{
			Priority:  e.Priority,
			Interface: e.Interface,
			IfIndex:   ifindex,
			Direction: dir,
			ProceedOn: proceedOn,
		}
	}

	return decl, nil
}

func parseXdpProceedOn(entries []string) ([]model.XdpProceedOnEntry, error) {
	out := make([]model.XdpProceedOnEntry, 0, len(entries))
	for _, s := range entries {
		e, err := model.ParseXdpProceedOn(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func parseTcProceedOn(entries []string) ([]model.TcProceedOnEntry, error) {
	out := make([]model.TcProceedOnEntry, 0, len(entries))
	for _, s := range entries {
		e, err := model.ParseTcProceedOn(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
