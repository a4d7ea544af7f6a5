package kernel

import (
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/bpfmand/bpfmand/internal/model"
)

// Attacher installs a dispatcher program at a hook and returns the kernel
// Link object representing that attachment. existing is the Link from the
// chain's previous rebuild (nil on a first attach); an Attacher that can
// swap the program under a live link returns existing back unchanged
// instead of creating a new one. XDP and TC use different kernel attach
// mechanisms, so C4 selects the concrete Attacher by DispatcherKey.Type.
type Attacher interface {
	Attach(key model.DispatcherKey, prog *ebpf.Program, existing link.Link) (link.Link, error)
}

// updater is satisfied by the concrete link types (e.g. XDP's) that can
// swap their attached program without detaching.
type updater interface {
	Update(prog *ebpf.Program) error
}

// XDPAttacher attaches a dispatcher program via the generic XDP link. XDP
// permits only one link per interface, so on rebuild this updates the
// existing link's program in place rather than attaching a second one,
// which would fail EBUSY.
type XDPAttacher struct{}

func (XDPAttacher) Attach(key model.DispatcherKey, prog *ebpf.Program, existing link.Link) (link.Link, error) {
	if u, ok := existing.(updater); ok {
		if err := u.Update(prog); err != nil {
			return nil, fmt.Errorf("kernel: update xdp link on ifindex %d: %w", key.IfIndex, err)
		}
		return existing, nil
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: int(key.IfIndex),
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: attach xdp on ifindex %d: %w", key.IfIndex, err)
	}
	return l, nil
}

// TCXAttacher attaches a dispatcher program via the tcx link type, the
// modern replacement for netlink-managed clsact qdiscs. TCX supports
// multiple ordered links per hook, so each rebuild attaches fresh and lets
// the caller retire the old link; existing is unused.
type TCXAttacher struct{}

func (TCXAttacher) Attach(key model.DispatcherKey, prog *ebpf.Program, existing link.Link) (link.Link, error) {
	var attachType ebpf.AttachType
	switch key.Direction {
	case model.DirectionIngress:
		attachType = ebpf.AttachTCXIngress
	case model.DirectionEgress:
		attachType = ebpf.AttachTCXEgress
	default:
		return nil, fmt.Errorf("kernel: tc attach requires a direction, got %s", key.Direction)
	}

	l, err := link.AttachTCX(link.TCXOptions{
		Program:   prog,
		Attach:    attachType,
		Interface: int(key.IfIndex),
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: attach tcx on ifindex %d direction %s: %w", key.IfIndex, key.Direction, err)
	}
	return l, nil
}

// AttacherFor selects the Attacher for a DispatcherKey's program type.
func AttacherFor(t model.ProgramType) (Attacher, error) {
	switch t {
	case model.ProgramTypeXDP:
		return XDPAttacher{}, nil
	case model.ProgramTypeTC:
		return TCXAttacher{}, nil
	default:
		return nil, fmt.Errorf("kernel: %s has no multi-attach Attacher", t)
	}
}

// ResolveIfIndex looks up an interface's kernel index by name.
func ResolveIfIndex(name string) (uint32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("kernel: resolve interface %q: %w", name, err)
	}
	return uint32(iface.Index), nil
}
