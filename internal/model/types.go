// Package model holds the entities and enums shared by the program registry
// (C2) and the dispatcher engine (C4): Program, its attachment variants, and
// the small set of enums the daemon round-trips through its RPC and
// persistent-store encodings. Naming follows the convention the wider
// bpfman ecosystem uses for these concepts (ProgramType, XdpProceedOnEntry,
// TcProceedOnEntry), generalized here to a single in-process Go module
// rather than a CRD schema.
package model

import "fmt"

// ProgramType is the daemon-declared kind of a Program. It is distinct from
// the kernel's own bpf_prog_type: XDP/TC programs are loaded into the
// kernel as type Ext (see internal/kernel) because they are tail-called
// from a dispatcher rather than attached directly, but their declared
// ProgramType here remains Xdp/Tc so that registry filtering reflects user
// intent, not the loading trick.
type ProgramType int32

const (
	ProgramTypeUnsupported ProgramType = iota
	ProgramTypeXDP
	ProgramTypeTC
	ProgramTypeTracepoint
	ProgramTypeKprobe
	ProgramTypeUprobe
	ProgramTypeFentry
	ProgramTypeFexit
)

func (t ProgramType) String() string {
	switch t {
	case ProgramTypeXDP:
		return "xdp"
	case ProgramTypeTC:
		return "tc"
	case ProgramTypeTracepoint:
		return "tracepoint"
	case ProgramTypeKprobe:
		return "kprobe"
	case ProgramTypeUprobe:
		return "uprobe"
	case ProgramTypeFentry:
		return "fentry"
	case ProgramTypeFexit:
		return "fexit"
	default:
		return "unsupported"
	}
}

// ParseProgramType implements the inverse of String, used both by the RPC
// decoder and by the config loader's static-program manifest.
func ParseProgramType(s string) (ProgramType, error) {
	switch s {
	case "xdp":
		return ProgramTypeXDP, nil
	case "tc":
		return ProgramTypeTC, nil
	case "tracepoint":
		return ProgramTypeTracepoint, nil
	case "kprobe":
		return ProgramTypeKprobe, nil
	case "uprobe":
		return ProgramTypeUprobe, nil
	case "fentry":
		return ProgramTypeFentry, nil
	case "fexit":
		return ProgramTypeFexit, nil
	case "unsupported":
		return ProgramTypeUnsupported, nil
	default:
		return 0, fmt.Errorf("invalid program type %q", s)
	}
}

// IsMultiAttach reports whether t is managed by the dispatcher engine (C4)
// rather than loaded with a single direct kernel attach call.
func (t ProgramType) IsMultiAttach() bool {
	return t == ProgramTypeXDP || t == ProgramTypeTC
}

// Direction is the TC hook side a TcAttachment occupies.
type Direction int32

const (
	DirectionNone Direction = iota
	DirectionIngress
	DirectionEgress
)

func (d Direction) String() string {
	switch d {
	case DirectionIngress:
		return "ingress"
	case DirectionEgress:
		return "egress"
	default:
		return "none"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "ingress":
		return DirectionIngress, nil
	case "egress":
		return DirectionEgress, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

// ImagePullPolicy governs how the bytecode resolver treats an OCI image
// location relative to its local content-store cache.
type ImagePullPolicy int32

const (
	PullAlways ImagePullPolicy = iota
	PullIfNotPresent
	PullNever
)

func (p ImagePullPolicy) String() string {
	switch p {
	case PullAlways:
		return "Always"
	case PullIfNotPresent:
		return "IfNotPresent"
	case PullNever:
		return "Never"
	default:
		return "Unknown"
	}
}

func ParseImagePullPolicy(s string) (ImagePullPolicy, error) {
	switch s {
	case "Always":
		return PullAlways, nil
	case "IfNotPresent":
		return PullIfNotPresent, nil
	case "Never":
		return PullNever, nil
	default:
		return 0, fmt.Errorf("invalid image pull policy %q", s)
	}
}

// XdpProceedOnEntry is one action a dispatched XDP program may return that
// causes the dispatcher to continue to the next slot instead of returning
// the verdict immediately. Bit positions match the mask law.
type XdpProceedOnEntry int32

const (
	XdpAborted XdpProceedOnEntry = iota
	XdpDrop
	XdpPass
	XdpTx
	XdpRedirect
)

// XdpDispatcherReturn is the sentinel bit shared by every proceed_on mask:
// it marks "the dispatcher's own synthesized return", always included.
const XdpDispatcherReturn XdpProceedOnEntry = 31

func (e XdpProceedOnEntry) String() string {
	switch e {
	case XdpAborted:
		return "aborted"
	case XdpDrop:
		return "drop"
	case XdpPass:
		return "pass"
	case XdpTx:
		return "tx"
	case XdpRedirect:
		return "redirect"
	case XdpDispatcherReturn:
		return "dispatcher_return"
	default:
		return fmt.Sprintf("xdp_proceed_on(%d)", int32(e))
	}
}

func ParseXdpProceedOn(s string) (XdpProceedOnEntry, error) {
	switch s {
	case "aborted":
		return XdpAborted, nil
	case "drop":
		return XdpDrop, nil
	case "pass":
		return XdpPass, nil
	case "tx":
		return XdpTx, nil
	case "redirect":
		return XdpRedirect, nil
	case "dispatcher_return":
		return XdpDispatcherReturn, nil
	default:
		return 0, fmt.Errorf("invalid xdp proceed_on value %q", s)
	}
}

// TcProceedOnEntry is the TC analogue of XdpProceedOnEntry. Values follow
// the classifier return codes (TC_ACT_*); Unspec is -1 in the kernel's own
// encoding, which is why the dispatcher engine always shifts by one when
// turning these into mask bits.
type TcProceedOnEntry int32

const (
	TcUnspec TcProceedOnEntry = -1
	TcOk     TcProceedOnEntry = iota - 1
	TcReclassify
	TcShot
	TcPipe
	TcStolen
	TcQueued
	TcRepeat
	TcRedirect
	TcTrap
)

const TcDispatcherReturn TcProceedOnEntry = 30

func (e TcProceedOnEntry) String() string {
	switch e {
	case TcUnspec:
		return "unspec"
	case TcOk:
		return "ok"
	case TcReclassify:
		return "reclassify"
	case TcShot:
		return "shot"
	case TcPipe:
		return "pipe"
	case TcStolen:
		return "stolen"
	case TcQueued:
		return "queued"
	case TcRepeat:
		return "repeat"
	case TcRedirect:
		return "redirect"
	case TcTrap:
		return "trap"
	case TcDispatcherReturn:
		return "dispatcher_return"
	default:
		return fmt.Sprintf("tc_proceed_on(%d)", int32(e))
	}
}

func ParseTcProceedOn(s string) (TcProceedOnEntry, error) {
	switch s {
	case "unspec":
		return TcUnspec, nil
	case "ok":
		return TcOk, nil
	case "reclassify":
		return TcReclassify, nil
	case "shot":
		return TcShot, nil
	case "pipe":
		return TcPipe, nil
	case "stolen":
		return TcStolen, nil
	case "queued":
		return TcQueued, nil
	case "repeat":
		return TcRepeat, nil
	case "redirect":
		return TcRedirect, nil
	case "trap":
		return TcTrap, nil
	case "dispatcher_return":
		return TcDispatcherReturn, nil
	default:
		return 0, fmt.Errorf("invalid tc proceed_on value %q", s)
	}
}

// DefaultXdpProceedOn and DefaultTcProceedOn are the proceed_on sets applied
// when a request supplies none.
func DefaultXdpProceedOn() []XdpProceedOnEntry {
	return []XdpProceedOnEntry{XdpPass, XdpDispatcherReturn}
}

func DefaultTcProceedOn() []TcProceedOnEntry {
	return []TcProceedOnEntry{TcPipe, TcDispatcherReturn}
}

// XdpProceedOnMask encodes entries as the bitmask the dispatcher's slot
// configuration map stores: bit i set for each action i. An empty slice
// is treated as the default set, not as "zero bits".
func XdpProceedOnMask(entries []XdpProceedOnEntry) uint32 {
	if len(entries) == 0 {
		entries = DefaultXdpProceedOn()
	}
	var mask uint32
	for _, e := range entries {
		mask |= 1 << uint32(e)
	}
	return mask
}

// TcProceedOnMask encodes entries as bit (i+1), so that TcUnspec (-1) lands
// on bit 0 instead of requiring a negative shift.
func TcProceedOnMask(entries []TcProceedOnEntry) uint32 {
	if len(entries) == 0 {
		entries = DefaultTcProceedOn()
	}
	var mask uint32
	for _, e := range entries {
		mask |= 1 << uint32(int32(e)+1)
	}
	return mask
}

// Location identifies where a Program's bytecode comes from: exactly one of
// FilePath or Image is set.
type Location struct {
	FilePath string
	Image    *ImageLocation
}

type ImageLocation struct {
	Reference   string
	PullPolicy  ImagePullPolicy
	Username    string
	Password    string
}

func (l Location) Validate() error {
	if l.FilePath == "" && l.Image == nil {
		return fmt.Errorf("location: exactly one of file path or image must be set")
	}
	if l.FilePath != "" && l.Image != nil {
		return fmt.Errorf("location: exactly one of file path or image must be set, got both")
	}
	if l.Image != nil && l.Image.Reference == "" {
		return fmt.Errorf("location: image reference must not be empty")
	}
	return nil
}

// KernelInfo is the read-only block of kernel-reported metadata attached to
// a Program once it has been loaded.
type KernelInfo struct {
	KernelID        uint32
	LoadedAt        int64 // unix nanos
	Tag             string
	BytesXlated     uint32
	BytesJited      uint32
	VerifiedInsns   uint32
	MapIDs          []uint32
	MemlockBytes    uint64
}

// Program is the daemon-wide entity shared by every ProgramType.
type Program struct {
	ID          uint32
	Type        ProgramType
	Name        string
	Location    Location
	Metadata    map[string]string
	GlobalData  map[string][]byte
	MapOwnerID  *uint32
	MapPinPath  string
	MapsUsedBy  []uint32
	ProgramBytes []byte
	KernelInfo  KernelInfo

	// State is one of Declared/Resolved/Loaded/Attached/Detached/Unloaded.
	State ProgramState

	// Orphaned is set by recovery (C7) when a Program's pin is missing at
	// startup; such a Program is never resurrected.
	Orphaned bool

	// Xdp/Tc hold the hook-specific attachment attributes. Exactly one is
	// non-nil when Type is ProgramTypeXDP/ProgramTypeTC respectively.
	Xdp *XdpAttachment
	Tc  *TcAttachment
}

type ProgramState int32

const (
	StateDeclared ProgramState = iota
	StateResolved
	StateLoaded
	StateAttached
	StateDetached
	StateUnloaded
)

func (s ProgramState) String() string {
	switch s {
	case StateDeclared:
		return "declared"
	case StateResolved:
		return "resolved"
	case StateLoaded:
		return "loaded"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// XdpAttachment holds the XDP-specific attachment attributes.
type XdpAttachment struct {
	Priority        int32
	Interface       string
	IfIndex         uint32
	CurrentPosition int
	ProceedOn       []XdpProceedOnEntry
	Attached        bool
}

// TcAttachment holds the TC-specific attachment attributes.
type TcAttachment struct {
	Priority        int32
	Interface       string
	IfIndex         uint32
	Direction       Direction
	CurrentPosition int
	ProceedOn       []TcProceedOnEntry
	Attached        bool
}

// DispatcherKey identifies one multi-program attachment point: an
// interface, plus a direction when the hook is TC.
type DispatcherKey struct {
	IfIndex   uint32
	Type      ProgramType // ProgramTypeXDP or ProgramTypeTC
	Direction Direction   // DirectionNone for XDP
}

func (k DispatcherKey) String() string {
	if k.Type == ProgramTypeTC {
		return fmt.Sprintf("tc/%d/%s", k.IfIndex, k.Direction)
	}
	return fmt.Sprintf("xdp/%d", k.IfIndex)
}

// Dispatcher is the currently loaded multi-program dispatcher for a key.
type Dispatcher struct {
	Key         DispatcherKey
	Revision    uint64
	ProgramIDs  []uint32 // ordered per invariant 1
	LinkPinPath string
	KernelID    uint32
}

// IfIndexOf returns the attachment's if_index regardless of hook type.
func (p *Program) IfIndexOf() uint32 {
	switch {
	case p.Xdp != nil:
		return p.Xdp.IfIndex
	case p.Tc != nil:
		return p.Tc.IfIndex
	default:
		return 0
	}
}

// Priority returns the attachment's priority regardless of hook type, used
// by the dispatcher engine's generic sort (invariant 1).
func (p *Program) Priority() int32 {
	switch {
	case p.Xdp != nil:
		return p.Xdp.Priority
	case p.Tc != nil:
		return p.Tc.Priority
	default:
		return 0
	}
}

// SortChain orders members by (priority ascending, id ascending), matching
// invariant 1 exactly: priority is the sole user-facing ordering knob, id
// breaks ties deterministically.
func SortChain(members []*Program) {
	// Insertion sort: chains are small (bounded by dispatcher slot
	// capacity), and the stability requirement is the same either way —
	// using sort.Slice would be fine too, but this keeps the comparison
	// symmetric and easy to unit test in isolation.
	for i := 1; i < len(members); i++ {
		j := i
		for j > 0 && less(members[j], members[j-1]) {
			members[j], members[j-1] = members[j-1], members[j]
			j--
		}
	}
}

func less(a, b *Program) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() < b.Priority()
	}
	return a.ID < b.ID
}
