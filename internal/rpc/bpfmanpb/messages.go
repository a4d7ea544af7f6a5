// Package bpfmanpb defines bpfmand's RPC wire messages. There is no .proto
// file and no protoc step: each message hand-encodes itself to and from the
// real protobuf wire format using
// google.golang.org/protobuf/encoding/protowire, the same primitive the
// output of protoc-gen-go itself is built on. This keeps the transport
// genuinely protobuf (field numbers, varint/length-delimited framing,
// forward-compatible unknown-field skipping) without depending on a
// protoc binary being available in this build environment.
package bpfmanpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Program is the wire representation of a model.Program, flattened: exactly
// one of the Xdp/Tc attachment blocks is populated when present, matching
// the daemon-side invariant.
type Program struct {
	Id              uint32
	Type            string
	Name            string
	State           string
	FilePath        string
	Image           string
	Metadata        map[string]string
	IfIndex         uint32
	Priority        int32
	Direction       string
	CurrentPosition int32
	Attached        bool
	Orphaned        bool
	KernelId        uint32
	Tag             string
}

const (
	fProgramId = protowire.Number(iota + 1)
	fProgramType
	fProgramName
	fProgramState
	fProgramFilePath
	fProgramImage
	fProgramMetadata
	fProgramIfIndex
	fProgramPriority
	fProgramDirection
	fProgramCurrentPosition
	fProgramAttached
	fProgramOrphaned
	fProgramKernelId
	fProgramTag
)

// Marshal appends p's wire encoding to b.
func (p *Program) Marshal(b []byte) []byte {
	b = appendUint32(b, fProgramId, p.Id)
	b = appendString(b, fProgramType, p.Type)
	b = appendString(b, fProgramName, p.Name)
	b = appendString(b, fProgramState, p.State)
	b = appendString(b, fProgramFilePath, p.FilePath)
	b = appendString(b, fProgramImage, p.Image)
	b = appendStringMap(b, fProgramMetadata, p.Metadata)
	b = appendUint32(b, fProgramIfIndex, p.IfIndex)
	b = appendInt32(b, fProgramPriority, p.Priority)
	b = appendString(b, fProgramDirection, p.Direction)
	b = appendInt32(b, fProgramCurrentPosition, p.CurrentPosition)
	b = appendBool(b, fProgramAttached, p.Attached)
	b = appendBool(b, fProgramOrphaned, p.Orphaned)
	b = appendUint32(b, fProgramKernelId, p.KernelId)
	b = appendString(b, fProgramTag, p.Tag)
	return b
}

// Unmarshal decodes b into p, which must be the zero value.
func (p *Program) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case fProgramId:
			p.Id = uint32(v.varint)
		case fProgramType:
			p.Type = v.str
		case fProgramName:
			p.Name = v.str
		case fProgramState:
			p.State = v.str
		case fProgramFilePath:
			p.FilePath = v.str
		case fProgramImage:
			p.Image = v.str
		case fProgramMetadata:
			if p.Metadata == nil {
				p.Metadata = map[string]string{}
			}
			k, val, err := decodeMapEntry(v.str)
			if err != nil {
				return err
			}
			p.Metadata[k] = val
		case fProgramIfIndex:
			p.IfIndex = uint32(v.varint)
		case fProgramPriority:
			p.Priority = int32(v.varint)
		case fProgramDirection:
			p.Direction = v.str
		case fProgramCurrentPosition:
			p.CurrentPosition = int32(v.varint)
		case fProgramAttached:
			p.Attached = v.varint != 0
		case fProgramOrphaned:
			p.Orphaned = v.varint != 0
		case fProgramKernelId:
			p.KernelId = uint32(v.varint)
		case fProgramTag:
			p.Tag = v.str
		}
		return nil
	})
}

// LoadRequest is the wire message for the Load RPC.
type LoadRequest struct {
	Type       string
	Name       string
	FilePath   string
	Image      string
	PullPolicy string
	Username   string
	Password   string
	Metadata   map[string]string
	IfIndex    uint32
	Priority   int32
	Interface  string
	Direction  string
	ProceedOn  []string
}

const (
	fLoadType = protowire.Number(iota + 1)
	fLoadName
	fLoadFilePath
	fLoadImage
	fLoadPullPolicy
	fLoadUsername
	fLoadPassword
	fLoadMetadata
	fLoadIfIndex
	fLoadPriority
	fLoadInterface
	fLoadDirection
	fLoadProceedOn
)

func (r *LoadRequest) Marshal(b []byte) []byte {
	b = appendString(b, fLoadType, r.Type)
	b = appendString(b, fLoadName, r.Name)
	b = appendString(b, fLoadFilePath, r.FilePath)
	b = appendString(b, fLoadImage, r.Image)
	b = appendString(b, fLoadPullPolicy, r.PullPolicy)
	b = appendString(b, fLoadUsername, r.Username)
	b = appendString(b, fLoadPassword, r.Password)
	b = appendStringMap(b, fLoadMetadata, r.Metadata)
	b = appendUint32(b, fLoadIfIndex, r.IfIndex)
	b = appendInt32(b, fLoadPriority, r.Priority)
	b = appendString(b, fLoadInterface, r.Interface)
	b = appendString(b, fLoadDirection, r.Direction)
	for _, e := range r.ProceedOn {
		b = appendString(b, fLoadProceedOn, e)
	}
	return b
}

func (r *LoadRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case fLoadType:
			r.Type = v.str
		case fLoadName:
			r.Name = v.str
		case fLoadFilePath:
			r.FilePath = v.str
		case fLoadImage:
			r.Image = v.str
		case fLoadPullPolicy:
			r.PullPolicy = v.str
		case fLoadUsername:
			r.Username = v.str
		case fLoadPassword:
			r.Password = v.str
		case fLoadMetadata:
			if r.Metadata == nil {
				r.Metadata = map[string]string{}
			}
			k, val, err := decodeMapEntry(v.str)
			if err != nil {
				return err
			}
			r.Metadata[k] = val
		case fLoadIfIndex:
			r.IfIndex = uint32(v.varint)
		case fLoadPriority:
			r.Priority = int32(v.varint)
		case fLoadInterface:
			r.Interface = v.str
		case fLoadDirection:
			r.Direction = v.str
		case fLoadProceedOn:
			r.ProceedOn = append(r.ProceedOn, v.str)
		}
		return nil
	})
}

// LoadResponse wraps the Program created by a Load RPC.
type LoadResponse struct {
	Program *Program
}

func (r *LoadResponse) Marshal(b []byte) []byte {
	if r.Program == nil {
		return b
	}
	return appendMessage(b, 1, r.Program)
}

func (r *LoadResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == 1 {
			r.Program = &Program{}
			return r.Program.Unmarshal(v.str2)
		}
		return nil
	})
}

// UnloadRequest/UnloadResponse implement the Unload RPC.
type UnloadRequest struct{ Id uint32 }

func (r *UnloadRequest) Marshal(b []byte) []byte { return appendUint32(b, 1, r.Id) }
func (r *UnloadRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == 1 {
			r.Id = uint32(v.varint)
		}
		return nil
	})
}

type UnloadResponse struct{}

func (r *UnloadResponse) Marshal(b []byte) []byte  { return b }
func (r *UnloadResponse) Unmarshal(b []byte) error { return nil }

// GetRequest/GetResponse implement the Get RPC.
type GetRequest struct{ Id uint32 }

func (r *GetRequest) Marshal(b []byte) []byte { return appendUint32(b, 1, r.Id) }
func (r *GetRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == 1 {
			r.Id = uint32(v.varint)
		}
		return nil
	})
}

type GetResponse struct{ Program *Program }

func (r *GetResponse) Marshal(b []byte) []byte {
	if r.Program == nil {
		return b
	}
	return appendMessage(b, 1, r.Program)
}
func (r *GetResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == 1 {
			r.Program = &Program{}
			return r.Program.Unmarshal(v.str2)
		}
		return nil
	})
}

// ListRequest/ListResponse implement the List RPC.
type ListRequest struct {
	ProgramType        string
	Metadata           map[string]string
	DaemonProgramsOnly bool
}

func (r *ListRequest) Marshal(b []byte) []byte {
	b = appendString(b, 1, r.ProgramType)
	b = appendStringMap(b, 2, r.Metadata)
	b = appendBool(b, 3, r.DaemonProgramsOnly)
	return b
}
func (r *ListRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			r.ProgramType = v.str
		case 2:
			if r.Metadata == nil {
				r.Metadata = map[string]string{}
			}
			k, val, err := decodeMapEntry(v.str)
			if err != nil {
				return err
			}
			r.Metadata[k] = val
		case 3:
			r.DaemonProgramsOnly = v.varint != 0
		}
		return nil
	})
}

type ListResponse struct{ Programs []*Program }

func (r *ListResponse) Marshal(b []byte) []byte {
	for _, p := range r.Programs {
		b = appendMessage(b, 1, p)
	}
	return b
}
func (r *ListResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == 1 {
			p := &Program{}
			if err := p.Unmarshal(v.str2); err != nil {
				return err
			}
			r.Programs = append(r.Programs, p)
		}
		return nil
	})
}

// PullBytecodeRequest/PullBytecodeResponse implement the PullBytecode RPC.
type PullBytecodeRequest struct {
	Image      string
	PullPolicy string
	Username   string
	Password   string
}

func (r *PullBytecodeRequest) Marshal(b []byte) []byte {
	b = appendString(b, 1, r.Image)
	b = appendString(b, 2, r.PullPolicy)
	b = appendString(b, 3, r.Username)
	b = appendString(b, 4, r.Password)
	return b
}
func (r *PullBytecodeRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case 1:
			r.Image = v.str
		case 2:
			r.PullPolicy = v.str
		case 3:
			r.Username = v.str
		case 4:
			r.Password = v.str
		}
		return nil
	})
}

type PullBytecodeResponse struct{ Symbols []string }

func (r *PullBytecodeResponse) Marshal(b []byte) []byte {
	for _, s := range r.Symbols {
		b = appendString(b, 1, s)
	}
	return b
}
func (r *PullBytecodeResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num == 1 {
			r.Symbols = append(r.Symbols, v.str)
		}
		return nil
	})
}

// --- shared wire helpers -------------------------------------------------

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(uint32(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// appendMessage appends m's own wire encoding as a length-delimited field.
func appendMessage(b []byte, num protowire.Number, m interface{ Marshal([]byte) []byte }) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.Marshal(nil))
}

// appendStringMap encodes a map[string]string as repeated "key=value"
// entries under num. This sidesteps hand-rolling proto3's nested
// MapEntry<string,string> submessage format, since nothing outside this
// package ever decodes these bytes against a real .proto schema.
func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	for k, v := range m {
		b = appendString(b, num, k+"="+v)
	}
	return b
}

func decodeMapEntry(s string) (key, value string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("bpfmanpb: malformed map entry %q", s)
}

// fieldValue carries whichever representation the field's wire type
// produced; callers read the member matching the field they expect.
type fieldValue struct {
	varint uint64
	str    string
	str2   []byte
}

// consumeFields walks b's top-level fields, calling fn for each. Unknown
// field numbers are passed through to fn (which may ignore them), giving
// forward compatibility the same way generated proto code does.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, fieldValue{varint: val}); err != nil {
				return err
			}
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, typ, fieldValue{str: string(val), str2: val}); err != nil {
				return err
			}
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		default:
			return fmt.Errorf("bpfmanpb: unsupported wire type %v", typ)
		}
	}
	return nil
}
