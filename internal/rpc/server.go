// Package rpc implements bpfmand's gRPC-over-Unix-socket control plane
// (C6's outward face). It decodes RPC requests into registry.Declaration
// values, runs the bytecode resolver (C3) and the symbol check ahead of the
// command queue (the static manifest path in internal/staticprog hands its
// entries to the queue without either), and translates *bpferrors.Error
// kinds into grpc/codes values at the boundary.
package rpc

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bpfmand/bpfmand/internal/bpferrors"
	"github.com/bpfmand/bpfmand/internal/bpffs"
	"github.com/bpfmand/bpfmand/internal/bytecode"
	"github.com/bpfmand/bpfmand/internal/command"
	"github.com/bpfmand/bpfmand/internal/kernel"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/registry"
	"github.com/bpfmand/bpfmand/internal/rpc/bpfmanpb"
)

// Server implements bpfmanServer against a command.Queue.
type Server struct {
	queue    *command.Queue
	resolver *bytecode.Resolver
	fs       *bpffs.FS
	logger   *slog.Logger
}

// New constructs a Server. resolver is used by every Load to resolve the
// declared location and check the declared name against the resolved
// image's exported symbols before anything is persisted; only the
// resulting bytes are carried into the queue, and only for single-attach
// program types, since multi-attach (XDP/TC) programs resolve their own
// bytecode again lazily inside the dispatcher engine's rebuild, once their
// position in the chain is known.
func New(queue *command.Queue, resolver *bytecode.Resolver, fs *bpffs.FS, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{queue: queue, resolver: resolver, fs: fs, logger: logger}
}

func (s *Server) Load(ctx context.Context, req *bpfmanpb.LoadRequest) (*bpfmanpb.LoadResponse, error) {
	decl, err := s.toDeclaration(req)
	if err != nil {
		return nil, statusFromErr(err)
	}

	// Resolve before the declaration ever reaches registry.Create, for
	// every program type: an image's exported symbols must be checked
	// against decl.Name here, not after the program is already persisted
	// as Declared. Multi-attach (XDP/TC) programs re-resolve their bytes
	// lazily inside the dispatcher engine once their chain position is
	// known (the resolver's content store makes that a cache hit), but
	// the symbol check only needs to happen once, at the boundary.
	resolved, err := s.resolver.Resolve(ctx, decl.Location)
	if err != nil {
		return nil, statusFromErr(err)
	}
	if resolved.Symbols != nil {
		if err := bytecode.ProgramNotFoundInBytecode(decl.Location.Image.Reference, decl.Name, resolved.Symbols); err != nil {
			return nil, statusFromErr(err)
		}
	}

	var programBytes []byte
	var mapPinPath string
	if !decl.Type.IsMultiAttach() {
		programBytes = resolved.Bytes
	}

	p, correlationID, err := s.queue.Load(ctx, decl, programBytes, mapPinPath)
	if err != nil {
		return nil, statusFromErr(err)
	}
	s.logger.Info("rpc: load", slog.String("correlation_id", correlationID), slog.Int("program_id", int(p.ID)))
	return &bpfmanpb.LoadResponse{Program: toWireProgram(p)}, nil
}

func (s *Server) Unload(ctx context.Context, req *bpfmanpb.UnloadRequest) (*bpfmanpb.UnloadResponse, error) {
	correlationID, err := s.queue.Unload(ctx, req.Id)
	if err != nil {
		return nil, statusFromErr(err)
	}
	s.logger.Info("rpc: unload", slog.String("correlation_id", correlationID), slog.Int("program_id", int(req.Id)))
	return &bpfmanpb.UnloadResponse{}, nil
}

func (s *Server) Get(ctx context.Context, req *bpfmanpb.GetRequest) (*bpfmanpb.GetResponse, error) {
	p, err := s.queue.Get(req.Id)
	if err != nil {
		return nil, statusFromErr(err)
	}
	return &bpfmanpb.GetResponse{Program: toWireProgram(p)}, nil
}

func (s *Server) List(ctx context.Context, req *bpfmanpb.ListRequest) (*bpfmanpb.ListResponse, error) {
	filter := registry.Filter{
		Metadata:           req.Metadata,
		DaemonProgramsOnly: req.DaemonProgramsOnly,
	}
	if req.ProgramType != "" {
		pt, err := model.ParseProgramType(req.ProgramType)
		if err != nil {
			return nil, statusFromErr(err)
		}
		filter.ProgramType = &pt
	}

	programs := s.queue.List(filter)
	resp := &bpfmanpb.ListResponse{Programs: make([]*bpfmanpb.Program, 0, len(programs))}
	for _, p := range programs {
		resp.Programs = append(resp.Programs, toWireProgram(p))
	}
	return resp, nil
}

func (s *Server) PullBytecode(ctx context.Context, req *bpfmanpb.PullBytecodeRequest) (*bpfmanpb.PullBytecodeResponse, error) {
	policy, err := model.ParseImagePullPolicy(req.PullPolicy)
	if err != nil {
		return nil, statusFromErr(err)
	}
	loc := model.Location{Image: &model.ImageLocation{
		Reference:  req.Image,
		PullPolicy: policy,
		Username:   req.Username,
		Password:   req.Password,
	}}
	resolved, err := s.resolver.Resolve(ctx, loc)
	if err != nil {
		return nil, statusFromErr(err)
	}
	return &bpfmanpb.PullBytecodeResponse{Symbols: resolved.Symbols}, nil
}

// toDeclaration converts an RPC LoadRequest into a registry.Declaration,
// resolving the declared interface name to a kernel ifindex up front the
// same way internal/staticprog.toDeclaration does, since
// dispatcher.Engine.keyFor depends on IfIndex being already populated.
func (s *Server) toDeclaration(req *bpfmanpb.LoadRequest) (registry.Declaration, error) {
	typ, err := model.ParseProgramType(req.Type)
	if err != nil {
		return registry.Declaration{}, err
	}

	loc := model.Location{FilePath: req.FilePath}
	if req.Image != "" {
		policy := model.PullIfNotPresent
		if req.PullPolicy != "" {
			policy, err = model.ParseImagePullPolicy(req.PullPolicy)
			if err != nil {
				return registry.Declaration{}, err
			}
		}
		loc = model.Location{Image: &model.ImageLocation{
			Reference:  req.Image,
			PullPolicy: policy,
			Username:   req.Username,
			Password:   req.Password,
		}}
	}

	decl := registry.Declaration{
		Type:     typ,
		Name:     req.Name,
		Location: loc,
		Metadata: req.Metadata,
	}

	switch typ {
	case model.ProgramTypeXDP:
		ifindex, err := kernel.ResolveIfIndex(req.Interface)
		if err != nil {
			return registry.Declaration{}, fmt.Errorf("resolve interface %q: %w", req.Interface, err)
		}
		proceedOn, err := parseXdpProceedOn(req.ProceedOn)
		if err != nil {
			return registry.Declaration{}, err
		}
		decl.Xdp = &model.XdpAttachment{
			Priority:  req.Priority,
			Interface: req.Interface,
			IfIndex:   ifindex,
			ProceedOn: proceedOn,
		}
	case model.ProgramTypeTC:
		ifindex, err := kernel.ResolveIfIndex(req.Interface)
		if err != nil {
			return registry.Declaration{}, fmt.Errorf("resolve interface %q: %w", req.Interface, err)
		}
		dir, err := model.ParseDirection(req.Direction)
		if err != nil {
			return registry.Declaration{}, err
		}
		proceedOn, err := parseTcProceedOn(req.ProceedOn)
		if err != nil {
			return registry.Declaration{}, err
		}
		decl.Tc = &model.TcAttachment{
			Priority:  req.Priority,
			Interface: req.Interface,
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

func toWireProgram(p *model.Program) *bpfmanpb.Program {
	wp := &bpfmanpb.Program{
		Id:       p.ID,
		Type:     p.Type.String(),
		Name:     p.Name,
		State:    p.State.String(),
		FilePath: p.Location.FilePath,
		Metadata: p.Metadata,
		Orphaned: p.Orphaned,
		KernelId: p.KernelInfo.KernelID,
		Tag:      p.KernelInfo.Tag,
	}
	if p.Location.Image != nil {
		wp.Image = p.Location.Image.Reference
	}
	switch {
	case p.Xdp != nil:
		wp.IfIndex = p.Xdp.IfIndex
		wp.Priority = p.Xdp.Priority
		wp.CurrentPosition = int32(p.Xdp.CurrentPosition)
		wp.Attached = p.Xdp.Attached
	case p.Tc != nil:
		wp.IfIndex = p.Tc.IfIndex
		wp.Priority = p.Tc.Priority
		wp.Direction = p.Tc.Direction.String()
		wp.CurrentPosition = int32(p.Tc.CurrentPosition)
		wp.Attached = p.Tc.Attached
	}
	return wp
}

// statusFromErr maps a *bpferrors.Error kind to the nearest grpc/codes
// value. Errors that are not a *bpferrors.Error (e.g. a raw fmt.Errorf from
// interface resolution) surface as codes.InvalidArgument, since every such
// path in this package wraps user-supplied input.
func statusFromErr(err error) error {
	kind := bpferrors.KindOf(err)
	switch kind {
	case bpferrors.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case bpferrors.KindConflict:
		return status.Error(codes.AlreadyExists, err.Error())
	case bpferrors.KindTooManyPrograms:
		return status.Error(codes.ResourceExhausted, err.Error())
	case bpferrors.KindInvalidInterface, bpferrors.KindInvalidDirection,
		bpferrors.KindInvalidProgramType, bpferrors.KindInvalidProceedOn,
		bpferrors.KindInvalidImagePullPolicy, bpferrors.KindProgramNotFoundInBytecode:
		return status.Error(codes.InvalidArgument, err.Error())
	case bpferrors.KindSignatureInvalid:
		return status.Error(codes.PermissionDenied, err.Error())
	case bpferrors.KindBytecodeFetch:
		return status.Error(codes.Unavailable, err.Error())
	case bpferrors.KindKernelLoad, bpferrors.KindKernelAttach, bpferrors.KindDatabaseError:
		return status.Error(codes.Internal, err.Error())
	default:
		if _, ok := bpferrors.As(err); !ok {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
}
