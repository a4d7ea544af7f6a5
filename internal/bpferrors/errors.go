// Package bpferrors defines the error kinds surfaced at the daemon's public
// boundary (gRPC status codes, CLI exit messages). Every error that crosses
// from the core engine to the command dispatcher is wrapped in a *Error
// carrying one of these kinds, so the RPC layer can map it to a grpc/codes
// value without re-deriving intent from a bare string.
package bpferrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the daemon's error categories.
type Kind int

const (
	// KindInternal is a bug: an invariant the daemon itself is responsible
	// for maintaining has been violated.
	KindInternal Kind = iota
	KindInvalidInterface
	KindInvalidDirection
	KindInvalidProgramType
	KindInvalidProceedOn
	KindInvalidImagePullPolicy
	KindProgramNotFoundInBytecode
	KindTooManyPrograms
	KindDatabaseError
	KindBytecodeFetch
	KindSignatureInvalid
	KindKernelLoad
	KindKernelAttach
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInterface:
		return "InvalidInterface"
	case KindInvalidDirection:
		return "InvalidDirection"
	case KindInvalidProgramType:
		return "InvalidProgramType"
	case KindInvalidProceedOn:
		return "InvalidProceedOn"
	case KindInvalidImagePullPolicy:
		return "InvalidImagePullPolicy"
	case KindProgramNotFoundInBytecode:
		return "ProgramNotFoundInBytecode"
	case KindTooManyPrograms:
		return "TooManyPrograms"
	case KindDatabaseError:
		return "DatabaseError"
	case KindBytecodeFetch:
		return "BytecodeFetch"
	case KindSignatureInvalid:
		return "SignatureInvalid"
	case KindKernelLoad:
		return "KernelLoad"
	case KindKernelAttach:
		return "KernelAttach"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	default:
		return "Internal"
	}
}

// Error is the daemon's wrapped error type. It carries a Kind plus whatever
// structured detail is relevant to that kind (e.g. the op/cause pair for
// DatabaseError, or the expected/found symbol list for
// ProgramNotFoundInBytecode).
type Error struct {
	Kind   Kind
	Msg    string
	Cause  error
	Detail map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Database wraps a persistent-store failure, recording the failing
// operation name.
func Database(op string, cause error) *Error {
	return &Error{
		Kind:   KindDatabaseError,
		Msg:    fmt.Sprintf("store operation %q failed", op),
		Cause:  cause,
		Detail: map[string]any{"op": op},
	}
}

// ProgramNotFoundInBytecode builds the structured symbol-mismatch error
// raised when a declared program name is absent from a resolved image's
// exported symbols.
func ProgramNotFoundInBytecode(image, expected string, found []string) *Error {
	return &Error{
		Kind: KindProgramNotFoundInBytecode,
		Msg:  fmt.Sprintf("symbol %q not found in %q (have: %v)", expected, image, found),
		Detail: map[string]any{
			"image":    image,
			"expected": expected,
			"found":    found,
		},
	}
}

// KernelLoad and KernelAttach preserve the underlying errno/verifier-log
// cause so that callers can surface it verbatim.
func KernelLoad(cause error, detail string) *Error {
	return &Error{Kind: KindKernelLoad, Msg: detail, Cause: cause}
}

func KernelAttach(cause error, detail string) *Error {
	return &Error{Kind: KindKernelAttach, Msg: detail, Cause: cause}
}

func NotFound(id uint32) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("program %d not found", id), Detail: map[string]any{"id": id}}
}

// As is a thin convenience wrapper around errors.As for the common case of
// recovering the Kind carried by an arbitrary error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something it wraps) is a *Error,
// and KindInternal otherwise — callers that only need to branch on category
// without caring if the error was actually ours can use this directly.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
