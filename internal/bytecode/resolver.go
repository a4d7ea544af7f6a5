// Package bytecode implements the bytecode resolver (C3): given a Program's
// declared Location, it returns verified bytecode bytes and, for image
// locations, the list of program symbols the image's bytecode layer
// exports. File locations carry no symbol list — the caller trusts the
// declared name instead.
package bytecode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/bpfmand/bpfmand/internal/bpferrors"
	"github.com/bpfmand/bpfmand/internal/model"
)

// symbolsAnnotation is the OCI manifest annotation key holding the bytecode
// layer's exported program symbols, as a JSON array of strings or, failing
// that, a comma-separated list.
const symbolsAnnotation = "io.bpfman.image.symbols"

// bytecodeLayerAnnotation marks which layer of a (possibly multi-layer)
// image carries the actual eBPF object bytes, by its digest string. When
// absent, the resolver falls back to the image's sole layer.
const bytecodeLayerAnnotation = "io.bpfman.image.bytecodeLayer"

// Verifier checks an image's signature. The noop verifier is used when no
// grounded signing scheme is wired in (see DESIGN.md); it accepts only when
// allowUnsigned is true and rejects outright when a signature is required,
// since it can never confirm one.
type Verifier interface {
	// Verify returns nil if img's signature (if any) is acceptable given
	// allowUnsigned. If img carries no signature data, implementations
	// must still honour allowUnsigned for the no-signature case.
	Verify(ctx context.Context, ref name.Reference, img v1.Image, allowUnsigned bool) error
}

// NoopVerifier never attempts real signature verification. It is the only
// Verifier implementation shipped: no sigstore/cosign client is grounded in
// the retrieved corpus for this component (see DESIGN.md, Open Questions).
// It therefore accepts an image if and only if allowUnsigned is true.
type NoopVerifier struct{}

func (NoopVerifier) Verify(_ context.Context, _ name.Reference, _ v1.Image, allowUnsigned bool) error {
	if !allowUnsigned {
		return bpferrors.New(bpferrors.KindSignatureInvalid, "signature verification is not available in this build; set signing.allow_unsigned to proceed")
	}
	return nil
}

// Resolved is the result of resolving a Location.
type Resolved struct {
	Bytes   []byte
	Symbols []string // nil for file locations
}

// Resolver implements C3 against a local content store and an OCI registry
// client.
type Resolver struct {
	Store         *ContentStore
	Verifier      Verifier
	AllowUnsigned bool

	// Keychain authenticates registry pulls. Defaults to
	// authn.DefaultKeychain when nil.
	Keychain authn.Keychain

	// Backoff parametrises retry of transient registry failures. Zero
	// values keep the defaults: a 1s initial interval, a 30s maximum
	// interval, and the backoff library's own overall time limit.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxElapsedTime time.Duration
}

func (r *Resolver) keychain() authn.Keychain {
	if r.Keychain != nil {
		return r.Keychain
	}
	return authn.DefaultKeychain
}

// Resolve implements the C3 contract: resolve(location, allow_unsigned) →
// (bytes, symbols).
func (r *Resolver) Resolve(ctx context.Context, loc model.Location) (Resolved, error) {
	if err := loc.Validate(); err != nil {
		return Resolved{}, bpferrors.Wrap(bpferrors.KindInvalidProgramType, err, "resolve location")
	}
	if loc.FilePath != "" {
		return r.resolveFile(loc.FilePath)
	}
	return r.resolveImage(ctx, loc.Image)
}

// resolveFile reads bytes from path with O_NOCTTY, so that a path pointing
// at a character device never acquires a controlling terminal.
func (r *Resolver) resolveFile(path string) (Resolved, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOCTTY, 0)
	if err != nil {
		return Resolved{}, bpferrors.Wrap(bpferrors.KindBytecodeFetch, err, "open bytecode file %q", path)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Resolved{}, bpferrors.Wrap(bpferrors.KindBytecodeFetch, err, "read bytecode file %q", path)
	}
	return Resolved{Bytes: data}, nil
}

// resolveImage implements the pull-policy, fetch, and signature-verification
// steps of the daemon's C3 contract.
func (r *Resolver) resolveImage(ctx context.Context, img *model.ImageLocation) (Resolved, error) {
	ref, err := name.ParseReference(img.Reference)
	if err != nil {
		return Resolved{}, bpferrors.Wrap(bpferrors.KindBytecodeFetch, err, "parse image reference %q", img.Reference)
	}

	switch img.PullPolicy {
	case model.PullIfNotPresent:
		if cached, ok := r.Store.Lookup(ref.String()); ok {
			return cached, nil
		}
	case model.PullNever:
		if cached, ok := r.Store.Lookup(ref.String()); ok {
			return cached, nil
		}
		// Open Question (c) resolved: a cache miss under Never surfaces
		// BytecodeFetch rather than silently falling back to a remote pull.
		return Resolved{}, bpferrors.New(bpferrors.KindBytecodeFetch, "image %q not present in content store and pull policy is Never", img.Reference)
	case model.PullAlways:
		// Always re-fetches below.
	}

	opts := []remote.Option{remote.WithContext(ctx), remote.WithAuthFromKeychain(r.keychain())}
	if img.Username != "" {
		opts = append(opts, remote.WithAuth(&authn.Basic{Username: img.Username, Password: img.Password}))
	}

	var resolved Resolved
	op := func() error {
		got, ferr := r.fetchOnce(ctx, ref, opts)
		if ferr != nil {
			return ferr
		}
		resolved = got
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.backoffInitial()
	b.MaxInterval = r.backoffMax()
	if r.MaxElapsedTime > 0 {
		b.MaxElapsedTime = r.MaxElapsedTime
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return Resolved{}, bpferrors.Wrap(bpferrors.KindBytecodeFetch, err, "fetch image %q", img.Reference)
	}

	r.Store.Put(ref.String(), resolved)
	return resolved, nil
}

func (r *Resolver) backoffInitial() time.Duration {
	if r.InitialBackoff > 0 {
		return r.InitialBackoff
	}
	return 1 * time.Second
}

func (r *Resolver) backoffMax() time.Duration {
	if r.MaxBackoff > 0 {
		return r.MaxBackoff
	}
	return 30 * time.Second
}

func (r *Resolver) fetchOnce(ctx context.Context, ref name.Reference, opts []remote.Option) (Resolved, error) {
	img, err := remote.Image(ref, opts...)
	if err != nil {
		return Resolved{}, err
	}

	if err := r.verifier().Verify(ctx, ref, img, r.AllowUnsigned); err != nil {
		return Resolved{}, err
	}

	manifest, err := img.Manifest()
	if err != nil {
		return Resolved{}, fmt.Errorf("read manifest: %w", err)
	}

	symbols, err := symbolsFromAnnotations(manifest.Annotations)
	if err != nil {
		return Resolved{}, err
	}

	layers, err := img.Layers()
	if err != nil {
		return Resolved{}, fmt.Errorf("read layers: %w", err)
	}
	if len(layers) == 0 {
		return Resolved{}, fmt.Errorf("image has no layers")
	}

	layer := layers[0]
	if want, ok := manifest.Annotations[bytecodeLayerAnnotation]; ok {
		for _, l := range layers {
			digest, derr := l.Digest()
			if derr == nil && digest.String() == want {
				layer = l
				break
			}
		}
	}

	rc, err := layer.Uncompressed()
	if err != nil {
		return Resolved{}, fmt.Errorf("uncompress bytecode layer: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Resolved{}, fmt.Errorf("read bytecode layer: %w", err)
	}

	return Resolved{Bytes: data, Symbols: symbols}, nil
}

func (r *Resolver) verifier() Verifier {
	if r.Verifier != nil {
		return r.Verifier
	}
	return NoopVerifier{}
}

func symbolsFromAnnotations(annotations map[string]string) ([]string, error) {
	raw, ok := annotations[symbolsAnnotation]
	if !ok || raw == "" {
		return nil, nil
	}
	var symbols []string
	if err := json.Unmarshal([]byte(raw), &symbols); err == nil {
		return symbols, nil
	}
	return splitCSV(raw), nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ProgramNotFoundInBytecode checks that name is present in symbols.
// rpc.Server.Load calls this after Resolve returns a symbol list; file
// locations skip this check entirely since they carry no symbol list.
func ProgramNotFoundInBytecode(image, declaredName string, symbols []string) error {
	for _, s := range symbols {
		if s == declaredName {
			return nil
		}
	}
	return bpferrors.ProgramNotFoundInBytecode(image, declaredName, symbols)
}
