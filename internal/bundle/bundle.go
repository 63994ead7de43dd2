// Package bundle assembles and verifies validation bundles.
//
// A bundle is a directory of named artifacts plus index.json and, only when
// the state passed, _passed.flag. The flag holds the SHA-256 of the raw
// bytes of every indexed artifact concatenated in ASCII path order. That
// digest is the single check a downstream consumer performs instead of
// re-running business validation.
//
// The bundle directory is an immutable partition: Seal publishes it through
// the partition writer, so a second seal of the same key must reproduce
// byte-identical members or fail.
package bundle

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/ledger"
	"github.com/roach88/sealkit/internal/partition"
	"github.com/roach88/sealkit/internal/schema"
)

// Reserved member names.
const (
	IndexFile = "index.json"
	FlagFile  = "_passed.flag"
)

// Spec describes one bundle to seal.
type Spec struct {
	Segment             string
	State               string
	ManifestFingerprint string
	ParameterHash       string

	// Artifacts maps "/"-separated relative paths to content. IndexFile
	// and FlagFile are reserved.
	Artifacts map[string][]byte

	// Passed controls whether the flag is written. A failing bundle is
	// still sealed, without a flag.
	Passed bool
}

// Sealed is the result of a successful Seal.
type Sealed struct {
	Dir           string
	IndexPath     string
	FlagPath      string // empty when the bundle did not pass
	FlagSHA256Hex string // the concatenation digest, also set when unflagged
	Members       []string
	Outcome       partition.Outcome
}

// SealRecorder receives every sealed bundle. *ledger.Ledger implements it.
type SealRecorder interface {
	RecordBundleSeal(ctx context.Context, s ledger.BundleSeal) error
}

// Assembler seals and verifies bundles.
type Assembler struct {
	writer   *partition.Writer
	registry *schema.Registry
	hasher   *digest.Hasher
	recorder SealRecorder
	logger   *zap.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithSealRecorder records every seal.
func WithSealRecorder(r SealRecorder) Option {
	return func(a *Assembler) { a.recorder = r }
}

// WithHasher sets the hasher used for verification and egress digests.
func WithHasher(h *digest.Hasher) Option {
	return func(a *Assembler) { a.hasher = h }
}

// NewAssembler creates an assembler. writer publishes bundle directories;
// registry validates index.json on verification.
func NewAssembler(writer *partition.Writer, registry *schema.Registry, logger *zap.Logger, opts ...Option) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Assembler{
		writer:   writer,
		registry: registry,
		hasher:   digest.New(0),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Seal writes spec's artifacts, a self-listing index.json and, when
// spec.Passed, the flag into dir as one immutable partition.
func (a *Assembler) Seal(ctx context.Context, dir string, spec Spec) (Sealed, error) {
	members := make(map[string][]byte, len(spec.Artifacts)+2)
	paths := make([]string, 0, len(spec.Artifacts)+1)
	for rel, data := range spec.Artifacts {
		if rel == IndexFile || rel == FlagFile {
			return Sealed{}, fmt.Errorf("bundle %s: artifact name %q is reserved", dir, rel)
		}
		if !partition.ValidMemberPath(rel) {
			return Sealed{}, fmt.Errorf("bundle %s: invalid artifact path %q", dir, rel)
		}
		members[rel] = data
		paths = append(paths, rel)
	}
	paths = append(paths, IndexFile)
	sort.Strings(paths)

	index, err := renderIndex(paths)
	if err != nil {
		return Sealed{}, fmt.Errorf("bundle %s: %w", dir, err)
	}
	members[IndexFile] = index

	flagHex := digest.ConcatMembersSHA256(members)
	if spec.Passed {
		members[FlagFile] = FlagLine(flagHex)
	}

	outcome, err := a.writer.MaterialiseDir(ctx, dir, members)
	if err != nil {
		return Sealed{}, err
	}

	sealed := Sealed{
		Dir:           dir,
		IndexPath:     filepath.Join(dir, IndexFile),
		FlagSHA256Hex: flagHex,
		Members:       paths,
		Outcome:       outcome,
	}
	if spec.Passed {
		sealed.FlagPath = filepath.Join(dir, FlagFile)
	}

	a.logger.Info("bundle sealed",
		zap.String("dir", dir),
		zap.String("segment", spec.Segment),
		zap.String("state", spec.State),
		zap.Bool("passed", spec.Passed),
		zap.String("outcome", string(outcome)),
		zap.Int("members", len(paths)))

	if a.recorder != nil {
		rec := ledger.BundleSeal{
			BundleDir:           dir,
			Segment:             spec.Segment,
			State:               spec.State,
			ManifestFingerprint: spec.ManifestFingerprint,
			ParameterHash:       spec.ParameterHash,
			Passed:              spec.Passed,
			Members:             len(paths),
		}
		if spec.Passed {
			rec.FlagSHA256Hex = flagHex
		}
		if err := a.recorder.RecordBundleSeal(ctx, rec); err != nil {
			return sealed, fmt.Errorf("bundle %s: %w", dir, err)
		}
	}
	return sealed, nil
}

// FlagLine renders the exact content of a flag file.
func FlagLine(hexDigest string) []byte {
	return []byte("sha256_hex = " + hexDigest + "\n")
}

// renderIndex writes the canonical index: an array of {"path"} objects in
// ASCII order. paths must already be sorted.
func renderIndex(paths []string) ([]byte, error) {
	entries := make([]ir.BundleIndexEntry, len(paths))
	for i, p := range paths {
		entries[i] = ir.BundleIndexEntry{Path: p}
	}
	data, err := ir.CanonicalLine(entries)
	if err != nil {
		return nil, fmt.Errorf("render index: %w", err)
	}
	return data, nil
}
