// Package gate decides whether a state may start.
//
// A state reads an upstream receipt, proves it is structurally valid, and
// proves every upstream segment it depends on reported PASS. There is no
// retry and no advisory mode: a gate that does not open is a hard stop.
package gate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/schema"
)

// BundleVerifier re-checks an upstream validation bundle on disk and
// returns the digest recorded in its flag.
type BundleVerifier interface {
	VerifyBundle(dir string) (flagHex string, report failure.Report)
}

// Validator loads and checks gate receipts.
type Validator struct {
	registry *schema.Registry
	bundles  BundleVerifier
	logger   *zap.Logger
}

// NewValidator creates a validator. bundles may be nil when upstream
// bundles are not re-verified.
func NewValidator(registry *schema.Registry, bundles BundleVerifier, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{registry: registry, bundles: bundles, logger: logger}
}

// LoadAndValidate reads the receipt at path and validates it against ref.
// Unknown and missing keys are both E_SCHEMA. A missing file is
// E_UPSTREAM_MISSING.
func (v *Validator) LoadAndValidate(path string, ref schema.Ref) (*ir.GateReceipt, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, failure.New(failure.CodeUpstreamMissing, "gate receipt %s does not exist", path).
			With("path", path)
	}
	if err != nil {
		return nil, failure.Wrap(failure.CodeIO, err, "read gate receipt %s", path)
	}

	var receipt ir.GateReceipt
	if err := v.registry.Decode(ref, data, &receipt); err != nil {
		var fe *failure.Error
		if errors.As(err, &fe) {
			fe.With("receipt", path)
		}
		return nil, err
	}

	v.logger.Debug("gate receipt loaded",
		zap.String("path", path),
		zap.String("segment", receipt.Segment),
		zap.Int("upstream_gates", len(receipt.UpstreamGates)),
		zap.Int("sealed_inputs", len(receipt.SealedInputs)))
	return &receipt, nil
}

// RequiredSegments returns the sorted upstream segments a gate must hold
// PASS for. An empty explicit set means every segment the receipt names.
// A receipt that names none admits nothing and is E_S0_PRECONDITION.
func RequiredSegments(receipt *ir.GateReceipt, explicit []string) ([]string, error) {
	segments := append([]string(nil), explicit...)
	if len(segments) == 0 {
		for seg := range receipt.UpstreamGates {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return nil, failure.New(failure.CodeS0Precondition, "no required upstream segments")
	}
	sort.Strings(segments)
	return segments, nil
}

// AssertUpstreamPass requires upstream_gates[s].status == "PASS" for every
// required segment s. Every offending segment is named in the error;
// Details["segment"] holds the first in sorted order.
func AssertUpstreamPass(receipt *ir.GateReceipt, required []string) error {
	segments := make([]string, len(required))
	copy(segments, required)
	sort.Strings(segments)

	var offenders []string
	for _, seg := range segments {
		status := "<absent>"
		if g, ok := receipt.UpstreamGates[seg]; ok {
			if g.Status == ir.StatusPass {
				continue
			}
			status = fmt.Sprintf("%q", g.Status)
		}
		offenders = append(offenders, seg+"="+status)
	}
	if len(offenders) == 0 {
		return nil
	}

	first := offenders[0][:strings.Index(offenders[0], "=")]
	return failure.New(failure.CodeUpstreamGate, "upstream segment not PASS: %s", strings.Join(offenders, ", ")).
		With("segment", first)
}

// CheckLineage fails E_S0_PRECONDITION when the receipt was produced for a
// different manifest fingerprint or parameter hash than the state is
// running under.
func CheckLineage(receipt *ir.GateReceipt, rc ir.RunContext) error {
	var mismatches []string
	if receipt.ManifestFingerprint != rc.ManifestFingerprint {
		mismatches = append(mismatches, fmt.Sprintf("manifest_fingerprint %s != %s",
			receipt.ManifestFingerprint, rc.ManifestFingerprint))
	}
	if receipt.ParameterHash != rc.ParameterHash {
		mismatches = append(mismatches, fmt.Sprintf("parameter_hash %s != %s",
			receipt.ParameterHash, rc.ParameterHash))
	}
	if len(mismatches) == 0 {
		return nil
	}
	return failure.New(failure.CodeS0Precondition, "receipt lineage differs from run: %s", strings.Join(mismatches, "; "))
}

// VerifyManifestFingerprint recomputes the fingerprint of the sealed
// inventory and compares it with the one the receipt declares.
func VerifyManifestFingerprint(receipt *ir.GateReceipt) error {
	got, err := ir.ManifestFingerprint(receipt.SealedInputs)
	if err != nil {
		return failure.Wrap(failure.CodeSchema, err, "sealed inventory")
	}
	if got != receipt.ManifestFingerprint {
		return failure.New(failure.CodeManifestFingerprint,
			"manifest fingerprint mismatch: declared %s, computed %s", receipt.ManifestFingerprint, got).
			With("expected", receipt.ManifestFingerprint).
			With("actual", got)
	}
	return nil
}

// RequireUpstreamBundle proves the segment's bundle exists and still seals.
// Relative bundle paths resolve against baseDir.
//
// Errors:
//   - E_UPSTREAM_MISSING: no bundle path recorded, or nothing on disk
//   - E_UPSTREAM_GATE: the bundle does not verify or its flag digest
//     differs from the one recorded in the receipt
func (v *Validator) RequireUpstreamBundle(receipt *ir.GateReceipt, segment, baseDir string) error {
	g, ok := receipt.UpstreamGates[segment]
	if !ok || g.BundlePath == "" {
		return failure.New(failure.CodeUpstreamMissing, "no validation bundle recorded for segment %s", segment).
			With("segment", segment)
	}

	dir := filepath.FromSlash(g.BundlePath)
	if !filepath.IsAbs(dir) && baseDir != "" {
		dir = filepath.Join(baseDir, dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return failure.New(failure.CodeUpstreamMissing, "validation bundle for segment %s not found at %s", segment, dir).
			With("segment", segment).
			With("path", dir)
	}

	if v.bundles == nil {
		return nil
	}
	flagHex, report := v.bundles.VerifyBundle(dir)
	if !report.Passed {
		v.logger.Warn("upstream bundle failed verification",
			zap.String("segment", segment),
			zap.String("path", dir),
			zap.Int("failures", len(report.Failures)))
		return failure.Wrap(failure.CodeUpstreamGate, report.Err(), "segment %s bundle does not verify", segment).
			With("segment", segment)
	}
	if g.FlagSHA256Hex != "" && g.FlagSHA256Hex != flagHex {
		return failure.New(failure.CodeUpstreamGate,
			"segment %s bundle flag %s differs from receipt %s", segment, flagHex, g.FlagSHA256Hex).
			With("segment", segment).
			With("expected", g.FlagSHA256Hex).
			With("actual", flagHex)
	}
	return nil
}
