// Package staterun drives one state invocation through the kernel:
//
//	gate -> upstream PASS -> upstream bundles -> sealed inputs -> work
//	     -> RNG accounting -> bundle seal -> published receipt
//
// Every step is fail-closed. A precondition or integrity failure returns an
// error before any output exists. An accounting failure still seals the
// bundle, without a flag, and publishes no receipt: absence of the flag is
// the signal consumers act on.
package staterun

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/bundle"
	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/gate"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/ledger"
	"github.com/roach88/sealkit/internal/partition"
	"github.com/roach88/sealkit/internal/rngaudit"
	"github.com/roach88/sealkit/internal/schema"
	"github.com/roach88/sealkit/internal/sealed"
)

// Work is a state's business logic. It returns the state's summary
// document, which is sealed with ir.DocumentLine: floats and nulls are
// allowed, NaN and infinities are E_SCHEMA.
type Work func(ctx context.Context, env *Env) (summary any, err error)

// State describes one invocation. Paths are relative to the data root
// unless absolute.
type State struct {
	Segment string
	State   string
	Run     ir.RunContext

	// ReceiptPath is the upstream gate receipt to start from.
	ReceiptPath string

	// RequiredUpstream segments must be PASS in the receipt. Empty means
	// every segment the receipt names.
	RequiredUpstream []string

	// VerifyUpstreamBundles re-verifies each required segment's bundle.
	VerifyUpstreamBundles bool

	// VerifyFingerprint recomputes the receipt's manifest fingerprint.
	VerifyFingerprint bool

	// RngLogs locates the RNG logs the work produced. A zero value means
	// the state draws no randomness.
	RngLogs rngaudit.Paths

	// ExpectedKeys enables E901 coverage checks per module.
	ExpectedKeys map[string][]ir.LogicalKey

	// Parameters are recorded in parameter_hash_resolved.json.
	Parameters map[string]any

	// BundleDir receives the validation bundle.
	BundleDir string

	// ReceiptOut receives this state's own receipt when it passes. Empty
	// publishes nothing.
	ReceiptOut string
}

// Result describes a completed invocation.
type Result struct {
	Accounting rngaudit.Result
	Bundle     bundle.Sealed
	Passed     bool

	// Published is this state's receipt, nil when the state failed or
	// ReceiptOut was empty. ReceiptID is its ir.ReceiptID.
	Published *ir.GateReceipt
	ReceiptID string
}

// AccountingRecorder receives accounting outcomes. *ledger.Ledger
// implements it.
type AccountingRecorder interface {
	RecordAccountingReport(ctx context.Context, r ledger.AccountingReport) error
}

// Runner wires the kernel components together.
type Runner struct {
	dataRoot string
	registry *schema.Registry
	gates    *gate.Validator
	resolver *sealed.Resolver
	rng      *rngaudit.Validator
	writer   *partition.Writer
	bundles  *bundle.Assembler
	recorder AccountingRecorder
	logger   *zap.Logger
}

// Deps are the components a Runner needs.
type Deps struct {
	DataRoot string
	Registry *schema.Registry
	Hasher   *digest.Hasher
	Writer   *partition.Writer
	Bundles  *bundle.Assembler
	RNG      *rngaudit.Validator

	// Recorder is optional.
	Recorder AccountingRecorder
	Logger   *zap.Logger
}

// New creates a Runner. Gate and resolver components are derived from d.
func New(d Deps) *Runner {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var verifier gate.BundleVerifier
	if d.Bundles != nil {
		verifier = d.Bundles
	}
	return &Runner{
		dataRoot: d.DataRoot,
		registry: d.Registry,
		gates:    gate.NewValidator(d.Registry, verifier, logger),
		resolver: sealed.NewResolver(d.DataRoot, d.Hasher, logger),
		rng:      d.RNG,
		writer:   d.Writer,
		bundles:  d.Bundles,
		recorder: d.Recorder,
		logger:   logger,
	}
}

// Run executes s with work.
func (r *Runner) Run(ctx context.Context, s State, work Work) (Result, error) {
	log := r.logger.With(zap.String("segment", s.Segment), zap.String("state", s.State))

	receipt, inputs, err := r.admit(s)
	if err != nil {
		log.Warn("state not admitted", zap.Error(err))
		return Result{}, err
	}
	log.Info("state admitted", zap.Int("sealed_inputs", len(inputs)))

	env := &Env{
		Segment:  s.Segment,
		State:    s.State,
		Run:      s.Run,
		Receipt:  receipt,
		dataRoot: r.dataRoot,
		inputs:   inputs,
		writer:   r.writer,
		egress:   map[string]string{},
	}
	summary, err := work(ctx, env)
	if err != nil {
		return Result{}, fmt.Errorf("state %s/%s: %w", s.Segment, s.State, err)
	}

	acct := r.audit(s)
	rngDoc, err := rngaudit.Summary(s.Run, acct)
	if err != nil {
		return Result{}, err
	}
	if err := r.recordAccounting(ctx, s.Run, acct, rngDoc); err != nil {
		return Result{}, err
	}
	if !acct.Passed() {
		log.Warn("rng accounting failed", zap.Int("failures", len(acct.Report.Failures)))
	}

	egress := make(map[string]string, len(env.egress))
	for name, rel := range env.egress {
		egress[name] = r.resolve(rel)
	}

	bundleDir := r.resolve(s.BundleDir)
	if err := r.checkDeterminism(bundleDir, egress); err != nil {
		return Result{}, err
	}

	artifacts, err := r.bundles.StandardArtifacts(bundle.ArtifactInputs{
		Segment:       s.Segment,
		State:         s.State,
		Run:           s.Run,
		Receipt:       receipt,
		Parameters:    s.Parameters,
		RngAccounting: rngDoc,
		Summary:       summary,
		Egress:        egress,
	})
	if err != nil {
		return Result{}, err
	}

	sealedBundle, err := r.bundles.Seal(ctx, bundleDir, bundle.Spec{
		Segment:             s.Segment,
		State:               s.State,
		ManifestFingerprint: s.Run.ManifestFingerprint,
		ParameterHash:       s.Run.ParameterHash,
		Artifacts:           artifacts,
		Passed:              acct.Passed(),
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Accounting: acct, Bundle: sealedBundle, Passed: acct.Passed()}
	if !res.Passed || s.ReceiptOut == "" {
		return res, nil
	}

	published, err := r.publish(ctx, s, receipt, sealedBundle, env.egress, artifacts)
	if err != nil {
		return res, err
	}
	id, err := ir.ReceiptID(*published)
	if err != nil {
		return res, err
	}
	res.Published, res.ReceiptID = published, id
	log.Info("state passed",
		zap.String("flag", sealedBundle.FlagSHA256Hex),
		zap.String("receipt_id", id))
	return res, nil
}

// admit runs every precondition and returns the receipt and verified
// input paths.
func (r *Runner) admit(s State) (*ir.GateReceipt, map[string]string, error) {
	if err := s.Run.CheckDigests(); err != nil {
		return nil, nil, failure.Wrap(failure.CodeS0Precondition, err, "run lineage")
	}
	if _, err := ir.Document(s.Parameters); err != nil {
		return nil, nil, failure.Wrap(failure.CodeSchema, err, "state parameters are not canonical-encodable")
	}
	receipt, err := r.gates.LoadAndValidate(r.resolve(s.ReceiptPath), schema.GateReceiptV1)
	if err != nil {
		return nil, nil, err
	}
	if err := gate.CheckLineage(receipt, s.Run); err != nil {
		return nil, nil, err
	}
	if s.VerifyFingerprint {
		if err := gate.VerifyManifestFingerprint(receipt); err != nil {
			return nil, nil, err
		}
	}
	required, err := gate.RequiredSegments(receipt, s.RequiredUpstream)
	if err != nil {
		return nil, nil, err
	}
	if err := gate.AssertUpstreamPass(receipt, required); err != nil {
		return nil, nil, err
	}
	if s.VerifyUpstreamBundles {
		for _, seg := range required {
			if err := r.gates.RequireUpstreamBundle(receipt, seg, r.dataRoot); err != nil {
				return nil, nil, err
			}
		}
	}

	idx, err := sealed.NewIndex(receipt.SealedInputs)
	if err != nil {
		return nil, nil, err
	}
	inputs, report := r.resolver.ResolveAll(idx)
	if !report.Passed {
		return nil, nil, report.Err()
	}
	return receipt, inputs, nil
}

func (r *Runner) audit(s State) rngaudit.Result {
	if s.RngLogs == (rngaudit.Paths{}) {
		return rngaudit.Result{Report: failure.Report{Passed: true, Failures: []failure.Failure{}}}
	}
	return r.rng.ValidateFiles(s.Run, rngaudit.Paths{
		Events: r.resolve(s.RngLogs.Events),
		Trace:  r.resolve(s.RngLogs.Trace),
		Audit:  r.resolve(s.RngLogs.Audit),
	}, s.ExpectedKeys)
}

func (r *Runner) recordAccounting(ctx context.Context, rc ir.RunContext, acct rngaudit.Result, doc []byte) error {
	if r.recorder == nil {
		return nil
	}
	return r.recorder.RecordAccountingReport(ctx, ledger.AccountingReport{
		RunID:               rc.RunID,
		Seed:                rc.Seed,
		ManifestFingerprint: rc.ManifestFingerprint,
		ParameterHash:       rc.ParameterHash,
		Passed:              acct.Passed(),
		Failures:            len(acct.Report.Failures),
		SummarySHA256Hex:    digest.SHA256Hex(doc),
	})
}

// checkDeterminism compares a re-run's egress digests with those already
// sealed for the same bundle key. Equal inputs must give equal outputs; a
// difference means the producing computation is not deterministic.
func (r *Runner) checkDeterminism(bundleDir string, egress map[string]string) error {
	prior, ok, err := bundle.ReadEgress(bundleDir)
	if err != nil || !ok {
		return err
	}
	now, err := r.bundles.EgressChecksums(egress)
	if err != nil {
		return err
	}

	was, is := prior.Digests(), now.Digests()
	names := make(map[string]bool, len(was)+len(is))
	for n := range was {
		names[n] = true
	}
	for n := range is {
		names[n] = true
	}
	var diffs []string
	for n := range names {
		if was[n] != is[n] {
			diffs = append(diffs, n)
		}
	}
	if len(diffs) == 0 {
		return nil
	}
	sort.Strings(diffs)
	return failure.New(failure.CodeNondeterministicOutput,
		"re-run egress differs from sealed bundle %s: %s", bundleDir, strings.Join(diffs, ", ")).
		With("partition", diffs[0]).
		With("expected", was[diffs[0]]).
		With("actual", is[diffs[0]])
}

// publish writes this state's receipt: its own PASS entry beside the
// upstream gates, and its egress partitions as the sealed inputs a
// downstream state resolves.
func (r *Runner) publish(ctx context.Context, s State, upstream *ir.GateReceipt, sb bundle.Sealed,
	egressRel map[string]string, artifacts map[string][]byte) (*ir.GateReceipt, error) {
	var egress bundle.EgressChecksums
	if err := schema.DecodeStrict(artifacts[bundle.EgressFile], &egress); err != nil {
		return nil, fmt.Errorf("publish receipt: %w", err)
	}

	gates := make(map[string]ir.GateStatus, len(upstream.UpstreamGates)+1)
	for seg, g := range upstream.UpstreamGates {
		gates[seg] = g
	}
	gates[s.Segment] = ir.GateStatus{
		Status:        ir.StatusPass,
		BundlePath:    filepath.ToSlash(s.BundleDir),
		FlagSHA256Hex: sb.FlagSHA256Hex,
	}

	inputs := make([]ir.SealedAsset, 0, len(egress.Partitions))
	for _, p := range egress.Partitions {
		inputs = append(inputs, ir.SealedAsset{
			ID:        p.Name,
			Path:      egressRel[p.Name],
			SHA256Hex: p.SHA256Hex,
			SizeBytes: p.SizeBytes,
		})
	}

	seed := s.Run.Seed
	receipt := &ir.GateReceipt{
		ReceiptVersion:      schema.GateReceiptV1.Version,
		Segment:             s.Segment,
		State:               s.State,
		RunID:               s.Run.RunID,
		Seed:                &seed,
		ManifestFingerprint: s.Run.ManifestFingerprint,
		ParameterHash:       s.Run.ParameterHash,
		UpstreamGates:       gates,
		SealedInputs:        inputs,
	}

	data, err := ir.CanonicalLine(receipt)
	if err != nil {
		return nil, fmt.Errorf("publish receipt: %w", err)
	}
	if err := r.registry.Validate(schema.GateReceiptV1, data); err != nil {
		return nil, fmt.Errorf("publish receipt: %w", err)
	}
	if _, err := r.writer.Materialise(ctx, r.resolve(s.ReceiptOut), data); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (r *Runner) resolve(p string) string {
	if p == "" {
		return ""
	}
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) || r.dataRoot == "" {
		return p
	}
	return filepath.Join(r.dataRoot, p)
}
