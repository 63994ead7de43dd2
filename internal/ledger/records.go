package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/sealkit/internal/ir"
)

// Partition kinds and outcomes as stored.
const (
	KindFile = "file"
	KindDir  = "dir"

	OutcomeWritten = "written"
	OutcomeResumed = "resumed"
)

// Materialisation records one immutable-partition write attempt that
// succeeded (written or resumed). Conflicts are not recorded: they are
// returned to the caller.
type Materialisation struct {
	Seq        int64  `json:"seq"`
	Target     string `json:"target"`
	Kind       string `json:"kind"`
	SHA256Hex  string `json:"sha256_hex"`
	SizeBytes  int64  `json:"size_bytes"`
	Outcome    string `json:"outcome"`
	RecordedAt string `json:"recorded_at"`
}

// BundleSeal records one sealed (or deliberately unsealed) bundle.
type BundleSeal struct {
	Seq                 int64  `json:"seq"`
	BundleDir           string `json:"bundle_dir"`
	Segment             string `json:"segment"`
	State               string `json:"state"`
	ManifestFingerprint string `json:"manifest_fingerprint"`
	ParameterHash       string `json:"parameter_hash"`
	Passed              bool   `json:"passed"`
	FlagSHA256Hex       string `json:"flag_sha256_hex"` // empty when Passed is false
	Members             int    `json:"members"`
	RecordedAt          string `json:"recorded_at"`
}

// AccountingReport records one RNG accounting outcome.
type AccountingReport struct {
	Seq                 int64  `json:"seq"`
	RunID               string `json:"run_id"`
	Seed                uint64 `json:"seed"`
	ManifestFingerprint string `json:"manifest_fingerprint"`
	ParameterHash       string `json:"parameter_hash"`
	Passed              bool   `json:"passed"`
	Failures            int    `json:"failures"`
	SummarySHA256Hex    string `json:"summary_sha256_hex"`
	RecordedAt          string `json:"recorded_at"`
}

// RecordMaterialisation appends m. Recording the same (target, digest,
// outcome) again is a no-op.
func (l *Ledger) RecordMaterialisation(ctx context.Context, m Materialisation) error {
	id, err := ir.LedgerID("materialisations", ir.IRObject{
		"target":     ir.IRString(m.Target),
		"kind":       ir.IRString(m.Kind),
		"sha256_hex": ir.IRString(m.SHA256Hex),
		"outcome":    ir.IRString(m.Outcome),
	})
	if err != nil {
		return fmt.Errorf("record materialisation: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO materialisations
		(id, target, kind, sha256_hex, size_bytes, outcome, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, m.Target, m.Kind, m.SHA256Hex, m.SizeBytes, m.Outcome, l.timestamp())
	if err != nil {
		return fmt.Errorf("record materialisation: %w", err)
	}
	return nil
}

// RecordBundleSeal appends s. Re-sealing the same bundle with the same flag
// is a no-op.
func (l *Ledger) RecordBundleSeal(ctx context.Context, s BundleSeal) error {
	id, err := ir.LedgerID("bundle_seals", ir.IRObject{
		"bundle_dir":      ir.IRString(s.BundleDir),
		"passed":          ir.IRBool(s.Passed),
		"flag_sha256_hex": ir.IRString(s.FlagSHA256Hex),
	})
	if err != nil {
		return fmt.Errorf("record bundle seal: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO bundle_seals
		(id, bundle_dir, segment, state, manifest_fingerprint, parameter_hash, passed, flag_sha256_hex, members, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, s.BundleDir, s.Segment, s.State, s.ManifestFingerprint, s.ParameterHash,
		boolInt(s.Passed), s.FlagSHA256Hex, s.Members, l.timestamp())
	if err != nil {
		return fmt.Errorf("record bundle seal: %w", err)
	}
	return nil
}

// RecordAccountingReport appends r. The same summary for the same run is
// recorded once.
func (l *Ledger) RecordAccountingReport(ctx context.Context, r AccountingReport) error {
	seed := strconv.FormatUint(r.Seed, 10)
	id, err := ir.LedgerID("accounting_reports", ir.IRObject{
		"run_id":               ir.IRString(r.RunID),
		"seed":                 ir.IRString(seed),
		"manifest_fingerprint": ir.IRString(r.ManifestFingerprint),
		"parameter_hash":       ir.IRString(r.ParameterHash),
		"summary_sha256_hex":   ir.IRString(r.SummarySHA256Hex),
	})
	if err != nil {
		return fmt.Errorf("record accounting report: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO accounting_reports
		(id, run_id, seed, manifest_fingerprint, parameter_hash, passed, failures, summary_sha256_hex, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, r.RunID, seed, r.ManifestFingerprint, r.ParameterHash,
		boolInt(r.Passed), r.Failures, r.SummarySHA256Hex, l.timestamp())
	if err != nil {
		return fmt.Errorf("record accounting report: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
