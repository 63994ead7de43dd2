package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// Materialisations returns recorded writes, optionally filtered by target
// ("" for all). Ordered by seq.
//
// Returns an empty slice (not nil) if nothing matches.
func (l *Ledger) Materialisations(ctx context.Context, target string) ([]Materialisation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, target, kind, sha256_hex, size_bytes, outcome, recorded_at
		FROM materialisations
		WHERE ? = '' OR target = ?
		ORDER BY seq ASC
	`, target, target)
	if err != nil {
		return nil, fmt.Errorf("query materialisations: %w", err)
	}
	defer rows.Close()

	out := []Materialisation{}
	for rows.Next() {
		var m Materialisation
		if err := rows.Scan(&m.Seq, &m.Target, &m.Kind, &m.SHA256Hex, &m.SizeBytes, &m.Outcome, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan materialisation: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate materialisations: %w", err)
	}
	return out, nil
}

// BundleSeals returns recorded seals, optionally filtered by segment.
// Ordered by seq.
func (l *Ledger) BundleSeals(ctx context.Context, segment string) ([]BundleSeal, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, bundle_dir, segment, state, manifest_fingerprint, parameter_hash,
		       passed, flag_sha256_hex, members, recorded_at
		FROM bundle_seals
		WHERE ? = '' OR segment = ?
		ORDER BY seq ASC
	`, segment, segment)
	if err != nil {
		return nil, fmt.Errorf("query bundle seals: %w", err)
	}
	defer rows.Close()

	out := []BundleSeal{}
	for rows.Next() {
		var s BundleSeal
		var passed int
		if err := rows.Scan(&s.Seq, &s.BundleDir, &s.Segment, &s.State, &s.ManifestFingerprint,
			&s.ParameterHash, &passed, &s.FlagSHA256Hex, &s.Members, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan bundle seal: %w", err)
		}
		s.Passed = passed == 1
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bundle seals: %w", err)
	}
	return out, nil
}

// AccountingReports returns recorded accounting outcomes, optionally
// filtered by run id. Ordered by seq.
func (l *Ledger) AccountingReports(ctx context.Context, runID string) ([]AccountingReport, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, run_id, seed, manifest_fingerprint, parameter_hash,
		       passed, failures, summary_sha256_hex, recorded_at
		FROM accounting_reports
		WHERE ? = '' OR run_id = ?
		ORDER BY seq ASC
	`, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("query accounting reports: %w", err)
	}
	defer rows.Close()

	out := []AccountingReport{}
	for rows.Next() {
		r, err := scanAccountingReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounting reports: %w", err)
	}
	return out, nil
}

func scanAccountingReport(rows *sql.Rows) (AccountingReport, error) {
	var r AccountingReport
	var seed string
	var passed int
	if err := rows.Scan(&r.Seq, &r.RunID, &seed, &r.ManifestFingerprint, &r.ParameterHash,
		&passed, &r.Failures, &r.SummarySHA256Hex, &r.RecordedAt); err != nil {
		return r, fmt.Errorf("scan accounting report: %w", err)
	}
	n, err := strconv.ParseUint(seed, 10, 64)
	if err != nil {
		return r, fmt.Errorf("scan accounting report: seed %q: %w", seed, err)
	}
	r.Seed = n
	r.Passed = passed == 1
	return r, nil
}
