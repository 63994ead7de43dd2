package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sealkit/internal/testutil"
)

func createTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path, WithClock(testutil.NewDeterministicClock().Now))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	for i := 0; i < 3; i++ {
		l, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		l.Close()
	}

	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	for _, table := range []string{"materialisations", "bundle_seals", "accounting_reports"} {
		var name string
		err := l.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q not found after idempotent opens", table)
	}

	var version int
	require.NoError(t, l.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Pragmas(t *testing.T) {
	l := createTestLedger(t)

	assert.NoError(t, l.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, l.verifyPragma("busy_timeout", "5000"))
}

func TestClose_NilSafe(t *testing.T) {
	var l Ledger
	assert.NoError(t, l.Close())
}

func TestRecordMaterialisation_Idempotent(t *testing.T) {
	l := createTestLedger(t)
	ctx := context.Background()
	m := Materialisation{
		Target:    "data/site_locations/seed=42/part-00000.csv",
		Kind:      KindFile,
		SHA256Hex: "aa",
		SizeBytes: 10,
		Outcome:   OutcomeWritten,
	}

	require.NoError(t, l.RecordMaterialisation(ctx, m))
	require.NoError(t, l.RecordMaterialisation(ctx, m))
	resumed := m
	resumed.Outcome = OutcomeResumed
	require.NoError(t, l.RecordMaterialisation(ctx, resumed))
	require.NoError(t, l.RecordMaterialisation(ctx, resumed))

	got, err := l.Materialisations(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, OutcomeWritten, got[0].Outcome)
	assert.Equal(t, OutcomeResumed, got[1].Outcome)
	assert.Less(t, got[0].Seq, got[1].Seq)
	assert.Equal(t, "2025-01-01T00:00:00Z", got[0].RecordedAt)
}

func TestMaterialisations_FilterByTarget(t *testing.T) {
	l := createTestLedger(t)
	ctx := context.Background()

	for _, target := range []string{"a", "b", "a"} {
		require.NoError(t, l.RecordMaterialisation(ctx, Materialisation{
			Target: target, Kind: KindDir, SHA256Hex: target + "-digest", Outcome: OutcomeWritten,
		}))
	}

	got, err := l.Materialisations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindDir, got[0].Kind)

	none, err := l.Materialisations(ctx, "zzz")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestRecordMaterialisation_RejectsBadKind(t *testing.T) {
	l := createTestLedger(t)

	err := l.RecordMaterialisation(context.Background(), Materialisation{
		Target: "x", Kind: "symlink", SHA256Hex: "aa", Outcome: OutcomeWritten,
	})
	assert.Error(t, err, "CHECK constraint")
}

func TestRecordBundleSeal(t *testing.T) {
	l := createTestLedger(t)
	ctx := context.Background()
	s := BundleSeal{
		BundleDir:           "validation/1B/fingerprint=11",
		Segment:             "1B",
		State:               "S9",
		ManifestFingerprint: testutil.Fingerprint,
		ParameterHash:       testutil.ParameterHash,
		Passed:              true,
		FlagSHA256Hex:       "ff",
		Members:             8,
	}

	require.NoError(t, l.RecordBundleSeal(ctx, s))
	require.NoError(t, l.RecordBundleSeal(ctx, s))

	got, err := l.BundleSeals(ctx, "1B")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Passed)
	assert.Equal(t, 8, got[0].Members)
	assert.Equal(t, "S9", got[0].State)

	other, err := l.BundleSeals(ctx, "2A")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRecordAccountingReport_FullSeedRange(t *testing.T) {
	l := createTestLedger(t)
	ctx := context.Background()
	r := AccountingReport{
		RunID:               testutil.RunID,
		Seed:                1<<64 - 1,
		ManifestFingerprint: testutil.Fingerprint,
		ParameterHash:       testutil.ParameterHash,
		Passed:              false,
		Failures:            3,
		SummarySHA256Hex:    "cc",
	}

	require.NoError(t, l.RecordAccountingReport(ctx, r))
	require.NoError(t, l.RecordAccountingReport(ctx, r))

	got, err := l.AccountingReports(ctx, testutil.RunID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1<<64-1), got[0].Seed)
	assert.False(t, got[0].Passed)
	assert.Equal(t, 3, got[0].Failures)
}

func TestLedger_SharedAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l1.RecordMaterialisation(ctx, Materialisation{
		Target: "x", Kind: KindFile, SHA256Hex: "aa", Outcome: OutcomeWritten,
	}))
	require.NoError(t, l1.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	got, err := l2.Materialisations(ctx, "x")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
