package gate

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/schema"
	"github.com/roach88/sealkit/internal/testutil"
)

const flagHex = "9999999999999999999999999999999999999999999999999999999999999999"

type fakeBundles struct {
	flag   string
	report failure.Report
	dirs   []string
}

func (f *fakeBundles) VerifyBundle(dir string) (string, failure.Report) {
	f.dirs = append(f.dirs, dir)
	return f.flag, f.report
}

func passing() failure.Report {
	return failure.Report{Passed: true, Failures: []failure.Failure{}}
}

func sampleReceipt() ir.GateReceipt {
	inputs := []ir.SealedAsset{
		{ID: "tile_weights", Path: "in/tile_weights.csv", SHA256Hex: strings.Repeat("a", 64)},
		{ID: "site_locations", Path: "in/site_locations", SHA256Hex: strings.Repeat("b", 64)},
	}
	return ir.GateReceipt{
		ManifestFingerprint: ir.MustManifestFingerprint(inputs),
		ParameterHash:       testutil.ParameterHash,
		UpstreamGates: map[string]ir.GateStatus{
			"1A": {Status: "PASS", BundlePath: "validation/1A", FlagSHA256Hex: flagHex},
			"1B": {Status: "FAIL"},
		},
		SealedInputs: inputs,
	}
}

func writeReceipt(t *testing.T, dir string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, "receipt.json")
	testutil.WriteFile(t, path, data)
	return path
}

func newValidator(t *testing.T, bundles BundleVerifier) *Validator {
	t.Helper()
	reg, err := schema.NewRegistry()
	require.NoError(t, err)
	return NewValidator(reg, bundles, nil)
}

func TestLoadAndValidate_OK(t *testing.T) {
	v := newValidator(t, nil)
	path := writeReceipt(t, t.TempDir(), sampleReceipt())

	r, err := v.LoadAndValidate(path, schema.GateReceiptV1)
	require.NoError(t, err)
	assert.Equal(t, "PASS", r.UpstreamGates["1A"].Status)
	assert.Len(t, r.SealedInputs, 2)
}

func TestLoadAndValidate_Missing(t *testing.T) {
	v := newValidator(t, nil)

	_, err := v.LoadAndValidate(filepath.Join(t.TempDir(), "receipt.json"), schema.GateReceiptV1)
	assert.True(t, failure.Is(err, failure.CodeUpstreamMissing))
}

func TestLoadAndValidate_UnknownKey(t *testing.T) {
	v := newValidator(t, nil)
	doc := map[string]any{
		"manifest_fingerprint": testutil.Fingerprint,
		"parameter_hash":       testutil.ParameterHash,
		"upstream_gates":       map[string]any{},
		"sealed_inputs":        []any{},
		"notes":                "hello",
	}
	path := writeReceipt(t, t.TempDir(), doc)

	_, err := v.LoadAndValidate(path, schema.GateReceiptV1)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeSchema))
	assert.Contains(t, err.Error(), "notes")
	assert.Contains(t, err.Error(), path)
}

func TestLoadAndValidate_AssetExtraFieldsAccepted(t *testing.T) {
	v := newValidator(t, nil)
	r := sampleReceipt()
	r.SealedInputs[0].Extra = map[string]json.RawMessage{"format": json.RawMessage(`"csv"`)}
	path := writeReceipt(t, t.TempDir(), r)

	got, err := v.LoadAndValidate(path, schema.GateReceiptV1)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"csv"`), got.SealedInputs[0].Extra["format"])
	assert.NoError(t, VerifyManifestFingerprint(got))
}

func TestLoadAndValidate_MissingKey(t *testing.T) {
	v := newValidator(t, nil)
	doc := map[string]any{
		"manifest_fingerprint": testutil.Fingerprint,
		"parameter_hash":       testutil.ParameterHash,
		"sealed_inputs":        []any{},
	}
	path := writeReceipt(t, t.TempDir(), doc)

	_, err := v.LoadAndValidate(path, schema.GateReceiptV1)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeSchema))
	assert.Contains(t, err.Error(), "upstream_gates")
}

func TestAssertUpstreamPass(t *testing.T) {
	r := sampleReceipt()

	assert.NoError(t, AssertUpstreamPass(&r, []string{"1A"}))
	assert.NoError(t, AssertUpstreamPass(&r, nil))

	err := AssertUpstreamPass(&r, []string{"1A", "1B"})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeUpstreamGate))
	assert.Contains(t, err.Error(), `1B="FAIL"`)

	err = AssertUpstreamPass(&r, []string{"3A", "1B"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3A=<absent>")

	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "1B", fe.Details["segment"])
}

func TestAssertUpstreamPass_CaseSensitive(t *testing.T) {
	r := sampleReceipt()
	r.UpstreamGates["2A"] = ir.GateStatus{Status: "pass"}

	assert.True(t, failure.Is(AssertUpstreamPass(&r, []string{"2A"}), failure.CodeUpstreamGate))
}

func TestRequiredSegments(t *testing.T) {
	r := sampleReceipt()

	got, err := RequiredSegments(&r, []string{"1B", "1A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1A", "1B"}, got)

	got, err = RequiredSegments(&r, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"1A", "1B"}, got)
	assert.True(t, failure.Is(AssertUpstreamPass(&r, got), failure.CodeUpstreamGate))

	r.UpstreamGates = map[string]ir.GateStatus{}
	_, err = RequiredSegments(&r, nil)
	assert.True(t, failure.Is(err, failure.CodeS0Precondition))
}

func TestCheckLineage(t *testing.T) {
	r := sampleReceipt()
	rc := testutil.RunContext()
	rc.ManifestFingerprint = r.ManifestFingerprint

	assert.NoError(t, CheckLineage(&r, rc))

	rc.ParameterHash = strings.Repeat("3", 64)
	err := CheckLineage(&r, rc)
	assert.True(t, failure.Is(err, failure.CodeS0Precondition))
	assert.Contains(t, err.Error(), "parameter_hash")
}

func TestVerifyManifestFingerprint(t *testing.T) {
	r := sampleReceipt()
	assert.NoError(t, VerifyManifestFingerprint(&r))

	r.SealedInputs[0].SHA256Hex = strings.Repeat("c", 64)
	err := VerifyManifestFingerprint(&r)
	assert.True(t, failure.Is(err, failure.CodeManifestFingerprint))

	r.SealedInputs[1].ID = r.SealedInputs[0].ID
	assert.True(t, failure.Is(VerifyManifestFingerprint(&r), failure.CodeSchema))
}

func TestRequireUpstreamBundle(t *testing.T) {
	base := t.TempDir()
	testutil.WriteTree(t, base, map[string]string{"validation/1A/_passed.flag": "x"})
	r := sampleReceipt()

	fb := &fakeBundles{flag: flagHex, report: passing()}
	v := newValidator(t, fb)

	require.NoError(t, v.RequireUpstreamBundle(&r, "1A", base))
	assert.Equal(t, []string{filepath.Join(base, "validation", "1A")}, fb.dirs)
}

func TestRequireUpstreamBundle_Missing(t *testing.T) {
	base := t.TempDir()
	r := sampleReceipt()
	v := newValidator(t, &fakeBundles{flag: flagHex, report: passing()})

	assert.True(t, failure.Is(v.RequireUpstreamBundle(&r, "1A", base), failure.CodeUpstreamMissing), "dir absent")
	assert.True(t, failure.Is(v.RequireUpstreamBundle(&r, "1B", base), failure.CodeUpstreamMissing), "no path")
	assert.True(t, failure.Is(v.RequireUpstreamBundle(&r, "9Z", base), failure.CodeUpstreamMissing), "no gate")
}

func TestRequireUpstreamBundle_FailsVerification(t *testing.T) {
	base := t.TempDir()
	testutil.WriteTree(t, base, map[string]string{"validation/1A/index.json": "[]"})
	r := sampleReceipt()

	var c failure.Collector
	c.Add(failure.CodePassFlagMissing, "_passed.flag", "missing")
	v := newValidator(t, &fakeBundles{report: c.Report()})

	err := v.RequireUpstreamBundle(&r, "1A", base)
	assert.True(t, failure.Is(err, failure.CodeUpstreamGate))
}

func TestRequireUpstreamBundle_FlagDiffersFromReceipt(t *testing.T) {
	base := t.TempDir()
	testutil.WriteTree(t, base, map[string]string{"validation/1A/_passed.flag": "x"})
	r := sampleReceipt()
	v := newValidator(t, &fakeBundles{flag: strings.Repeat("8", 64), report: passing()})

	err := v.RequireUpstreamBundle(&r, "1A", base)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeUpstreamGate))
	assert.Contains(t, err.Error(), flagHex)
}
