package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sealkit/internal/bundle"
	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/testutil"
)

const tileWeights = "tile,weight\n1,0.5\n2,0.5\n"

// workspace is a data root with a config file pointing at it.
type workspace struct {
	root   string
	config string
}

func newWorkspace(t *testing.T, ledger bool) *workspace {
	t.Helper()
	root := t.TempDir()
	cfg := fmt.Sprintf("data_root: %s\nlog_level: error\ngates:\n  1B: [1A]\n", root)
	if ledger {
		cfg += "ledger_path: ledger.db\n"
	}
	p := filepath.Join(root, "sealkit.yaml")
	testutil.WriteFile(t, p, []byte(cfg))
	return &workspace{root: root, config: p}
}

func (w *workspace) path(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

func (w *workspace) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := w.path(rel)
	testutil.WriteFile(t, p, []byte(content))
	return p
}

// run executes the root command and returns stdout.
func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", w.config}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

// runJSON executes with --format json and decodes the envelope.
func (w *workspace) runJSON(t *testing.T, args ...string) (CLIResponse, error) {
	t.Helper()
	out, err := w.run(t, append([]string{"--format", "json"}, args...)...)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp, err
}

func (w *workspace) receipt(t *testing.T, rel string, r ir.GateReceipt) {
	t.Helper()
	data, err := ir.CanonicalLine(r)
	require.NoError(t, err)
	w.write(t, rel, string(data))
}

func sealedReceipt(status string) ir.GateReceipt {
	inputs := []ir.SealedAsset{{
		ID:        "tile_weights",
		Path:      "inputs/tile_weights.csv",
		SHA256Hex: digest.SHA256Hex([]byte(tileWeights)),
	}}
	return ir.GateReceipt{
		ManifestFingerprint: ir.MustManifestFingerprint(inputs),
		ParameterHash:       testutil.ParameterHash,
		UpstreamGates:       map[string]ir.GateStatus{"1A": {Status: status}},
		SealedInputs:        inputs,
	}
}

func TestHash(t *testing.T) {
	w := newWorkspace(t, false)
	file := w.write(t, "inputs/tile_weights.csv", tileWeights)
	w.write(t, "inputs/dir/b.csv", "b\n")
	w.write(t, "inputs/dir/a.csv", "a\n")

	out, err := w.run(t, "hash", file)
	require.NoError(t, err)
	assert.Equal(t, digest.SHA256Hex([]byte(tileWeights))+"  "+file+"\n", out)

	resp, err := w.runJSON(t, "hash", w.path("inputs/dir"))
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	want := digest.SHA256Hex([]byte("a.csv\n" + digest.SHA256Hex([]byte("a\n")) + "\n" +
		"b.csv\n" + digest.SHA256Hex([]byte("b\n")) + "\n"))
	assert.Equal(t, want, data["sha256_hex"])
	assert.Equal(t, want, data["aggregate_sha256_hex"])
	assert.Len(t, data["files"], 2)
}

func TestHash_MissingPath(t *testing.T) {
	w := newWorkspace(t, false)

	resp, err := w.runJSON(t, "hash", w.path("absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "E_IO", resp.Error.Code)
}

func TestGate(t *testing.T) {
	w := newWorkspace(t, false)
	w.receipt(t, "receipts/ok.json", sealedReceipt(ir.StatusPass))
	w.receipt(t, "receipts/fail.json", sealedReceipt(ir.StatusFail))

	out, err := w.run(t, "gate", "--receipt", "receipts/ok.json", "--require", "1A", "--verify-fingerprint")
	require.NoError(t, err)
	assert.Contains(t, out, "Gate open: upstream PASS for [1A]")

	resp, err := w.runJSON(t, "gate", "--receipt", "receipts/fail.json", "--segment", "1B")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "E_UPSTREAM_GATE", resp.Error.Code)
	assert.Equal(t, map[string]any{"segment": "1A"}, resp.Error.Details)
}

func TestGate_Failures(t *testing.T) {
	w := newWorkspace(t, false)
	w.receipt(t, "receipts/ok.json", sealedReceipt(ir.StatusPass))
	bad := sealedReceipt(ir.StatusPass)
	bad.ManifestFingerprint = strings.Repeat("9", 64)
	w.receipt(t, "receipts/forged.json", bad)
	w.write(t, "receipts/extra.json", `{"manifest_fingerprint":"x","parameter_hash":"y","upstream_gates":{},"sealed_inputs":[],"extra":1}`)
	w.receipt(t, "receipts/fail.json", sealedReceipt(ir.StatusFail))
	orphan := sealedReceipt(ir.StatusPass)
	orphan.UpstreamGates = map[string]ir.GateStatus{}
	w.receipt(t, "receipts/orphan.json", orphan)

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"missing receipt", []string{"--receipt", "receipts/none.json"}, "E_UPSTREAM_MISSING"},
		{"schema", []string{"--receipt", "receipts/extra.json"}, "E_SCHEMA"},
		{"lineage", []string{"--receipt", "receipts/ok.json", "--parameter-hash", strings.Repeat("3", 64)}, "E_S0_PRECONDITION"},
		{"fingerprint", []string{"--receipt", "receipts/forged.json", "--verify-fingerprint"}, "E_MANIFEST_FINGERPRINT"},
		{"absent segment", []string{"--receipt", "receipts/ok.json", "--require", "0Z"}, "E_UPSTREAM_GATE"},
		{"no bundle", []string{"--receipt", "receipts/ok.json", "--require", "1A", "--verify-bundles"}, "E_UPSTREAM_MISSING"},
		{"nothing required", []string{"--receipt", "receipts/fail.json"}, "E_UPSTREAM_GATE"},
		{"unconfigured segment", []string{"--receipt", "receipts/fail.json", "--segment", "9Z"}, "E_UPSTREAM_GATE"},
		{"no upstream gates", []string{"--receipt", "receipts/orphan.json"}, "E_S0_PRECONDITION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := w.runJSON(t, append([]string{"gate"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	t.Run("malformed lineage flag", func(t *testing.T) {
		resp, err := w.runJSON(t, "gate", "--receipt", "receipts/ok.json", "--parameter-hash", "ABC")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Equal(t, ErrCodeCommand, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "parameter_hash")
	})
}

func TestResolve(t *testing.T) {
	w := newWorkspace(t, false)
	w.write(t, "inputs/tile_weights.csv", tileWeights)
	w.receipt(t, "receipts/1A.json", sealedReceipt(ir.StatusPass))

	resp, err := w.runJSON(t, "resolve", "--receipt", "receipts/1A.json")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"paths": map[string]any{"tile_weights": w.path("inputs/tile_weights.csv")},
	}, resp.Data)

	_, err = w.run(t, "resolve", "--receipt", "receipts/1A.json", "tile_weights")
	require.NoError(t, err)

	resp, err = w.runJSON(t, "resolve", "--receipt", "receipts/1A.json", "iso_countries")
	require.Error(t, err)
	assert.Equal(t, "E_ASSET_MISSING", resp.Error.Code)
}

func TestResolve_Drift(t *testing.T) {
	w := newWorkspace(t, false)
	w.write(t, "inputs/tile_weights.csv", "tile,weight\n1,1\n")
	w.receipt(t, "receipts/1A.json", sealedReceipt(ir.StatusPass))

	out, err := w.run(t, "resolve", "--receipt", "receipts/1A.json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E_ASSET_DIGEST")
	assert.Contains(t, out, "tile_weights")
}

func TestMaterialise(t *testing.T) {
	w := newWorkspace(t, true)
	src := w.write(t, "staging/site.csv", "merchant_id,site_order\n1,1\n")
	other := w.write(t, "staging/other.csv", "merchant_id,site_order\n1,2\n")

	resp, err := w.runJSON(t, "materialise", "data/site/part-00000.csv", "--from", src)
	require.NoError(t, err)
	assert.Equal(t, "written", resp.Data.(map[string]any)["outcome"])

	resp, err = w.runJSON(t, "materialise", "data/site/part-00000.csv", "--from", src)
	require.NoError(t, err)
	assert.Equal(t, "resumed", resp.Data.(map[string]any)["outcome"])

	resp, err = w.runJSON(t, "materialise", "data/site/part-00000.csv", "--from", other)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "E_IMMUTABLE_PARTITION_EXISTS_NONIDENTICAL", resp.Error.Code)
	details := resp.Error.Details.(map[string]any)
	assert.Equal(t, digest.SHA256Hex([]byte("merchant_id,site_order\n1,1\n")), details["existing_sha256_hex"])

	assert.Equal(t, "merchant_id,site_order\n1,1\n", string(testutil.ReadFile(t, w.path("data/site/part-00000.csv"))))

	hist, err := w.runJSON(t, "history", "materialisations")
	require.NoError(t, err)
	rows := hist.Data.([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "written", rows[0].(map[string]any)["outcome"])
	assert.Equal(t, "resumed", rows[1].(map[string]any)["outcome"])
}

func TestMaterialise_DirectoryAndStdin(t *testing.T) {
	w := newWorkspace(t, false)
	w.write(t, "staging/part/a.csv", "a\n")
	w.write(t, "staging/part/sub/b.csv", "b\n")

	_, err := w.run(t, "materialise", "data/part", "--from", w.path("staging/part"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.csv", "sub/b.csv"}, testutil.ListTree(t, w.path("data/part")))

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetIn(strings.NewReader("from stdin\n"))
	cmd.SetArgs([]string{"--config", w.config, "materialise", "data/stdin.txt", "--from", "-"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "written data/stdin.txt")
	assert.Equal(t, "from stdin\n", string(testutil.ReadFile(t, w.path("data/stdin.txt"))))
}

func TestMaterialise_RelativeFromResolvesAgainstDataRoot(t *testing.T) {
	w := newWorkspace(t, false)
	w.write(t, "staging/site.csv", "merchant_id,site_order\n1,1\n")
	w.write(t, "staging/part/a.csv", "a\n")

	_, err := w.run(t, "materialise", "data/site/part-00000.csv", "--from", "staging/site.csv")
	require.NoError(t, err)
	assert.Equal(t, "merchant_id,site_order\n1,1\n", string(testutil.ReadFile(t, w.path("data/site/part-00000.csv"))))

	_, err = w.run(t, "materialise", "data/part", "--from", "staging/part")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.csv"}, testutil.ListTree(t, w.path("data/part")))

	resp, err := w.runJSON(t, "materialise", "data/none.csv", "--from", "staging/none.csv")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeCommand, resp.Error.Code)
}

func TestSealAndVerify(t *testing.T) {
	w := newWorkspace(t, true)
	w.write(t, "staging/bundle/MANIFEST.json", `{"segment":"1B"}`+"\n")
	w.write(t, "staging/bundle/rng_accounting.json", `{"passed":true}`+"\n")

	resp, err := w.runJSON(t, "seal", "validation/1B", "--from", w.path("staging/bundle"),
		"--segment", "1B", "--state", "S9")
	require.NoError(t, err)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["passed"])
	assert.Equal(t, "written", data["outcome"])
	flagHex := data["flag_sha256_hex"].(string)
	assert.Equal(t, bundle.FlagLine(flagHex), testutil.ReadFile(t, w.path("validation/1B/_passed.flag")))

	out, err := w.run(t, "verify", "validation/1B")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ PASS validation/1B")
	assert.Contains(t, out, flagHex)

	require.NoError(t, os.WriteFile(w.path("validation/1B/MANIFEST.json"), []byte(`{"segment":"1C"}`+"\n"), 0o644))
	vresp, err := w.runJSON(t, "verify", "validation/1B")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "E_PASS_FLAG_MISMATCH", vresp.Error.Code)

	hist, err := w.runJSON(t, "history", "seals", "--filter", "1B")
	require.NoError(t, err)
	require.Len(t, hist.Data, 1)
}

func TestSeal_Failed(t *testing.T) {
	w := newWorkspace(t, false)
	w.write(t, "staging/bundle/rng_accounting.json", `{"passed":false}`+"\n")

	out, err := w.run(t, "seal", "validation/1B", "--from", "staging/bundle",
		"--segment", "1B", "--state", "S9", "--failed")
	require.NoError(t, err)
	assert.Contains(t, out, "without PASS flag")

	resp, err := w.runJSON(t, "verify", "validation/1B")
	require.Error(t, err)
	assert.Equal(t, "E_PASS_FLAG_MISSING", resp.Error.Code)
}

func TestRngAudit(t *testing.T) {
	w := newWorkspace(t, true)
	rc := testutil.RunContext()
	testutil.WriteJSONL(t, w.path("rng/events.jsonl"),
		testutil.Event("1B.S6", "in_cell_jitter", 10, 11, 1, "2", "merchant_id", 1),
		testutil.Event("1B.S6", "in_cell_jitter", 11, 12, 1, "2", "merchant_id", 2),
	)
	testutil.WriteJSONL(t, w.path("rng/trace.jsonl"), testutil.Trace("1B.S6", "in_cell_jitter", 2, 2, "4", 12))
	testutil.WriteJSONL(t, w.path("rng/audit.json"), testutil.Audit(rc))

	args := []string{"rng-audit",
		"--events", "rng/events.jsonl", "--trace", "rng/trace.jsonl", "--audit", "rng/audit.json",
		"--run-id", rc.RunID, "--seed", fmt.Sprint(rc.Seed),
		"--manifest-fingerprint", rc.ManifestFingerprint, "--parameter-hash", rc.ParameterHash,
	}

	out, err := w.run(t, append(args, "--out", "validation/rng_accounting.json")...)
	require.NoError(t, err)
	assert.Contains(t, out, "RNG accounting passed: 1 substream(s)")
	assert.Contains(t, out, "1B.S6/in_cell_jitter  events=2 blocks=2 draws=4 counter=10..12")
	assert.Contains(t, string(testutil.ReadFile(t, w.path("validation/rng_accounting.json"))), `"passed":true`)

	hist, err := w.runJSON(t, "history", "materialisations", "--filter", w.path("validation/rng_accounting.json"))
	require.NoError(t, err)
	assert.Len(t, hist.Data, 1)

	// A gap between the two events.
	testutil.WriteJSONL(t, w.path("rng/events.jsonl"),
		testutil.Event("1B.S6", "in_cell_jitter", 10, 11, 1, "2", "merchant_id", 1),
		testutil.Event("1B.S6", "in_cell_jitter", 12, 13, 1, "2", "merchant_id", 2),
	)
	resp, err := w.runJSON(t, args...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, "E907_RNG_BUDGET_OR_COUNTERS", resp.Error.Code)

	bad := append([]string{}, args...)
	bad[len(bad)-3] = strings.Repeat("Z", 64)
	resp, err = w.runJSON(t, bad...)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeCommand, resp.Error.Code)
}

func TestHistory(t *testing.T) {
	t.Run("no ledger", func(t *testing.T) {
		w := newWorkspace(t, false)
		resp, err := w.runJSON(t, "history", "seals")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Equal(t, ErrCodeCommand, resp.Error.Code)
	})

	t.Run("unknown kind", func(t *testing.T) {
		w := newWorkspace(t, true)
		_, err := w.run(t, "history", "receipts")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("empty", func(t *testing.T) {
		w := newWorkspace(t, true)
		out, err := w.run(t, "history", "accounting")
		require.NoError(t, err)
		assert.Equal(t, "0 accounting report(s)\n", out)
	})
}
