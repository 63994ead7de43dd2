package testutil

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/sealkit/internal/ir"
)

// Lineage values shared by fixtures.
const (
	Fingerprint   = "1111111111111111111111111111111111111111111111111111111111111111"
	ParameterHash = "2222222222222222222222222222222222222222222222222222222222222222"
	RunID         = "run-0001"
	Seed          = uint64(42)
	Algorithm     = "philox2x64-10"
)

// RunContext returns the lineage every fixture record agrees with.
func RunContext() ir.RunContext {
	return ir.RunContext{
		Seed:                Seed,
		RunID:               RunID,
		ManifestFingerprint: Fingerprint,
		ParameterHash:       ParameterHash,
		Algorithm:           Algorithm,
	}
}

// Record is one JSON log line under construction.
type Record map[string]any

// Event builds an RNG event line. Counters are given as low words; the
// high words are zero. keys are alternating field name / value pairs.
func Event(module, label string, before, after, blocks uint64, draws string, keys ...any) Record {
	r := Record{
		"module":                module,
		"substream_label":       label,
		"blocks":                blocks,
		"draws":                 draws,
		"rng_counter_before_lo": before,
		"rng_counter_before_hi": uint64(0),
		"rng_counter_after_lo":  after,
		"rng_counter_after_hi":  uint64(0),
	}
	for i := 0; i+1 < len(keys); i += 2 {
		r[keys[i].(string)] = keys[i+1]
	}
	return r
}

// Trace builds a trace line.
func Trace(module, label string, events, blocks uint64, draws string, afterLo uint64) Record {
	return Record{
		"module":               module,
		"substream_label":      label,
		"events_total":         events,
		"blocks_total":         blocks,
		"draws_total":          draws,
		"rng_counter_after_lo": afterLo,
		"rng_counter_after_hi": uint64(0),
	}
}

// Audit builds the run-level audit line for rc.
func Audit(rc ir.RunContext) Record {
	return Record{
		"ts_utc":               Epoch.Format("2006-01-02T15:04:05Z"),
		"run_id":               rc.RunID,
		"seed":                 rc.Seed,
		"manifest_fingerprint": rc.ManifestFingerprint,
		"parameter_hash":       rc.ParameterHash,
		"algorithm":            rc.Algorithm,
		"build_commit":         "0000000",
	}
}

// With returns a copy of r with field set to value.
func (r Record) With(field string, value any) Record {
	out := make(Record, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out[field] = value
	return out
}

// Without returns a copy of r without field.
func (r Record) Without(field string) Record {
	out := make(Record, len(r))
	for k, v := range r {
		if k != field {
			out[k] = v
		}
	}
	return out
}

// JSONL renders records as newline-terminated JSON lines.
func JSONL(t testing.TB, records ...Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, r := range records {
		line, err := json.Marshal(r)
		require.NoError(t, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// WriteJSONL writes records to path as JSON lines.
func WriteJSONL(t testing.TB, path string, records ...Record) {
	t.Helper()
	WriteFile(t, path, JSONL(t, records...))
}
