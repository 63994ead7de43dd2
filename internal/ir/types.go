package ir

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Gate status values. Anything other than StatusPass is a failing gate.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// RunContext is the lineage a state was started with. Every RNG record
// and every receipt the state consumes must agree with it.
type RunContext struct {
	Seed                uint64 `json:"seed"`
	RunID               string `json:"run_id"`
	ManifestFingerprint string `json:"manifest_fingerprint"`
	ParameterHash       string `json:"parameter_hash"`
	Algorithm           string `json:"algorithm,omitempty"` // empty = not checked
}

// CheckDigests fails when the manifest fingerprint or parameter hash is
// not a SHA-256 hex digest.
func (rc RunContext) CheckDigests() error {
	if !IsSHA256Hex(rc.ManifestFingerprint) {
		return fmt.Errorf("manifest_fingerprint %q is not a sha256 hex digest", rc.ManifestFingerprint)
	}
	if !IsSHA256Hex(rc.ParameterHash) {
		return fmt.Errorf("parameter_hash %q is not a sha256 hex digest", rc.ParameterHash)
	}
	return nil
}

// SubstreamKey identifies one RNG substream within a run.
type SubstreamKey struct {
	Module         string `json:"module"`
	SubstreamLabel string `json:"substream_label"`
}

func (k SubstreamKey) String() string {
	return k.Module + "/" + k.SubstreamLabel
}

// Less orders substreams by module, then label.
func (k SubstreamKey) Less(o SubstreamKey) bool {
	if k.Module != o.Module {
		return k.Module < o.Module
	}
	return k.SubstreamLabel < o.SubstreamLabel
}

// RngEvent is one draw-batch record, decoded from an event log line.
// Events are immutable; ordering within a substream comes from Key, not
// from file order.
type RngEvent struct {
	Module         string
	SubstreamLabel string
	Blocks         uint64
	Draws          Draws
	CounterBefore  Counter
	CounterAfter   Counter

	// Key identifies the business entity the draw was for.
	Key LogicalKey

	// AttemptIndex and Accepted are set for retry-bearing draws.
	AttemptIndex *int64
	Accepted     *bool

	// Lineage fields are optional on the wire; empty/nil means absent.
	RunID               string
	Seed                *uint64
	ParameterHash       string
	ManifestFingerprint string

	// Source is "<file>:<line>" for diagnostics.
	Source string
}

// Substream returns the event's substream key.
func (e RngEvent) Substream() SubstreamKey {
	return SubstreamKey{Module: e.Module, SubstreamLabel: e.SubstreamLabel}
}

// RngTraceRecord is the per-substream summary a producer writes.
type RngTraceRecord struct {
	TsUTC               string  `json:"ts_utc,omitempty"`
	RunID               string  `json:"run_id,omitempty"`
	Seed                *uint64 `json:"seed,omitempty"`
	ParameterHash       string  `json:"parameter_hash,omitempty"`
	ManifestFingerprint string  `json:"manifest_fingerprint,omitempty"`
	Module              string  `json:"module"`
	SubstreamLabel      string  `json:"substream_label"`
	EventsTotal         uint64  `json:"events_total"`
	BlocksTotal         uint64  `json:"blocks_total"`
	DrawsTotal          Draws   `json:"draws_total"`
	CounterBeforeLo     *uint64 `json:"rng_counter_before_lo,omitempty"`
	CounterBeforeHi     *uint64 `json:"rng_counter_before_hi,omitempty"`
	CounterAfterLo      uint64  `json:"rng_counter_after_lo"`
	CounterAfterHi      uint64  `json:"rng_counter_after_hi"`
}

// Substream returns the record's substream key.
func (r RngTraceRecord) Substream() SubstreamKey {
	return SubstreamKey{Module: r.Module, SubstreamLabel: r.SubstreamLabel}
}

// CounterAfterFinal is the counter after the last event in key order.
func (r RngTraceRecord) CounterAfterFinal() Counter {
	return NewCounter(r.CounterAfterLo, r.CounterAfterHi)
}

// CounterBeforeFirst returns the declared starting counter, if any.
func (r RngTraceRecord) CounterBeforeFirst() (Counter, bool) {
	if r.CounterBeforeLo == nil || r.CounterBeforeHi == nil {
		return Counter{}, false
	}
	return NewCounter(*r.CounterBeforeLo, *r.CounterBeforeHi), true
}

// RngAuditRecord is the single run-level audit line.
type RngAuditRecord struct {
	TsUTC               string `json:"ts_utc"`
	RunID               string `json:"run_id"`
	Seed                uint64 `json:"seed"`
	ManifestFingerprint string `json:"manifest_fingerprint"`
	ParameterHash       string `json:"parameter_hash"`
	Algorithm           string `json:"algorithm"`
	BuildCommit         string `json:"build_commit"`
}

// SealedAsset is one frozen upstream input, referenced by content digest.
// Directory-valued assets are digested with the aggregate rule.
type SealedAsset struct {
	ID        string            `json:"id"`
	Path      string            `json:"path"`
	SHA256Hex string            `json:"sha256_hex"`
	SizeBytes int64             `json:"size_bytes,omitempty"`
	SchemaRef string            `json:"schema_ref,omitempty"`
	Partition map[string]string `json:"partition,omitempty"`

	// Extra holds inventory fields the kernel does not interpret. They
	// round-trip through JSON unchanged and are not fingerprinted.
	Extra map[string]json.RawMessage `json:"-"`
}

// sealedAssetFields has SealedAsset's fields without its JSON methods.
type sealedAssetFields SealedAsset

var sealedAssetKeys = map[string]bool{
	"id":         true,
	"path":       true,
	"sha256_hex": true,
	"size_bytes": true,
	"schema_ref": true,
	"partition":  true,
}

// UnmarshalJSON decodes the known fields by exact name and keeps every
// other member in Extra.
func (a *SealedAsset) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	known := make(map[string]json.RawMessage, len(sealedAssetKeys))
	var extra map[string]json.RawMessage
	for k, v := range members {
		if sealedAssetKeys[k] {
			known[k] = v
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}

	raw, err := json.Marshal(known)
	if err != nil {
		return err
	}
	var fields sealedAssetFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	fields.Extra = extra
	*a = SealedAsset(fields)
	return nil
}

// MarshalJSON writes the known fields and every Extra member.
func (a SealedAsset) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(sealedAssetFields(a))
	if err != nil || len(a.Extra) == 0 {
		return raw, err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if sealedAssetKeys[k] {
			return nil, fmt.Errorf("sealed asset %q: extra field %q shadows a known field", a.ID, k)
		}
		members[k] = v
	}
	return json.Marshal(members)
}

// GateStatus is one upstream segment's verdict as recorded in a receipt.
type GateStatus struct {
	Status        string `json:"status"`
	BundlePath    string `json:"bundle_path,omitempty"`
	FlagSHA256Hex string `json:"flag_sha256_hex,omitempty"`
}

// GateReceipt is the evidence a segment run publishes for its consumers.
type GateReceipt struct {
	ReceiptVersion      string                `json:"receipt_version,omitempty"`
	Segment             string                `json:"segment,omitempty"`
	State               string                `json:"state,omitempty"`
	RunID               string                `json:"run_id,omitempty"`
	Seed                *uint64               `json:"seed,omitempty"`
	ManifestFingerprint string                `json:"manifest_fingerprint"`
	ParameterHash       string                `json:"parameter_hash"`
	UpstreamGates       map[string]GateStatus `json:"upstream_gates"`
	SealedInputs        []SealedAsset         `json:"sealed_inputs"`
}

// BundleIndexEntry is one line of a bundle's index.json.
type BundleIndexEntry struct {
	Path string `json:"path"`
}

// IsSHA256Hex reports whether s is 64 lowercase hex characters.
func IsSHA256Hex(s string) bool {
	if len(s) != 64 || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
