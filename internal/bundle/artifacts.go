package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/rngaudit"
	"github.com/roach88/sealkit/internal/schema"
)

// Standard member names.
const (
	ManifestFile            = "MANIFEST.json"
	ParameterHashFile       = "parameter_hash_resolved.json"
	ManifestFingerprintFile = "manifest_fingerprint_resolved.json"
	EgressFile              = "egress_checksums.json"
)

// SummaryFile returns the name of a state's summary member, e.g.
// "s9_summary.json" for state "S9".
func SummaryFile(state string) string {
	return strings.ToLower(state) + "_summary.json"
}

// ArtifactInputs feeds StandardArtifacts.
type ArtifactInputs struct {
	Segment string
	State   string
	Run     ir.RunContext

	// Receipt is the gate receipt the state started from.
	Receipt *ir.GateReceipt

	// Parameters are the resolved policy values behind the parameter hash.
	// Optional; encoded with ir.DocumentLine.
	Parameters map[string]any

	// RngAccounting is the rngaudit.Summary output.
	RngAccounting []byte

	// Summary is the state's own summary document, encoded with
	// ir.DocumentLine.
	Summary any

	// Egress maps partition names to on-disk paths of the outputs the
	// state materialised.
	Egress map[string]string
}

type manifestDoc struct {
	Segment       string                   `json:"segment"`
	State         string                   `json:"state"`
	Run           ir.RunContext            `json:"run"`
	UpstreamGates map[string]ir.GateStatus `json:"upstream_gates"`
	SealedInputs  []ir.SealedAsset         `json:"sealed_inputs"`
}

type parameterDoc struct {
	ParameterHash string         `json:"parameter_hash"`
	Parameters    map[string]any `json:"parameters"`
}

type fingerprintInput struct {
	ID        string `json:"id"`
	SHA256Hex string `json:"sha256_hex"`
}

type fingerprintDoc struct {
	ManifestFingerprint string             `json:"manifest_fingerprint"`
	Inputs              []fingerprintInput `json:"inputs"`
}

// EgressPartition is one entry of egress_checksums.json.
type EgressPartition struct {
	Name      string              `json:"name"`
	SHA256Hex string              `json:"sha256_hex"`
	SizeBytes int64               `json:"size_bytes"`
	Files     []digest.FileDigest `json:"files"`
}

// EgressChecksums is the egress_checksums.json document.
type EgressChecksums struct {
	Partitions []EgressPartition `json:"partitions"`
}

// Digests returns partition name -> declared digest.
func (e EgressChecksums) Digests() map[string]string {
	out := make(map[string]string, len(e.Partitions))
	for _, p := range e.Partitions {
		out[p.Name] = p.SHA256Hex
	}
	return out
}

// StandardArtifacts renders the standard bundle members: MANIFEST.json,
// the two resolved-hash files, rng_accounting.json, the state summary and
// egress_checksums.json. Every member is canonical JSON, so equal inputs
// always produce byte-identical members.
func (a *Assembler) StandardArtifacts(in ArtifactInputs) (map[string][]byte, error) {
	if in.Receipt == nil {
		return nil, fmt.Errorf("standard artifacts: receipt is required")
	}
	if in.State == "" {
		return nil, fmt.Errorf("standard artifacts: state is required")
	}

	sealedInputs := make([]ir.SealedAsset, len(in.Receipt.SealedInputs))
	copy(sealedInputs, in.Receipt.SealedInputs)
	sort.Slice(sealedInputs, func(i, j int) bool { return sealedInputs[i].ID < sealedInputs[j].ID })
	gates := in.Receipt.UpstreamGates
	if gates == nil {
		gates = map[string]ir.GateStatus{}
	}

	inputs := make([]fingerprintInput, len(sealedInputs))
	for i, s := range sealedInputs {
		inputs[i] = fingerprintInput{ID: s.ID, SHA256Hex: s.SHA256Hex}
	}
	params := in.Parameters
	if params == nil {
		params = map[string]any{}
	}

	egress, err := a.EgressChecksums(in.Egress)
	if err != nil {
		return nil, err
	}

	summary := in.Summary
	if summary == nil {
		summary = map[string]any{}
	}
	rng := in.RngAccounting
	if rng == nil {
		return nil, fmt.Errorf("standard artifacts: rng accounting summary is required")
	}

	// Parameters, the summary and the copied inventory (whose Extra fields
	// are upstream data) may carry floats and nulls. The kernel's own
	// members stay integer-only.
	docs := []struct {
		name     string
		doc      any
		document bool
	}{
		{ManifestFile, manifestDoc{
			Segment:       in.Segment,
			State:         in.State,
			Run:           in.Run,
			UpstreamGates: gates,
			SealedInputs:  sealedInputs,
		}, true},
		{ParameterHashFile, parameterDoc{ParameterHash: in.Run.ParameterHash, Parameters: params}, true},
		{ManifestFingerprintFile, fingerprintDoc{ManifestFingerprint: in.Run.ManifestFingerprint, Inputs: inputs}, false},
		{SummaryFile(in.State), summary, true},
		{EgressFile, egress, false},
	}

	out := make(map[string][]byte, len(docs)+1)
	for _, d := range docs {
		encode := ir.CanonicalLine
		if d.document {
			encode = ir.DocumentLine
		}
		data, err := encode(d.doc)
		if err != nil {
			return nil, failure.Wrap(failure.CodeSchema, err, "bundle member %s is not canonical-encodable", d.name).
				With("artifact", d.name)
		}
		out[d.name] = data
	}
	out[rngaudit.SummaryFile] = rng
	return out, nil
}

// EgressChecksums digests each named output partition the way a sealed
// inventory declares it (see digest.PathDigest.AssetSHA256). Paths are not
// recorded, so the document does not depend on where the data root lives.
func (a *Assembler) EgressChecksums(egress map[string]string) (EgressChecksums, error) {
	names := make([]string, 0, len(egress))
	for name := range egress {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := EgressChecksums{Partitions: make([]EgressPartition, 0, len(names))}
	for _, name := range names {
		pd, err := a.hasher.HashPath(egress[name], "egress "+name)
		if err != nil {
			return EgressChecksums{}, err
		}
		files := pd.Files
		if files == nil {
			files = []digest.FileDigest{}
		}
		doc.Partitions = append(doc.Partitions, EgressPartition{
			Name:      name,
			SHA256Hex: pd.AssetSHA256(),
			SizeBytes: pd.SizeBytes,
			Files:     files,
		})
	}
	return doc, nil
}

// ReadEgress loads egress_checksums.json from a sealed bundle. The second
// return is false when the bundle does not exist yet.
func ReadEgress(dir string) (EgressChecksums, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, EgressFile))
	if errors.Is(err, fs.ErrNotExist) {
		return EgressChecksums{}, false, nil
	}
	if err != nil {
		return EgressChecksums{}, false, failure.Wrap(failure.CodeIO, err, "read %s", EgressFile)
	}
	var doc EgressChecksums
	if err := schema.DecodeStrict(data, &doc); err != nil {
		return EgressChecksums{}, true, failure.Wrap(failure.CodeSchema, err, "%s in %s", EgressFile, dir)
	}
	return doc, true, nil
}
