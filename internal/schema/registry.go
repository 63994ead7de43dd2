// Package schema validates kernel documents against versioned CUE
// definitions.
//
// A Registry is built once at process start and passed to every component
// that parses external documents. There is no package-level registry.
//
// Validation has two layers. CUE checks shape (closed structs, required
// fields, digest formats) and reports the first error's field path. A
// strict encoding/json decode then fills the Go struct, rejecting unknown
// fields a second time so the struct and the schema cannot drift apart
// silently.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/sealkit/internal/failure"
)

//go:embed schemas/*.cue
var schemaFS embed.FS

// Kind names a document type.
type Kind string

const (
	KindGateReceipt Kind = "gate_receipt"
	KindRngEvent    Kind = "rng_event"
	KindRngTrace    Kind = "rng_trace"
	KindRngAudit    Kind = "rng_audit"
	KindBundleIndex Kind = "bundle_index"
)

// Ref identifies one schema version.
type Ref struct {
	Kind    Kind
	Version string
}

func (r Ref) String() string {
	return string(r.Kind) + "/" + r.Version
}

// Built-in schema versions.
var (
	GateReceiptV1 = Ref{Kind: KindGateReceipt, Version: "v1"}
	RngEventV1    = Ref{Kind: KindRngEvent, Version: "v1"}
	RngTraceV1    = Ref{Kind: KindRngTrace, Version: "v1"}
	RngAuditV1    = Ref{Kind: KindRngAudit, Version: "v1"}
	BundleIndexV1 = Ref{Kind: KindBundleIndex, Version: "v1"}
)

type builtin struct {
	ref        Ref
	file       string
	definition string
}

var builtins = []builtin{
	{GateReceiptV1, "schemas/gate_receipt.v1.cue", "#GateReceipt"},
	{RngEventV1, "schemas/rng_event.v1.cue", "#RngEvent"},
	{RngTraceV1, "schemas/rng_trace.v1.cue", "#RngTrace"},
	{RngAuditV1, "schemas/rng_audit.v1.cue", "#RngAudit"},
	{BundleIndexV1, "schemas/bundle_index.v1.cue", "#BundleIndex"},
}

const commonFile = "schemas/common.cue"

// Registry holds compiled schema definitions.
// Safe for concurrent use; CUE evaluation is serialised internally.
type Registry struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[Ref]cue.Value
}

// NewRegistry compiles every built-in schema.
func NewRegistry() (*Registry, error) {
	common, err := schemaFS.ReadFile(commonFile)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", commonFile, err)
	}

	r := &Registry{
		ctx:  cuecontext.New(),
		defs: make(map[Ref]cue.Value, len(builtins)),
	}
	for _, b := range builtins {
		src, err := schemaFS.ReadFile(b.file)
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", b.file, err)
		}
		if err := r.register(b.ref, b.file, string(common)+"\n"+string(src), b.definition); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(ref Ref, filename, source, definition string) error {
	v := r.ctx.CompileString(source, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return fmt.Errorf("schema %s: compile: %w", ref, err)
	}
	def := v.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found in %s", ref, definition, filename)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", ref, err)
	}
	r.defs[ref] = def
	return nil
}

// known lists the registered schema versions, sorted. Callers hold r.mu.
func (r *Registry) known() []string {
	refs := make([]string, 0, len(r.defs))
	for ref := range r.defs {
		refs = append(refs, ref.String())
	}
	sort.Strings(refs)
	return refs
}

// Validate checks data against ref. Failures are E_SCHEMA errors carrying
// the first offending field path in Details["path"].
func (r *Registry) Validate(ref Ref, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[ref]
	if !ok {
		return failure.New(failure.CodeSchema, "unknown schema %s (registered: %s)", ref, strings.Join(r.known(), ", "))
	}

	expr, err := cuejson.Extract(ref.String(), data)
	if err != nil {
		return failure.Wrap(failure.CodeSchema, err, "%s: malformed JSON", ref)
	}
	doc := r.ctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return firstError(ref, err)
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return firstError(ref, err)
	}
	return nil
}

// Decode validates data against ref and then strictly decodes it into out.
func (r *Registry) Decode(ref Ref, data []byte, out any) error {
	if err := r.Validate(ref, data); err != nil {
		return err
	}
	if err := DecodeStrict(data, out); err != nil {
		return failure.Wrap(failure.CodeSchema, err, "%s: decode", ref)
	}
	return nil
}

// DecodeStrict decodes exactly one JSON value into out, rejecting unknown
// fields and trailing content.
func DecodeStrict(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("trailing JSON content")
		}
		return err
	}
	return nil
}

// firstError reduces a CUE error list to a single E_SCHEMA failure. The
// list is ordered by path then message so the reported error is stable.
func firstError(ref Ref, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return failure.Wrap(failure.CodeSchema, err, "%s: invalid document", ref)
	}

	type entry struct {
		path string
		msg  string
	}
	entries := make([]entry, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		entries = append(entries, entry{
			path: strings.Join(e.Path(), "."),
			msg:  fmt.Sprintf(format, args...),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].path != entries[j].path {
			return entries[i].path < entries[j].path
		}
		return entries[i].msg < entries[j].msg
	})

	first := entries[0]
	fe := failure.New(failure.CodeSchema, "%s: %s", ref, first.msg)
	if first.path != "" {
		fe.Message = fmt.Sprintf("%s: %s: %s", ref, first.path, first.msg)
		fe.With("path", first.path)
	}
	return fe
}
