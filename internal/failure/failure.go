// Package failure defines the kernel's error taxonomy.
//
// Codes are stable strings and part of the external contract: they appear
// in CLI output, in rng_accounting.json and in the ledger. Never rename one.
//
// The kernel is fail-closed. Nothing here is a warning: a component either
// returns an *Error, or a Report whose Passed field is false.
package failure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies one reconciliation or precondition check.
type Code string

// Precondition failures.
const (
	CodeS0Precondition  Code = "E_S0_PRECONDITION"
	CodeUpstreamGate    Code = "E_UPSTREAM_GATE"
	CodeUpstreamMissing Code = "E_UPSTREAM_MISSING"
)

// Integrity failures.
const (
	CodeIO                  Code = "E_IO"
	CodeAssetMissing        Code = "E_ASSET_MISSING"
	CodeAssetPath           Code = "E_ASSET_PATH"
	CodeAssetDigest         Code = "E_ASSET_DIGEST"
	CodeSchema              Code = "E_SCHEMA"
	CodeManifestFingerprint Code = "E_MANIFEST_FINGERPRINT"
)

// Idempotency conflicts. CodeImmutability is the short alias; writers
// always report the long form.
const (
	CodeImmutability                Code = "E_IMMUTABILITY"
	CodePartitionExistsNonIdentical Code = "E_IMMUTABLE_PARTITION_EXISTS_NONIDENTICAL"
)

// Accounting failures.
const (
	CodeRngBudgetOrCounters    Code = "E907_RNG_BUDGET_OR_COUNTERS"
	CodeRowMissing             Code = "E901_ROW_MISSING"
	CodeNondeterministicOutput Code = "E313_NONDETERMINISTIC_OUTPUT"
	CodeCountsMismatch         Code = "E308_COUNTS_MISMATCH"
	CodeSiteOrderIntegrity     Code = "E314_SITE_ORDER_INTEGRITY"
	CodeFKCountry              Code = "E302_FK_COUNTRY"
	CodeMissingWeights         Code = "E303_MISSING_WEIGHTS"
	CodeTokenMismatch          Code = "E306_TOKEN_MISMATCH"
)

// Bundle failures.
const (
	CodeBundleIndex      Code = "E_BUNDLE_INDEX"
	CodePassFlagMissing  Code = "E_PASS_FLAG_MISSING"
	CodePassFlagMismatch Code = "E_PASS_FLAG_MISMATCH"
)

// Error is a single kernel failure.
type Error struct {
	// Code identifies the failed check.
	Code Code

	// Message is a human-readable description.
	Message string

	// Details carries structured context (expected/actual digests, paths,
	// substream names). Rendered sorted by key.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// With returns e with an added detail. It mutates and returns e for chaining.
func (e *Error) With(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the failure code from err, or "" if err carries none.
// Uses errors.As to see through wrapping.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err is a kernel failure with the given code.
// CodeImmutability matches both idempotency-conflict spellings.
func Is(err error, code Code) bool {
	got := CodeOf(err)
	if got == "" {
		return false
	}
	if code == CodeImmutability {
		return got == CodeImmutability || got == CodePartitionExistsNonIdentical
	}
	return got == code
}
