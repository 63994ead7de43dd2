package failure

import (
	"fmt"
	"sort"
	"strings"
)

// Failure is one entry of a Report. Scope names what failed: a substream
// ("module/label"), an artifact path, an asset id.
type Failure struct {
	Code    Code              `json:"code"`
	Scope   string            `json:"scope,omitempty"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (f Failure) String() string {
	if f.Scope != "" {
		return fmt.Sprintf("[%s] %s: %s", f.Code, f.Scope, f.Message)
	}
	return fmt.Sprintf("[%s] %s", f.Code, f.Message)
}

// Report is the result of a collect-all check: every detected failure,
// or Passed with none. It never short-circuits on the first failure.
type Report struct {
	Passed   bool      `json:"passed"`
	Failures []Failure `json:"failures"`
}

// Collector accumulates failures for one check run.
// The zero value is ready to use.
type Collector struct {
	failures []Failure
}

// Add records a failure.
func (c *Collector) Add(code Code, scope, format string, args ...any) *Failure {
	c.failures = append(c.failures, Failure{
		Code:    code,
		Scope:   scope,
		Message: fmt.Sprintf(format, args...),
	})
	return &c.failures[len(c.failures)-1]
}

// AddError records a kernel Error (or any error, as E_IO) under scope.
func (c *Collector) AddError(scope string, err error) {
	if err == nil {
		return
	}
	fe, ok := err.(*Error)
	if !ok {
		code := CodeOf(err)
		if code == "" {
			code = CodeIO
		}
		c.failures = append(c.failures, Failure{Code: code, Scope: scope, Message: err.Error()})
		return
	}
	f := Failure{Code: fe.Code, Scope: scope, Message: fe.Message}
	if fe.Err != nil {
		f.Message += ": " + fe.Err.Error()
	}
	if len(fe.Details) > 0 {
		f.Details = make(map[string]string, len(fe.Details))
		for k, v := range fe.Details {
			f.Details[k] = v
		}
	}
	c.failures = append(c.failures, f)
}

// Merge appends every failure of r.
func (c *Collector) Merge(r Report) {
	c.failures = append(c.failures, r.Failures...)
}

// Len returns the number of failures recorded so far.
func (c *Collector) Len() int {
	return len(c.failures)
}

// Report returns the sorted report. Failures are ordered by code, then
// scope, then message, so two runs over the same inputs report identically.
func (c *Collector) Report() Report {
	out := make([]Failure, len(c.failures))
	copy(out, c.failures)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Message < out[j].Message
	})
	return Report{Passed: len(out) == 0, Failures: out}
}

// WithDetail sets a structured detail on a failure returned by Add.
func (f *Failure) WithDetail(key, value string) *Failure {
	if f.Details == nil {
		f.Details = make(map[string]string)
	}
	f.Details[key] = value
	return f
}

// Codes returns the distinct codes in r, sorted.
func (r Report) Codes() []Code {
	seen := make(map[Code]bool)
	var codes []Code
	for _, f := range r.Failures {
		if !seen[f.Code] {
			seen[f.Code] = true
			codes = append(codes, f.Code)
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Has reports whether r contains a failure with code.
func (r Report) Has(code Code) bool {
	for _, f := range r.Failures {
		if f.Code == code {
			return true
		}
	}
	return false
}

// Err converts a failing report to an error carrying its first code, or
// nil when the report passed.
func (r Report) Err() error {
	if r.Passed {
		return nil
	}
	lines := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		lines[i] = f.String()
	}
	return &Error{
		Code:    r.Failures[0].Code,
		Message: fmt.Sprintf("%d failure(s): %s", len(r.Failures), strings.Join(lines, "; ")),
	}
}
