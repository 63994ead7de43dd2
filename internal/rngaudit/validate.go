// Package rngaudit reconciles RNG event logs, per-substream trace records
// and the run-level audit record.
//
// The validator proves that the randomness budget was consumed exactly as
// claimed: counters are contiguous within every substream in logical-key
// order, totals match the trace, no substream is untracked, and every
// record belongs to the run being validated.
//
// It is read-only and collect-all: a single run reports every failure.
package rngaudit

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/schema"
)

// Inputs is everything the validator reconciles.
type Inputs struct {
	Events []ir.RngEvent
	Traces []ir.RngTraceRecord

	// Audit is the run-level record; nil is itself a failure.
	Audit *ir.RngAuditRecord

	// Expected lists, per module, the logical keys that must have an
	// accepted draw. Nil disables coverage checking.
	Expected map[string][]ir.LogicalKey
}

// SubstreamSummary is the reconciled view of one substream.
type SubstreamSummary struct {
	Module         string   `json:"module"`
	SubstreamLabel string   `json:"substream_label"`
	Events         uint64   `json:"events"`
	Blocks         uint64   `json:"blocks"`
	Draws          ir.Draws `json:"draws"`
	CounterBefore  string   `json:"counter_before"`
	CounterAfter   string   `json:"counter_after"`
	Traced         bool     `json:"traced"`
	Passed         bool     `json:"passed"`
}

// Result is a validation outcome.
type Result struct {
	Report     failure.Report
	Substreams []SubstreamSummary
}

// Passed reports whether every check succeeded.
func (r Result) Passed() bool {
	return r.Report.Passed
}

// Validator reconciles RNG logs. Construct with New.
type Validator struct {
	registry  *schema.Registry
	keyFields map[string][]string
	logger    *zap.Logger
}

// New creates a validator. keyFields maps a module to the exact ordered
// logical-key fields its events carry; modules without an entry use every
// non-envelope field sorted by name.
func New(registry *schema.Registry, keyFields map[string][]string, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{registry: registry, keyFields: keyFields, logger: logger}
}

func (v *Validator) keyFieldsFor(module string) []string {
	return v.keyFields[module]
}

// Validate reconciles in against the run context.
func (v *Validator) Validate(rc ir.RunContext, in Inputs) Result {
	var c failure.Collector

	groups := groupEvents(in.Events)
	traces := indexTraces(&c, in.Traces)

	keys := make([]ir.SubstreamKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	summaries := make([]SubstreamSummary, 0, len(groups))
	for _, key := range keys {
		before := c.Len()
		trace, traced := traces[key]
		s := checkSubstream(&c, rc, key, groups[key], trace, traced)
		s.Passed = c.Len() == before
		summaries = append(summaries, s)
	}

	traceKeys := make([]ir.SubstreamKey, 0, len(traces))
	for k := range traces {
		traceKeys = append(traceKeys, k)
	}
	sort.Slice(traceKeys, func(i, j int) bool { return traceKeys[i].Less(traceKeys[j]) })
	for _, key := range traceKeys {
		if _, seen := groups[key]; seen {
			continue
		}
		t := traces[key]
		checkTraceLineage(&c, rc, t)
		if t.EventsTotal > 0 || t.BlocksTotal > 0 || t.DrawsTotal.Int().Sign() > 0 {
			c.Add(failure.CodeRngBudgetOrCounters, key.String(),
				"trace declares %d events, %d blocks, %s draws but no events were observed",
				t.EventsTotal, t.BlocksTotal, t.DrawsTotal)
		}
	}

	checkAudit(&c, rc, in.Audit)
	checkCoverage(&c, in.Events, in.Expected)

	report := c.Report()
	v.logger.Info("rng accounting reconciled",
		zap.Bool("passed", report.Passed),
		zap.Int("substreams", len(summaries)),
		zap.Int("events", len(in.Events)),
		zap.Int("failures", len(report.Failures)))
	return Result{Report: report, Substreams: summaries}
}

func groupEvents(events []ir.RngEvent) map[ir.SubstreamKey][]ir.RngEvent {
	groups := make(map[ir.SubstreamKey][]ir.RngEvent)
	for _, ev := range events {
		k := ev.Substream()
		groups[k] = append(groups[k], ev)
	}
	for _, evs := range groups {
		sort.SliceStable(evs, func(i, j int) bool { return eventLess(evs[i], evs[j]) })
	}
	return groups
}

// eventLess orders events by logical key, then attempt index (absent
// first), then counter_before.
func eventLess(a, b ir.RngEvent) bool {
	if c := ir.CompareKeys(a.Key, b.Key); c != 0 {
		return c < 0
	}
	switch {
	case a.AttemptIndex == nil && b.AttemptIndex != nil:
		return true
	case a.AttemptIndex != nil && b.AttemptIndex == nil:
		return false
	case a.AttemptIndex != nil && *a.AttemptIndex != *b.AttemptIndex:
		return *a.AttemptIndex < *b.AttemptIndex
	}
	return a.CounterBefore.Cmp(b.CounterBefore) < 0
}

func indexTraces(c *failure.Collector, traces []ir.RngTraceRecord) map[ir.SubstreamKey]ir.RngTraceRecord {
	out := make(map[ir.SubstreamKey]ir.RngTraceRecord, len(traces))
	for _, t := range traces {
		k := t.Substream()
		if _, dup := out[k]; dup {
			c.Add(failure.CodeRngBudgetOrCounters, k.String(), "duplicate trace record")
			continue
		}
		out[k] = t
	}
	return out
}

func checkSubstream(c *failure.Collector, rc ir.RunContext, key ir.SubstreamKey, events []ir.RngEvent, trace ir.RngTraceRecord, traced bool) SubstreamSummary {
	scope := key.String()
	blocks := uint64(0)
	draws := ir.NewDraws(0)

	for i, ev := range events {
		checkEventLineage(c, rc, scope, ev)

		span, ok := ev.CounterAfter.Sub(ev.CounterBefore)
		if !ok || span.Hi != 0 || span.Lo != ev.Blocks {
			c.Add(failure.CodeRngBudgetOrCounters, scope,
				"event %s advances counter %s -> %s but declares %d blocks",
				describe(ev), ev.CounterBefore, ev.CounterAfter, ev.Blocks)
		}
		blocks += ev.Blocks
		draws = draws.Add(ev.Draws)

		if i == 0 {
			continue
		}
		prev := events[i-1]
		switch cmp := ev.CounterBefore.Cmp(prev.CounterAfter); {
		case cmp > 0:
			c.Add(failure.CodeRngBudgetOrCounters, scope,
				"counter gap between %s (after %s) and %s (before %s)",
				describe(prev), prev.CounterAfter, describe(ev), ev.CounterBefore)
		case cmp < 0:
			c.Add(failure.CodeRngBudgetOrCounters, scope,
				"counter overlap between %s (after %s) and %s (before %s)",
				describe(prev), prev.CounterAfter, describe(ev), ev.CounterBefore)
		}
	}

	first, last := events[0], events[len(events)-1]
	summary := SubstreamSummary{
		Module:         key.Module,
		SubstreamLabel: key.SubstreamLabel,
		Events:         uint64(len(events)),
		Blocks:         blocks,
		Draws:          draws,
		CounterBefore:  first.CounterBefore.String(),
		CounterAfter:   last.CounterAfter.String(),
		Traced:         traced,
	}

	if !traced {
		c.Add(failure.CodeRngBudgetOrCounters, scope,
			"stray substream: %d events but no trace record", len(events))
		return summary
	}

	checkTraceLineage(c, rc, trace)
	if trace.EventsTotal != summary.Events {
		c.Add(failure.CodeRngBudgetOrCounters, scope,
			"events_total %d != %d observed events", trace.EventsTotal, summary.Events)
	}
	if trace.BlocksTotal != blocks {
		c.Add(failure.CodeRngBudgetOrCounters, scope,
			"blocks_total %d != %d summed blocks", trace.BlocksTotal, blocks)
	}
	if trace.DrawsTotal.Cmp(draws) != 0 {
		c.Add(failure.CodeRngBudgetOrCounters, scope,
			"draws_total %s != %s summed draws", trace.DrawsTotal, draws).
			WithDetail("expected", trace.DrawsTotal.String()).
			WithDetail("actual", draws.String())
	}
	if final := trace.CounterAfterFinal(); final.Cmp(last.CounterAfter) != 0 {
		c.Add(failure.CodeRngBudgetOrCounters, scope,
			"trace counter_after %s != last event counter_after %s", final, last.CounterAfter)
	}
	if start, ok := trace.CounterBeforeFirst(); ok && start.Cmp(first.CounterBefore) != 0 {
		c.Add(failure.CodeRngBudgetOrCounters, scope,
			"trace counter_before %s != first event counter_before %s", start, first.CounterBefore)
	}
	return summary
}

func checkEventLineage(c *failure.Collector, rc ir.RunContext, scope string, ev ir.RngEvent) {
	if ev.Seed != nil && *ev.Seed != rc.Seed {
		c.Add(failure.CodeRngBudgetOrCounters, scope, "event %s seed %d != run seed %d", describe(ev), *ev.Seed, rc.Seed)
	}
	mismatch := func(field, got, want string) {
		if got != "" && got != want {
			c.Add(failure.CodeRngBudgetOrCounters, scope, "event %s %s %q != run %q", describe(ev), field, got, want)
		}
	}
	mismatch("run_id", ev.RunID, rc.RunID)
	mismatch("parameter_hash", ev.ParameterHash, rc.ParameterHash)
	mismatch("manifest_fingerprint", ev.ManifestFingerprint, rc.ManifestFingerprint)
}

func checkTraceLineage(c *failure.Collector, rc ir.RunContext, t ir.RngTraceRecord) {
	scope := t.Substream().String()
	if t.Seed != nil && *t.Seed != rc.Seed {
		c.Add(failure.CodeRngBudgetOrCounters, scope, "trace seed %d != run seed %d", *t.Seed, rc.Seed)
	}
	mismatch := func(field, got, want string) {
		if got != "" && got != want {
			c.Add(failure.CodeRngBudgetOrCounters, scope, "trace %s %q != run %q", field, got, want)
		}
	}
	mismatch("run_id", t.RunID, rc.RunID)
	mismatch("parameter_hash", t.ParameterHash, rc.ParameterHash)
	mismatch("manifest_fingerprint", t.ManifestFingerprint, rc.ManifestFingerprint)
}

func checkAudit(c *failure.Collector, rc ir.RunContext, a *ir.RngAuditRecord) {
	const scope = "rng_audit"
	if a == nil {
		c.Add(failure.CodeRngBudgetOrCounters, scope, "audit record missing")
		return
	}
	if a.Seed != rc.Seed {
		c.Add(failure.CodeRngBudgetOrCounters, scope, "audit seed %d != run seed %d", a.Seed, rc.Seed)
	}
	mismatch := func(field, got, want string) {
		if got != want {
			c.Add(failure.CodeRngBudgetOrCounters, scope, "audit %s %q != run %q", field, got, want).
				WithDetail("expected", want).
				WithDetail("actual", got)
		}
	}
	mismatch("run_id", a.RunID, rc.RunID)
	mismatch("manifest_fingerprint", a.ManifestFingerprint, rc.ManifestFingerprint)
	mismatch("parameter_hash", a.ParameterHash, rc.ParameterHash)
	if rc.Algorithm != "" {
		mismatch("algorithm", a.Algorithm, rc.Algorithm)
	}
}

// checkCoverage requires an accepted event for every expected key. Events
// that carry no accepted flag count as accepted.
func checkCoverage(c *failure.Collector, events []ir.RngEvent, expected map[string][]ir.LogicalKey) {
	if expected == nil {
		return
	}
	byModule := make(map[string][]ir.LogicalKey)
	for _, ev := range events {
		if ev.Accepted != nil && !*ev.Accepted {
			continue
		}
		byModule[ev.Module] = append(byModule[ev.Module], ev.Key)
	}

	modules := make([]string, 0, len(expected))
	for m := range expected {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, m := range modules {
		seen := byModule[m]
		sort.Slice(seen, func(i, j int) bool { return ir.CompareKeys(seen[i], seen[j]) < 0 })
		for _, want := range expected[m] {
			i := sort.Search(len(seen), func(i int) bool { return ir.CompareKeys(seen[i], want) >= 0 })
			if i < len(seen) && ir.CompareKeys(seen[i], want) == 0 {
				continue
			}
			c.Add(failure.CodeRowMissing, m, "no accepted draw for key %s", want)
		}
	}
}

func describe(ev ir.RngEvent) string {
	d := "{" + ev.Key.String()
	if ev.AttemptIndex != nil {
		d += fmt.Sprintf(" attempt=%d", *ev.AttemptIndex)
	}
	d += "}"
	if ev.Source != "" {
		d += "@" + ev.Source
	}
	return d
}
