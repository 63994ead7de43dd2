package rngaudit

import (
	"fmt"

	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ir"
)

// SummaryFile is the bundle member the accounting summary is written to.
const SummaryFile = "rng_accounting.json"

type summaryDoc struct {
	Run        ir.RunContext      `json:"run"`
	Passed     bool               `json:"passed"`
	Substreams []SubstreamSummary `json:"substreams"`
	Failures   []failure.Failure  `json:"failures"`
}

// Summary renders res as the canonical rng_accounting.json document.
func Summary(rc ir.RunContext, res Result) ([]byte, error) {
	doc := summaryDoc{
		Run:        rc,
		Passed:     res.Report.Passed,
		Substreams: res.Substreams,
		Failures:   res.Report.Failures,
	}
	if doc.Substreams == nil {
		doc.Substreams = []SubstreamSummary{}
	}
	if doc.Failures == nil {
		doc.Failures = []failure.Failure{}
	}

	data, err := ir.CanonicalLine(doc)
	if err != nil {
		return nil, fmt.Errorf("rng accounting summary: %w", err)
	}
	return data, nil
}
