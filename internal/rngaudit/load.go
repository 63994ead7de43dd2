package rngaudit

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/schema"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 16 << 20

// Paths locates a run's RNG logs.
type Paths struct {
	// Events is a JSONL file or a directory searched recursively for
	// *.jsonl files.
	Events string

	// Trace is a JSONL file with one record per substream.
	Trace string

	// Audit is a file holding exactly one JSON object.
	Audit string
}

// Load reads every log in p. Malformed records become E_SCHEMA failures in
// the returned report rather than aborting the load, so a single pass
// reports every bad line.
func (v *Validator) Load(p Paths) (Inputs, failure.Report) {
	var c failure.Collector
	var in Inputs

	in.Events = v.loadEvents(&c, p.Events)
	in.Traces = v.loadTraces(&c, p.Trace)
	in.Audit = v.loadAudit(&c, p.Audit)

	v.logger.Debug("rng logs loaded",
		zap.Int("events", len(in.Events)),
		zap.Int("traces", len(in.Traces)),
		zap.Bool("audit", in.Audit != nil))
	return in, c.Report()
}

// ValidateFiles loads the logs in p and validates them. Load failures and
// reconciliation failures are merged into one report.
func (v *Validator) ValidateFiles(rc ir.RunContext, p Paths, expected map[string][]ir.LogicalKey) Result {
	in, loadReport := v.Load(p)
	in.Expected = expected

	res := v.Validate(rc, in)
	if loadReport.Passed {
		return res
	}

	var c failure.Collector
	c.Merge(loadReport)
	c.Merge(res.Report)
	res.Report = c.Report()
	return res
}

func (v *Validator) loadEvents(c *failure.Collector, path string) []ir.RngEvent {
	files, err := eventFiles(path)
	if err != nil {
		c.AddError(path, failure.Wrap(failure.CodeIO, err, "list rng event logs"))
		return nil
	}

	var events []ir.RngEvent
	unkeyed := map[string]bool{}
	for _, f := range files {
		err := eachLine(f, func(lineNo int, line []byte) {
			source := fmt.Sprintf("%s:%d", f, lineNo)
			if err := v.registry.Validate(schema.RngEventV1, line); err != nil {
				c.AddError(source, err)
				return
			}
			ev, err := parseEvent(line, v.keyFieldsFor)
			if err != nil {
				c.Add(failure.CodeSchema, source, "rng event: %v", err)
				return
			}
			if v.keyFieldsFor(ev.Module) == nil && !unkeyed[ev.Module] {
				unkeyed[ev.Module] = true
				v.logger.Warn("no key_fields configured for rng module; every non-envelope field is a key part",
					zap.String("module", ev.Module),
					zap.String("source", source))
			}
			ev.Source = source
			events = append(events, ev)
		})
		if err != nil {
			c.AddError(f, failure.Wrap(failure.CodeIO, err, "read rng event log"))
		}
	}
	return events
}

// eventFiles returns path itself, or every *.jsonl file under it in sorted
// order.
func eventFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	all, err := digest.ExpandFiles(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range all {
		if strings.HasSuffix(f.RelPath, ".jsonl") {
			out = append(out, f.Path)
		}
	}
	return out, nil
}

func (v *Validator) loadTraces(c *failure.Collector, path string) []ir.RngTraceRecord {
	var traces []ir.RngTraceRecord
	err := eachLine(path, func(lineNo int, line []byte) {
		var t ir.RngTraceRecord
		if err := v.registry.Decode(schema.RngTraceV1, line, &t); err != nil {
			c.AddError(fmt.Sprintf("%s:%d", path, lineNo), err)
			return
		}
		traces = append(traces, t)
	})
	if err != nil {
		c.AddError(path, failure.Wrap(failure.CodeIO, err, "read rng trace log"))
	}
	return traces
}

func (v *Validator) loadAudit(c *failure.Collector, path string) *ir.RngAuditRecord {
	var lines [][]byte
	err := eachLine(path, func(_ int, line []byte) {
		lines = append(lines, append([]byte(nil), line...))
	})
	if err != nil {
		c.AddError(path, failure.Wrap(failure.CodeIO, err, "read rng audit log"))
		return nil
	}
	if len(lines) != 1 {
		c.Add(failure.CodeSchema, path, "rng audit log must hold exactly one record, found %d", len(lines))
		return nil
	}

	var a ir.RngAuditRecord
	if err := v.registry.Decode(schema.RngAuditV1, lines[0], &a); err != nil {
		c.AddError(path, err)
		return nil
	}
	return &a
}

// eachLine calls fn for every non-blank line of the file at path, with
// 1-based line numbers. The slice passed to fn is only valid during the call.
func eachLine(path string, fn func(lineNo int, line []byte)) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(lineNo, line)
	}
	return sc.Err()
}
