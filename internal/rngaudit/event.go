package rngaudit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"

	"github.com/roach88/sealkit/internal/ir"
)

// envelopeFields are the event fields that are not part of the logical key.
var envelopeFields = map[string]bool{
	"ts_utc":                true,
	"run_id":                true,
	"seed":                  true,
	"parameter_hash":        true,
	"manifest_fingerprint":  true,
	"module":                true,
	"substream_label":       true,
	"blocks":                true,
	"draws":                 true,
	"rng_counter_before_lo": true,
	"rng_counter_before_hi": true,
	"rng_counter_after_lo":  true,
	"rng_counter_after_hi":  true,
	"attempt_index":         true,
	"accepted":              true,
}

var requiredFields = []string{
	"module",
	"substream_label",
	"blocks",
	"draws",
	"rng_counter_before_lo",
	"rng_counter_before_hi",
	"rng_counter_after_lo",
	"rng_counter_after_hi",
}

// parseEvent decodes one event line. keyFieldsFor returns the exact ordered
// logical-key fields for a module, or nil to use every non-envelope field
// sorted by name.
func parseEvent(line []byte, keyFieldsFor func(module string) []string) (ir.RngEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return ir.RngEvent{}, fmt.Errorf("malformed JSON: %w", err)
	}
	if dec.More() {
		return ir.RngEvent{}, fmt.Errorf("trailing content after JSON object")
	}
	if raw == nil {
		return ir.RngEvent{}, fmt.Errorf("event must be a JSON object")
	}

	for _, f := range requiredFields {
		if _, ok := raw[f]; !ok {
			return ir.RngEvent{}, fmt.Errorf("missing required field %q", f)
		}
	}

	var ev ir.RngEvent
	var err error
	if ev.Module, err = stringField(raw, "module", true); err != nil {
		return ev, err
	}
	if ev.SubstreamLabel, err = stringField(raw, "substream_label", true); err != nil {
		return ev, err
	}
	if ev.Blocks, err = uintField(raw, "blocks"); err != nil {
		return ev, err
	}
	if ev.Draws, err = drawsField(raw["draws"]); err != nil {
		return ev, err
	}

	var words [4]uint64
	for i, f := range requiredFields[4:] {
		if words[i], err = uintField(raw, f); err != nil {
			return ev, err
		}
	}
	ev.CounterBefore = ir.NewCounter(words[0], words[1])
	ev.CounterAfter = ir.NewCounter(words[2], words[3])

	if _, ok := raw["attempt_index"]; ok {
		n, err := intField(raw, "attempt_index")
		if err != nil {
			return ev, err
		}
		ev.AttemptIndex = &n
	}
	if v, ok := raw["accepted"]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return ev, fmt.Errorf("field \"accepted\" must be a boolean")
		}
		ev.Accepted = &b
	}

	if ev.RunID, err = stringField(raw, "run_id", false); err != nil {
		return ev, err
	}
	if ev.ParameterHash, err = stringField(raw, "parameter_hash", false); err != nil {
		return ev, err
	}
	if ev.ManifestFingerprint, err = stringField(raw, "manifest_fingerprint", false); err != nil {
		return ev, err
	}
	if _, err = stringField(raw, "ts_utc", false); err != nil {
		return ev, err
	}
	if _, ok := raw["seed"]; ok {
		s, err := uintField(raw, "seed")
		if err != nil {
			return ev, err
		}
		ev.Seed = &s
	}

	ev.Key, err = logicalKey(raw, keyFieldsFor(ev.Module))
	return ev, err
}

func logicalKey(raw map[string]any, fields []string) (ir.LogicalKey, error) {
	if fields == nil {
		for name := range raw {
			if !envelopeFields[name] {
				fields = append(fields, name)
			}
		}
		sort.Strings(fields)
	} else {
		allowed := make(map[string]bool, len(fields))
		for _, f := range fields {
			allowed[f] = true
		}
		var extra []string
		for name := range raw {
			if !envelopeFields[name] && !allowed[name] {
				extra = append(extra, name)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return nil, fmt.Errorf("unknown field %q", extra[0])
		}
	}

	key := make(ir.LogicalKey, 0, len(fields))
	for _, name := range fields {
		v, ok := raw[name]
		if !ok {
			return nil, fmt.Errorf("missing key field %q", name)
		}
		part, err := keyPart(name, v)
		if err != nil {
			return nil, err
		}
		key = append(key, part)
	}
	return key, nil
}

func keyPart(name string, v any) (ir.KeyPart, error) {
	switch val := v.(type) {
	case string:
		return ir.KeyPart{Name: name, Str: val}, nil
	case json.Number:
		n, ok := new(big.Int).SetString(val.String(), 10)
		if !ok {
			return ir.KeyPart{}, fmt.Errorf("key field %q must be an integer or string, got %s", name, val)
		}
		return ir.KeyPart{Name: name, Int: n}, nil
	}
	return ir.KeyPart{}, fmt.Errorf("key field %q must be an integer or string", name)
}

func stringField(raw map[string]any, name string, nonEmpty bool) (string, error) {
	v, ok := raw[name]
	if !ok {
		return "", nil
	}
	s, isString := v.(string)
	if !isString {
		return "", fmt.Errorf("field %q must be a string", name)
	}
	if nonEmpty && s == "" {
		return "", fmt.Errorf("field %q must not be empty", name)
	}
	return s, nil
}

func uintField(raw map[string]any, name string) (uint64, error) {
	num, ok := raw[name].(json.Number)
	if !ok {
		return 0, fmt.Errorf("field %q must be an unsigned integer", name)
	}
	n, err := strconv.ParseUint(num.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q must be an unsigned 64-bit integer, got %s", name, num)
	}
	return n, nil
}

func intField(raw map[string]any, name string) (int64, error) {
	num, ok := raw[name].(json.Number)
	if !ok {
		return 0, fmt.Errorf("field %q must be an integer", name)
	}
	n, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("field %q must be a non-negative integer, got %s", name, num)
	}
	return n, nil
}

func drawsField(v any) (ir.Draws, error) {
	switch val := v.(type) {
	case string:
		d, err := ir.ParseDraws(val)
		if err != nil {
			return ir.Draws{}, fmt.Errorf("field \"draws\": %w", err)
		}
		return d, nil
	case json.Number:
		d, err := ir.ParseDraws(val.String())
		if err != nil {
			return ir.Draws{}, fmt.Errorf("field \"draws\": %w", err)
		}
		return d, nil
	}
	return ir.Draws{}, fmt.Errorf("field \"draws\" must be a decimal string or integer")
}
