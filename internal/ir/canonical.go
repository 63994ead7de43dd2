package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON.
// CRITICAL: every sealed document (bundle members, receipts, accounting
// summaries) is written through this function. Byte-identical re-runs
// depend on it.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. Floats and null are rejected (see MarshalDocument)
//
// Accepts IRValue trees, Go primitives, map[string]any, []any and
// json.Number integers. Use Canonical for arbitrary structs.
func MarshalCanonical(v any) ([]byte, error) {
	return marshal(v, false)
}

// MarshalDocument is MarshalCanonical for business documents (state
// summaries, resolved parameters) that may carry ratios and absent values.
// Floats are written in the ECMAScript shortest form RFC 8785 prescribes
// and nil is written as null. NaN and infinities are rejected.
func MarshalDocument(v any) ([]byte, error) {
	return marshal(v, true)
}

func marshal(v any, document bool) ([]byte, error) {
	var buf bytes.Buffer
	e := encoder{buf: &buf, document: document}
	if err := e.write(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Canonical marshals any JSON-encodable value (typically a tagged struct)
// to canonical JSON by round-tripping it through encoding/json with
// json.Number preserved, so integers wider than 53 bits survive.
func Canonical(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return MarshalCanonical(generic)
}

// Document is Canonical with the float and null rules of MarshalDocument.
func Document(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, fmt.Errorf("canonical document: %w", err)
	}
	return MarshalDocument(generic)
}

// DocumentLine is Document followed by a single newline.
func DocumentLine(v any) ([]byte, error) {
	data, err := Document(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// CanonicalLine is Canonical followed by a single newline, the on-disk form
// of every JSON document the kernel writes.
func CanonicalLine(v any) ([]byte, error) {
	data, err := Canonical(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

type encoder struct {
	buf      *bytes.Buffer
	document bool
}

func (e encoder) write(v any) error {
	buf := e.buf
	switch val := v.(type) {
	case nil:
		if !e.document {
			return fmt.Errorf("null is forbidden in canonical JSON")
		}
		buf.WriteString("null")
	case IRString:
		return writeCanonicalString(buf, string(val))
	case string:
		return writeCanonicalString(buf, val)
	case IRInt:
		fmt.Fprintf(buf, "%d", int64(val))
	case int64:
		fmt.Fprintf(buf, "%d", val)
	case int:
		fmt.Fprintf(buf, "%d", val)
	case uint64:
		fmt.Fprintf(buf, "%d", val)
	case IRUint:
		fmt.Fprintf(buf, "%d", uint64(val))
	case *big.Int:
		if val == nil {
			return e.write(nil)
		}
		buf.WriteString(val.String())
	case json.Number:
		if isFloatLiteral(string(val)) {
			if !e.document {
				return fmt.Errorf("floats are forbidden in canonical JSON: %s", val)
			}
			f, err := strconv.ParseFloat(string(val), 64)
			if err != nil {
				return fmt.Errorf("invalid number literal: %s", val)
			}
			return e.writeFloat(f)
		}
		if _, ok := new(big.Int).SetString(string(val), 10); !ok {
			return fmt.Errorf("invalid integer literal: %s", val)
		}
		buf.WriteString(string(val))
	case IRBool:
		writeBool(buf, bool(val))
	case bool:
		writeBool(buf, val)
	case IRArray:
		items := make([]any, len(val))
		for i, elem := range val {
			items[i] = elem
		}
		return e.writeArray(items)
	case []any:
		return e.writeArray(val)
	case []string:
		items := make([]any, len(val))
		for i, elem := range val {
			items[i] = elem
		}
		return e.writeArray(items)
	case IRObject:
		obj := make(map[string]any, len(val))
		for k, elem := range val {
			obj[k] = elem
		}
		return e.writeObject(obj)
	case map[string]any:
		return e.writeObject(val)
	case float64:
		return e.writeFloat(val)
	case float32:
		return e.writeFloat(float64(val))
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func (e encoder) writeFloat(f float64) error {
	if !e.document {
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", f)
	}
	s, err := formatES6(f)
	if err != nil {
		return err
	}
	e.buf.WriteString(s)
	return nil
}

// formatES6 renders f as ECMAScript Number.prototype.toString does, the
// number serialisation of RFC 8785 section 3.2.2.3.
func formatES6(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite number %v has no JSON form", f)
	}
	if f == 0 {
		return "0", nil // also -0
	}
	sign := ""
	if f < 0 {
		sign, f = "-", -f
	}

	// Shortest round-trip digits d1.d2...dk and exponent; n is the decimal
	// point position relative to the digit string.
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(sci, "e")
	digits := strings.Replace(mant, ".", "", 1)
	x, err := strconv.Atoi(exp)
	if err != nil {
		return "", fmt.Errorf("format %v: %w", f, err)
	}
	k, n := len(digits), x+1

	var out string
	switch {
	case k <= n && n <= 21:
		out = digits + strings.Repeat("0", n-k)
	case 0 < n && n <= 21:
		out = digits[:n] + "." + digits[n:]
	case -6 < n && n <= 0:
		out = "0." + strings.Repeat("0", -n) + digits
	default:
		out = digits[:1]
		if k > 1 {
			out += "." + digits[1:]
		}
		if n-1 >= 0 {
			out += "e+" + strconv.Itoa(n-1)
		} else {
			out += "e-" + strconv.Itoa(1-n)
		}
	}
	return sign + out, nil
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteString("true")
		return
	}
	buf.WriteString("false")
}

func (e encoder) writeArray(items []any) error {
	e.buf.WriteByte('[')
	for i, elem := range items {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.write(elem); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	e.buf.WriteByte(']')
	return nil
}

func (e encoder) writeObject(obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)

	e.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := writeCanonicalString(e.buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		e.buf.WriteByte(':')
		if err := e.write(obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	e.buf.WriteByte('}')
	return nil
}

// writeCanonicalString escapes only what RFC 8785 requires: quote,
// backslash and control characters. U+2028/U+2029 and <, >, & are
// written literally.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return nil
}
