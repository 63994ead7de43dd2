package ir

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"empty string", IRString(""), `""`},
		{"int", IRInt(42), "42"},
		{"negative int", IRInt(-100), "-100"},
		{"max uint64", uint64(18446744073709551615), "18446744073709551615"},
		{"big int", new(big.Int).Lsh(big.NewInt(1), 100), "1267650600228229401496703205376"},
		{"json number", json.Number("340282366920938463463374607431768211455"), "340282366920938463463374607431768211455"},
		{"bool true", IRBool(true), "true"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"simple object", IRObject{"a": IRInt(1)}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": 2,
		"beta":  map[string]any{"y": true, "x": false},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"x":false,"y":true},"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// U+E000 vs U+10000: UTF-16 order differs from UTF-8
	obj := IRObject{
		"": IRInt(1),
		"𐀀":      IRInt(2), // surrogate pair 0xD800 0xDC00
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"𐀀":2,"`+""+`":1}`, string(result))
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"html not escaped", "<a>&", `"<a>&"`},
		{"quote", `say "hi"`, `"say \"hi\""`},
		{"backslash", `a\b`, `"a\\b"`},
		{"newline", "a\nb", `"a\nb"`},
		{"control", "\x01", `"\u0001"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9
	result, err := MarshalCanonical("é")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(result))
}

func TestMarshalCanonicalRejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(3.14)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = MarshalCanonical(json.Number("1.5"))
	require.Error(t, err)

	_, err = MarshalCanonical(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null is forbidden")

	_, err = MarshalCanonical(map[string]any{"x": nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `key "x"`)
}

func TestMarshalDocumentNumbers(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"ratio", 0.37, "0.37"},
		{"integral float", 5.0, "5"},
		{"negative zero", math.Copysign(0, -1), "0"},
		{"small fixed", 0.000001, "0.000001"},
		{"small exponent", 1e-7, "1e-7"},
		{"large fixed", 1e20, "100000000000000000000"},
		{"large exponent", 1e21, "1e+21"},
		{"mantissa exponent", 1.5e300, "1.5e+300"},
		{"negative", -123.456, "-123.456"},
		{"shortest round trip", 0.1 + 0.2, "0.30000000000000004"},
		{"json number", json.Number("2.50"), "2.5"},
		{"json number exponent", json.Number("1E3"), "1000"},
		{"integer stays exact", json.Number("18446744073709551615"), "18446744073709551615"},
		{"null", nil, "null"},
		{"nested", map[string]any{"b": nil, "a": []any{0.5, 1}}, `{"a":[0.5,1],"b":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalDocument(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalDocumentRejectsNonFinite(t *testing.T) {
	_, err := MarshalDocument(math.NaN())
	assert.Error(t, err)
	_, err = MarshalDocument(map[string]any{"x": math.Inf(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `key "x"`)
}

func TestDocumentStruct(t *testing.T) {
	type summary struct {
		MeanJitter float64  `json:"mean_jitter"`
		Countries  []string `json:"countries"`
		Rows       int      `json:"rows"`
	}

	line, err := DocumentLine(summary{MeanJitter: 0.37, Rows: 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"countries\":null,\"mean_jitter\":0.37,\"rows\":2}\n", string(line))

	_, err = CanonicalLine(summary{MeanJitter: 0.37})
	assert.Error(t, err, "sealed kernel documents stay integer-only")
}

func TestCanonicalStruct(t *testing.T) {
	type doc struct {
		Zeta  string `json:"zeta"`
		Alpha uint64 `json:"alpha"`
		Draws Draws  `json:"draws"`
		Skip  string `json:"skip,omitempty"`
	}

	result, err := Canonical(doc{Zeta: "z", Alpha: 18446744073709551615, Draws: NewDraws(7)})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":18446744073709551615,"draws":"7","zeta":"z"}`, string(result))

	line, err := CanonicalLine(doc{Zeta: "z"})
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])
}

func TestCanonicalIdempotent(t *testing.T) {
	input := map[string]any{"b": []any{1, "x"}, "a": "y"}

	first, err := MarshalCanonical(input)
	require.NoError(t, err)

	v, err := UnmarshalIRValue(first)
	require.NoError(t, err)

	second, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}
