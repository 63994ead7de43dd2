package ir

import (
	"math/big"
	"strings"
)

// KeyPart is one component of a logical key: either an integer of any
// width or a string.
type KeyPart struct {
	Name string
	Int  *big.Int // nil for string parts
	Str  string
}

// LogicalKey identifies the business entity a draw belongs to
// (merchant, country, site order, ...). Parts are compared in order.
type LogicalKey []KeyPart

// CompareKeys orders keys component-wise. Integers compare numerically
// and sort before strings; strings compare byte-wise; a shorter key that
// is a prefix of a longer one sorts first.
func CompareKeys(a, b LogicalKey) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := compareParts(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func compareParts(a, b KeyPart) int {
	switch {
	case a.Int != nil && b.Int != nil:
		return a.Int.Cmp(b.Int)
	case a.Int != nil:
		return -1
	case b.Int != nil:
		return 1
	}
	return strings.Compare(a.Str, b.Str)
}

// String renders the key as name=value pairs for messages.
func (k LogicalKey) String() string {
	parts := make([]string, len(k))
	for i, p := range k {
		v := p.Str
		if p.Int != nil {
			v = p.Int.String()
		}
		parts[i] = p.Name + "=" + v
	}
	return strings.Join(parts, ",")
}
