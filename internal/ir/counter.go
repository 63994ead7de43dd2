package ir

import (
	"encoding/json"
	"fmt"
	"math/big"
	"math/bits"
	"strings"
)

// Counter is a 128-bit RNG counter. Producers advance it only by whole
// blocks; the kernel only reads it.
type Counter struct {
	Hi uint64
	Lo uint64
}

// NewCounter builds a counter from its (lo, hi) wire halves.
func NewCounter(lo, hi uint64) Counter {
	return Counter{Hi: hi, Lo: lo}
}

// Cmp returns -1, 0 or +1.
func (c Counter) Cmp(o Counter) int {
	switch {
	case c.Hi < o.Hi:
		return -1
	case c.Hi > o.Hi:
		return 1
	case c.Lo < o.Lo:
		return -1
	case c.Lo > o.Lo:
		return 1
	}
	return 0
}

// Sub returns c - o. ok is false when o > c.
func (c Counter) Sub(o Counter) (diff Counter, ok bool) {
	lo, borrow := bits.Sub64(c.Lo, o.Lo, 0)
	hi, under := bits.Sub64(c.Hi, o.Hi, borrow)
	return Counter{Hi: hi, Lo: lo}, under == 0
}

// Big returns the counter as an integer.
func (c Counter) Big() *big.Int {
	v := new(big.Int).SetUint64(c.Hi)
	v.Lsh(v, 64)
	return v.Or(v, new(big.Int).SetUint64(c.Lo))
}

// String renders the counter as a decimal integer.
func (c Counter) String() string {
	return c.Big().String()
}

// Draws is an arbitrary-precision draw count. Totals can exceed 63 bits,
// so the wire form is a decimal string; integer literals are also accepted.
// The zero value is 0.
type Draws struct {
	v *big.Int
}

// NewDraws returns a draw count of n.
func NewDraws(n uint64) Draws {
	return Draws{v: new(big.Int).SetUint64(n)}
}

// ParseDraws parses a non-negative decimal draw count.
func ParseDraws(s string) (Draws, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Draws{}, fmt.Errorf("draws: invalid decimal %q", s)
	}
	if v.Sign() < 0 {
		return Draws{}, fmt.Errorf("draws: negative value %s", s)
	}
	return Draws{v: v}, nil
}

// Int returns a copy of the underlying integer.
func (d Draws) Int() *big.Int {
	if d.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(d.v)
}

// Add returns d + o.
func (d Draws) Add(o Draws) Draws {
	return Draws{v: new(big.Int).Add(d.Int(), o.Int())}
}

// Cmp compares two draw counts.
func (d Draws) Cmp(o Draws) int {
	return d.Int().Cmp(o.Int())
}

// String renders the count in decimal.
func (d Draws) String() string {
	return d.Int().String()
}

// MarshalJSON writes the decimal string form.
func (d Draws) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "123" or 123.
func (d *Draws) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return fmt.Errorf("draws: null is forbidden")
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("draws: %w", err)
		}
		s = str
	} else if isFloatLiteral(s) {
		return fmt.Errorf("draws: floats are forbidden: %s", s)
	}
	parsed, err := ParseDraws(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
