// Package quantity implements the dimension-safe physical quantities
// used for memory-per-core and wall-clock requirements (spec.md §6).
package quantity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Dimension distinguishes quantities that must never be mixed in
// arithmetic.
type Dimension int

const (
	// DimensionNone is the zero value; a Quantity in this dimension
	// is invalid outside of being the result of a failed parse.
	DimensionNone Dimension = iota
	// DimensionMemory covers the byte-based units.
	DimensionMemory
	// DimensionDuration covers the time-based units.
	DimensionDuration
)

// Unit is one recognized unit string. Memory units are base-10 (B, kB,
// MB, ...) or base-2 (KiB, MiB, ...) per spec.md §6; duration units are
// the usual wall-clock ones.
type Unit struct {
	Name      string
	Dimension Dimension
	// ToCanonical is the multiplicative factor to the dimension's
	// canonical unit (bytes for memory, seconds for duration).
	ToCanonical float64
}

var units = map[string]Unit{
	"B":   {"B", DimensionMemory, 1},
	"kB":  {"kB", DimensionMemory, 1e3},
	"KiB": {"KiB", DimensionMemory, 1024},
	"MB":  {"MB", DimensionMemory, 1e6},
	"MiB": {"MiB", DimensionMemory, 1024 * 1024},
	"GB":  {"GB", DimensionMemory, 1e9},
	"GiB": {"GiB", DimensionMemory, 1024 * 1024 * 1024},
	"TB":  {"TB", DimensionMemory, 1e12},
	"TiB": {"TiB", DimensionMemory, 1024 * 1024 * 1024 * 1024},
	"PB":  {"PB", DimensionMemory, 1e15},
	"PiB": {"PiB", DimensionMemory, 1024 * 1024 * 1024 * 1024 * 1024},

	"s":   {"s", DimensionDuration, 1},
	"sec": {"sec", DimensionDuration, 1},
	"m":   {"m", DimensionDuration, 60},
	"min": {"min", DimensionDuration, 60},
	"h":   {"h", DimensionDuration, 3600},
	"hr":  {"hr", DimensionDuration, 3600},
	"d":   {"d", DimensionDuration, 86400},
	"day": {"day", DimensionDuration, 86400},
}

// ErrDimensionMismatch is returned whenever an operation mixes
// quantities of different dimensions.
type ErrDimensionMismatch struct {
	A, B Dimension
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("quantity: dimension mismatch (%d vs %d)", e.A, e.B)
}

// ErrUnknownUnit is returned when parsing a string with an
// unrecognized unit suffix.
type ErrUnknownUnit struct{ Unit string }

func (e ErrUnknownUnit) Error() string { return fmt.Sprintf("quantity: unknown unit %q", e.Unit) }

// Quantity is a float64 value held in the unit it was constructed
// with, so String() round-trips the original unit. Mul and Div scale
// that value in place; Add, Sub, Cmp, Ratio and In convert through the
// canonical value (bytes or seconds).
type Quantity struct {
	value     float64 // in the unit below
	unit      Unit
	dimension Dimension
}

// New constructs a Quantity of value in the named unit.
func New(value float64, unitName string) (Quantity, error) {
	u, ok := units[unitName]
	if !ok {
		return Quantity{}, ErrUnknownUnit{unitName}
	}
	return Quantity{value: value, unit: u, dimension: u.Dimension}, nil
}

// MustNew is New but panics on error; for use with literal constants
// known to be valid at compile time.
func MustNew(value float64, unitName string) Quantity {
	q, err := New(value, unitName)
	if err != nil {
		panic(err)
	}
	return q
}

// Parse parses strings like "4GB" or "24h" into a Quantity.
func Parse(s string) (Quantity, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && (s[i] == '-' || s[i] == '+' || s[i] == '.' || (s[i] >= '0' && s[i] <= '9')) {
		i++
	}
	if i == 0 {
		return Quantity{}, fmt.Errorf("quantity: cannot parse %q: no numeric prefix", s)
	}
	numPart := s[:i]
	unitPart := strings.TrimSpace(s[i:])
	v, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("quantity: cannot parse %q: %w", s, err)
	}
	return New(v, unitPart)
}

// Dimension reports which dimension q belongs to.
func (q Quantity) Dimension() Dimension { return q.dimension }

// Unit reports the unit q was constructed with.
func (q Quantity) Unit() Unit { return q.unit }

// Value reports the raw numeric value in q's own unit.
func (q Quantity) Value() float64 { return q.value }

// Canonical returns the value converted to the dimension's canonical
// unit (bytes for memory, seconds for duration).
func (q Quantity) Canonical() float64 { return q.value * q.unit.ToCanonical }

// In converts q to the given unit, failing if the dimensions differ.
func (q Quantity) In(unitName string) (Quantity, error) {
	u, ok := units[unitName]
	if !ok {
		return Quantity{}, ErrUnknownUnit{unitName}
	}
	if u.Dimension != q.dimension {
		return Quantity{}, ErrDimensionMismatch{q.dimension, u.Dimension}
	}
	canonical := q.Canonical()
	return Quantity{value: canonical / u.ToCanonical, unit: u, dimension: u.Dimension}, nil
}

// Add returns q+other. Fails if dimensions differ.
func (q Quantity) Add(other Quantity) (Quantity, error) {
	if q.dimension != other.dimension {
		return Quantity{}, ErrDimensionMismatch{q.dimension, other.dimension}
	}
	sumCanonical := q.Canonical() + other.Canonical()
	return Quantity{value: sumCanonical / q.unit.ToCanonical, unit: q.unit, dimension: q.dimension}, nil
}

// Sub returns q-other. Fails if dimensions differ.
func (q Quantity) Sub(other Quantity) (Quantity, error) {
	if q.dimension != other.dimension {
		return Quantity{}, ErrDimensionMismatch{q.dimension, other.dimension}
	}
	diffCanonical := q.Canonical() - other.Canonical()
	return Quantity{value: diffCanonical / q.unit.ToCanonical, unit: q.unit, dimension: q.dimension}, nil
}

// Mul returns q scaled by a dimensionless scalar.
func (q Quantity) Mul(scalar float64) Quantity {
	return Quantity{value: q.value * scalar, unit: q.unit, dimension: q.dimension}
}

// Div returns q divided by a dimensionless scalar.
func (q Quantity) Div(scalar float64) Quantity {
	return Quantity{value: q.value / scalar, unit: q.unit, dimension: q.dimension}
}

// Ratio divides q by other, both of the same dimension, yielding a
// dimensionless number.
func (q Quantity) Ratio(other Quantity) (float64, error) {
	if q.dimension != other.dimension {
		return 0, ErrDimensionMismatch{q.dimension, other.dimension}
	}
	if other.Canonical() == 0 {
		return 0, fmt.Errorf("quantity: division by zero quantity")
	}
	return q.Canonical() / other.Canonical(), nil
}

// Cmp compares q and other, both of the same dimension: -1 if q<other,
// 0 if equal, 1 if q>other. Returns an error on dimension mismatch.
func (q Quantity) Cmp(other Quantity) (int, error) {
	if q.dimension != other.dimension {
		return 0, ErrDimensionMismatch{q.dimension, other.dimension}
	}
	a, b := q.Canonical(), other.Canonical()
	switch {
	case a < b:
		return -1, nil
	case a > b:
		return 1, nil
	default:
		return 0, nil
	}
}

// LessThan reports q < other, panicking on dimension mismatch — only
// use when the dimensions are statically known to match.
func (q Quantity) LessThan(other Quantity) bool {
	c, err := q.Cmp(other)
	if err != nil {
		panic(err)
	}
	return c < 0
}

// MarshalJSON encodes q as its canonical string form (e.g. "4GiB"), so
// a stored Task round-trips through Store without losing its original
// unit (spec.md §8 invariant 7).
func (q Quantity) MarshalJSON() ([]byte, error) {
	if q.dimension == DimensionNone {
		return json.Marshal("")
	}
	return json.Marshal(q.String())
}

// UnmarshalJSON decodes a string previously produced by MarshalJSON.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*q = Quantity{}
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func (q Quantity) String() string {
	v := q.value
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d%s", int64(v), q.unit.Name)
	}
	return fmt.Sprintf("%g%s", v, q.unit.Name)
}
