package rowstore

import (
	"math"
	"strconv"
)

// Kind discriminates the primitive types a cell can hold.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
)

// Value is the only cell type the store accepts: a string, a finite number,
// or a bool. Nested structures are serialized to a string before they reach
// the store (see Sanitize).
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

// String wraps s as a cell value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps n as a cell value. Non-finite numbers are invalid and will be
// dropped by SanitizeDoc; Number itself stores what it is given.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps b as a cell value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps n as a numeric cell value.
func Int(n int64) Value { return Number(float64(n)) }

// Kind returns the discriminator; KindInvalid for the zero Value.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value holds one of the three primitive kinds.
func (v Value) IsValid() bool {
	if v.kind == KindNumber {
		return !math.IsNaN(v.num) && !math.IsInf(v.num, 0)
	}
	return v.kind == KindString || v.kind == KindBool
}

// AsString returns the string payload, or ("", false) for other kinds.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsNumber returns the numeric payload, or (0, false) for other kinds.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsBool returns the boolean payload, or (false, false) for other kinds.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// StringOr returns the string payload or def.
func (v Value) StringOr(def string) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	return def
}

// NumberOr returns the numeric payload or def.
func (v Value) NumberOr(def float64) float64 {
	if n, ok := v.AsNumber(); ok {
		return n
	}
	return def
}

// IntOr returns the numeric payload truncated to int64, or def.
func (v Value) IntOr(def int64) int64 {
	if n, ok := v.AsNumber(); ok {
		return int64(n)
	}
	return def
}

// BoolOr returns the boolean payload or def.
func (v Value) BoolOr(def bool) bool {
	if b, ok := v.AsBool(); ok {
		return b
	}
	return def
}

// Render formats the value for logs. Integral numbers render without an
// exponent or trailing fraction.
func (v Value) Render() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if v.num == math.Trunc(v.num) && math.Abs(v.num) < 1e15 {
			return strconv.FormatInt(int64(v.num), 10)
		}
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// Native returns the cell as its underlying Go primitive, or nil for the
// zero Value.
func (v Value) Native() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	}
	return nil
}

// Equal reports deep equality of two cells.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	}
	return true
}

// Row is a flat field→cell mapping. The store never validates its shape;
// callers own schema guarantees.
type Row map[string]Value

// Clone returns an independent copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Equal reports whether two rows hold the same cells.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
