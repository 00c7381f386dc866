package rowstore

import (
	"encoding/json"
	"math"
	"time"
)

// Sanitize converts one loosely-typed field (a json-decoded tree) into a
// cell value. The second return is false when the field must be dropped:
// nils, non-finite numbers, and unrepresentable types are dropped rather
// than stored as a null marker. Maps and slices are recursively cleaned and
// serialized to a JSON string; consumers parse them back.
func Sanitize(v any) (Value, bool) {
	switch x := v.(type) {
	case nil:
		return Value{}, false
	case string:
		return String(x), true
	case bool:
		return Bool(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, false
		}
		return Number(x), true
	case float32:
		return Sanitize(float64(x))
	case int:
		return Number(float64(x)), true
	case int32:
		return Number(float64(x)), true
	case int64:
		return Number(float64(x)), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{}, false
		}
		return Sanitize(f)
	case time.Time:
		return String(x.UTC().Format(time.RFC3339Nano)), true
	case map[string]any, []any:
		clean, ok := cleanTree(x)
		if !ok {
			return Value{}, false
		}
		b, err := json.Marshal(clean)
		if err != nil {
			return Value{}, false
		}
		return String(string(b)), true
	}
	return Value{}, false
}

// SanitizeDoc flattens a remote document into a Row, dropping fields that
// Sanitize rejects.
func SanitizeDoc(doc map[string]any) Row {
	row := make(Row, len(doc))
	for k, v := range doc {
		if cell, ok := Sanitize(v); ok {
			row[k] = cell
		}
	}
	return row
}

// cleanTree removes nils and non-finite numbers from a nested structure so
// the serialized form round-trips through JSON.
func cleanTree(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case string, bool:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, false
		}
		return x, true
	case float32:
		return cleanTree(float64(x))
	case int:
		return x, true
	case int32:
		return x, true
	case int64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, false
		}
		return cleanTree(f)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), true
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, mv := range x {
			if cv, ok := cleanTree(mv); ok {
				out[k] = cv
			}
		}
		return out, true
	case []any:
		out := make([]any, 0, len(x))
		for _, sv := range x {
			if cv, ok := cleanTree(sv); ok {
				out = append(out, cv)
			}
		}
		return out, true
	}
	return nil, false
}
