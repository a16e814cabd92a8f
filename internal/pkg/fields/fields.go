// Package fields resolves values out of loosely typed JSON objects where a
// single logical field may appear under several names. Every First* helper
// walks its keys in the order given and returns the first one present, so the
// key order passed by the caller is the precedence order.
//
// A key is present when its value is non-nil; for strings it must also be
// non-blank. Keys containing a dot are treated as paths into nested objects
// ("agent.id").
package fields

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/knadh/koanf/maps"
)

// Lookup returns the value stored under key, following dotted paths.
func Lookup(m map[string]any, key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[key]; ok {
		return v, v != nil
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	v := maps.Search(m, strings.Split(key, "."))
	return v, v != nil
}

// AsMap returns v as an object, or nil.
func AsMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// AsSlice returns v as an array, or nil.
func AsSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// AsString converts scalar JSON values to a trimmed string. Integral numbers
// are rendered without a fractional part so numeric ids resolve cleanly.
func AsString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<63 {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// AsNumber converts numeric JSON values, including numeric strings.
func AsNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// AsBool converts booleans and the strings "true"/"false"/"yes"/"no".
func AsBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1":
			return true, true
		case "false", "no", "n", "0":
			return false, true
		}
	}
	return false, false
}

// FirstString returns the first key holding a non-blank scalar.
func FirstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := Lookup(m, k); ok {
			if s, ok := AsString(v); ok {
				return s
			}
		}
	}
	return ""
}

// FirstNumber returns the first key holding a number.
func FirstNumber(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := Lookup(m, k); ok {
			if n, ok := AsNumber(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// FirstBool returns the first key holding a boolean.
func FirstBool(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		if v, ok := Lookup(m, k); ok {
			if b, ok := AsBool(v); ok {
				return b, true
			}
		}
	}
	return false, false
}

// FirstMap returns the first key holding an object.
func FirstMap(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if v, ok := Lookup(m, k); ok {
			if mm := AsMap(v); mm != nil {
				return mm
			}
		}
	}
	return nil
}

// FirstSlice returns the first key holding an array.
func FirstSlice(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if v, ok := Lookup(m, k); ok {
			if s, ok := v.([]any); ok {
				return s
			}
		}
	}
	return nil
}

// Strings flattens an array of scalars or objects into strings. Objects
// contribute their "message", "text", "title" or "name" field.
func Strings(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, ok := AsString(item); ok {
				out = append(out, s)
				continue
			}
			if s := FirstString(AsMap(item), "message", "text", "title", "description", "name"); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	default:
		if s, ok := AsString(v); ok {
			out = append(out, s)
		}
	}
	return out
}

// FirstStrings returns Strings of the first key holding a non-empty list.
func FirstStrings(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		if v, ok := Lookup(m, k); ok {
			if s := Strings(v); len(s) > 0 {
				return s
			}
		}
	}
	return []string{}
}
