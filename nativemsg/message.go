package nativemsg

import (
	"encoding/json"
	"strconv"
)

// Has reports whether key is present, even with a null value.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// String returns m[key] if it is a string.
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Int returns m[key] as an integer, or def when absent or not numeric.
func (m Message) Int(key string, def int64) int64 {
	switch v := m[key].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil && f == float64(int64(f)) {
			return int64(f)
		}
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		if v == float64(int64(v)) {
			return int64(v)
		}
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

// Float returns m[key] as a float, or def when absent or not numeric.
func (m Message) Float(key string, def float64) float64 {
	switch v := m[key].(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Object returns m[key] as a nested message, or nil.
func (m Message) Object(key string) Message {
	switch v := m[key].(type) {
	case map[string]any:
		return Message(v)
	case Message:
		return v
	}
	return nil
}

// Truthy reports whether m[key] is present and not a zero value:
// null, false, 0, "" and empty arrays or objects are all false.
func (m Message) Truthy(key string) bool {
	return Truthy(m[key])
}

// Truthy applies the helper protocol's notion of a set flag to a JSON value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case Message:
		return len(t) > 0
	default:
		return true
	}
}

// JSON renders m for logs. Marshal failures render as "{}".
func (m Message) JSON() string {
	data, err := json.Marshal(map[string]any(m))
	if err != nil {
		return "{}"
	}
	return string(data)
}
