// Package crash contains the dynamic document used for raw and processed crashes
package crash

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// ISO 8601 with microseconds, the format of submitted_timestamp and
	// the *_datetime fields
	ISOLayout = "2006-01-02T15:04:05.000000-07:00"
	// Format of client_crash_date
	ClientDateLayout = "2006-01-02T15:04:05-07:00"
)

// Document is a raw or processed crash: a JSON object with arbitrary nesting.
// Nested objects are stored as map[string]any.
type Document map[string]any

func FromJson(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}

func (d Document) Json() ([]byte, error) {
	return json.Marshal(d)
}

func (d Document) Get(key string) (any, bool) {
	v, ok := d[key]
	return v, ok
}

func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// String returns the value under key when it is a string.
func (d Document) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// StringOr returns the string under key or def.
func (d Document) StringOr(key, def string) string {
	if s, ok := d.String(key); ok {
		return s
	}
	return def
}

// Int returns the value under key when it is an integral number.
// Strings are not converted.
func (d Document) Int(key string) (int64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	return ToInt(v)
}

func (d Document) Map(key string) (map[string]any, bool) {
	return ToMap(d[key])
}

func (d Document) Slice(key string) ([]any, bool) {
	s, ok := d[key].([]any)
	return s, ok
}

// Lookup walks nested objects and arrays. Array elements are addressed by
// their decimal index.
func (d Document) Lookup(path ...string) (any, bool) {
	var cur any = map[string]any(d)
	for _, p := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = v
		case Document:
			v, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Copy returns a deep copy of the document.
func (d Document) Copy() Document {
	if d == nil {
		return nil
	}
	return Document(DeepCopy(map[string]any(d)).(map[string]any))
}

// DeepCopy copies maps and slices recursively. Scalars are shared.
func DeepCopy(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[k] = DeepCopy(val)
		}
		return out
	case Document:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[k] = DeepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, val := range node {
			out[i] = DeepCopy(val)
		}
		return out
	case []string:
		return append([]string(nil), node...)
	default:
		return v
	}
}

func ToMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return map[string]any(m), true
	}
	return nil, false
}

// ToInt converts numeric JSON values holding an integer.
func ToInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return ToInt(float64(n))
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// Truthy follows the usual dynamic-language truth rules: nil, false, zero,
// empty strings and empty containers are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case Document:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case float64:
		return t != 0
	}
	if i, ok := ToInt(v); ok {
		return i != 0
	}
	return true
}

// Format renders a timestamp in ISOLayout.
func Format(t time.Time) string {
	return t.Format(ISOLayout)
}

// ParseTimestamp accepts ISOLayout and the RFC 3339 variants clients send.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(ISOLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}

// SpacedJson marshals v with sorted object keys, ", " and ": " separators.
// This is the layout stored for annotations that arrive as objects.
func SpacedJson(v any) (string, error) {
	var buf bytes.Buffer
	if err := writeSpaced(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeSpaced(buf *bytes.Buffer, v any) error {
	switch node := v.(type) {
	case Document:
		return writeSpaced(buf, map[string]any(node))
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteString(": ")
			if err := writeSpaced(buf, node[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range node {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeSpaced(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(node)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
