package schema

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
	"sync"

	"crashmill/common/format/crash"
)

// Reducer copies the parts of a document the schema knows about and checks
// their types. Unknown keys are dropped silently. The schema must be
// resolved.
type Reducer struct {
	schema Schema

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
}

func NewReducer(s Schema) *Reducer {
	return &Reducer{
		schema:  s,
		regexes: make(map[string]*regexp.Regexp),
	}
}

// Traverse returns a new reduced document. The input is never modified.
func (r *Reducer) Traverse(doc any) (any, error) {
	return r.traverse("", map[string]any(r.schema), doc)
}

func (r *Reducer) traverse(path string, node map[string]any, value any) (any, error) {
	types := Types(node)
	valueType := typeOf(value)
	if len(types) > 0 && !typeMatches(valueType, types) {
		return nil, &InvalidDocumentError{
			Path: path,
			Msg:  fmt.Sprintf("type %s not in [%s]", valueType, strings.Join(types, ", ")),
		}
	}

	switch v := value.(type) {
	case map[string]any:
		return r.traverseObject(path, node, v)
	case crash.Document:
		return r.traverseObject(path, node, map[string]any(v))
	case []any:
		items, ok := node["items"].(map[string]any)
		if !ok {
			return crash.DeepCopy(v), nil
		}
		out := make([]any, 0, len(v))
		for i, item := range v {
			reduced, err := r.traverse(fmt.Sprintf("%s.[%d]", path, i), items, item)
			if err != nil {
				return nil, err
			}
			out = append(out, reduced)
		}
		return out, nil
	}
	return value, nil
}

func (r *Reducer) traverseObject(path string, node map[string]any, value map[string]any) (any, error) {
	props, hasProps := node["properties"].(map[string]any)
	patterns, hasPatterns := node["pattern_properties"].(map[string]any)
	if !hasProps && !hasPatterns {
		// opaque object
		return crash.DeepCopy(value), nil
	}

	out := make(map[string]any)
	for _, key := range sortedKeys(value) {
		child, ok := props[key].(map[string]any)
		if !ok {
			child, ok = r.matchPattern(patterns, key)
		}
		if !ok {
			continue
		}
		reduced, err := r.traverse(joinPath(path, key), child, value[key])
		if err != nil {
			return nil, err
		}
		out[key] = reduced
	}
	return out, nil
}

func (r *Reducer) matchPattern(patterns map[string]any, key string) (map[string]any, bool) {
	for _, pattern := range sortedKeys(patterns) {
		rx, err := r.regex(pattern)
		if err != nil {
			continue
		}
		if rx.MatchString(key) {
			child, ok := patterns[pattern].(map[string]any)
			return child, ok
		}
	}
	return nil, false
}

func (r *Reducer) regex(pattern string) (*regexp.Regexp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rx, ok := r.regexes[pattern]; ok {
		return rx, nil
	}
	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.regexes[pattern] = rx
	return rx, nil
}

func typeOf(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]any, crash.Document:
		return "object"
	case []any:
		return "array"
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return "integer"
		}
		return "number"
	case float32:
		return "number"
	}
	if _, ok := crash.ToInt(v); ok {
		return "integer"
	}
	return fmt.Sprintf("%T", v)
}

func typeMatches(valueType string, types []string) bool {
	if slices.Contains(types, valueType) {
		return true
	}
	// an integer is a number as well
	return valueType == "integer" && slices.Contains(types, "number")
}
