package rules

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"crashmill/common/format/crash"
)

var errNotNumber = errors.New("not a number")

// parseInt accepts integral numbers and base 10 strings. Fractional numbers
// are truncated.
func parseInt(v any) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, errNotNumber
		}
		if t >= math.MaxInt64 || t < math.MinInt64 {
			return 0, strconv.ErrRange
		}
		return int64(t), nil
	}
	if i, ok := crash.ToInt(v); ok {
		return i, nil
	}
	return 0, errNotNumber
}

func parseFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	}
	if i, ok := crash.ToInt(v); ok {
		return float64(i), nil
	}
	return 0, errNotNumber
}

// text renders an annotation value for notes.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case string:
		return t
	}
	return fmt.Sprint(v)
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		res := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	}
	return nil
}

func anySlice(items []string) []any {
	res := make([]any, len(items))
	for i, s := range items {
		res[i] = s
	}
	return res
}

// lookupString returns the string at path or def when it is missing or of
// another type.
func lookupString(d crash.Document, def string, path ...string) string {
	v, ok := d.Lookup(path...)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// crashingFrames returns the frames of thread index within json_dump.
func crashingFrames(d crash.Document, index any) ([]any, bool) {
	i, ok := crash.ToInt(index)
	if !ok {
		return nil, false
	}
	v, ok := d.Lookup("json_dump", "threads", strconv.FormatInt(i, 10), "frames")
	if !ok {
		return nil, false
	}
	frames, ok := v.([]any)
	return frames, ok
}
