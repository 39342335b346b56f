package syncx

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// GetString safely extracts a string value from a column map
func GetString(m map[string]any, k string) (string, bool) {
	if v, ok := m[k]; ok {
		if s, ok2 := v.(string); ok2 {
			return s, true
		}
	}
	return "", false
}

// ValueKey returns a canonical string for a column value so that values that
// went through different codecs (JSON numbers, driver int64, strings) compare
// equal. Returns false for nil.
func ValueKey(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + t, true
	case []byte:
		return "s:" + string(t), true
	case bool:
		return "b:" + strconv.FormatBool(t), true
	case int:
		return "n:" + strconv.FormatInt(int64(t), 10), true
	case int32:
		return "n:" + strconv.FormatInt(int64(t), 10), true
	case int64:
		return "n:" + strconv.FormatInt(t, 10), true
	case float32:
		return floatKey(float64(t)), true
	case float64:
		return floatKey(t), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return "n:" + strconv.FormatInt(i, 10), true
		}
		if f, err := t.Float64(); err == nil {
			return floatKey(f), true
		}
		return "s:" + t.String(), true
	default:
		return "v:" + fmt.Sprint(t), true
	}
}

func floatKey(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return "n:" + strconv.FormatInt(int64(f), 10)
	}
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
}

// SameValue reports whether two column values are equal under ValueKey
func SameValue(a, b any) bool {
	ka, oka := ValueKey(a)
	kb, okb := ValueKey(b)
	return oka == okb && ka == kb
}

// Project keeps only the listed columns (plus the primary key). An empty
// column list keeps everything.
func Project(values map[string]any, columns []string, primaryKey string) map[string]any {
	if values == nil {
		return nil
	}
	if len(columns) == 0 {
		out := make(map[string]any, len(values))
		for k, v := range values {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(columns)+1)
	for _, c := range columns {
		if v, ok := values[c]; ok {
			out[c] = v
		}
	}
	if primaryKey != "" {
		if v, ok := values[primaryKey]; ok {
			out[primaryKey] = v
		}
	}
	return out
}

// MatchesFilter evaluates a table's equality filter against a row using the
// session parameters. A filter column whose parameter is absent from params
// does not restrict the selection.
func MatchesFilter(values map[string]any, filter map[string]string, params map[string]any) bool {
	for column, param := range filter {
		want, ok := params[param]
		if !ok {
			continue
		}
		if !SameValue(values[column], want) {
			return false
		}
	}
	return true
}
