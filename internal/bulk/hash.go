package bulk

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/agentic-research/dupe/internal/store"
)

// canonical renders v as JSON with sorted object keys and every scalar as
// a string, so payloads that differ only in key order or number
// representation render the same.
func canonical(v any) ([]byte, error) {
	return json.Marshal(stringify(v))
}

func stringify(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case store.Row:
		return stringifyMap(x)
	case map[string]any:
		return stringifyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = stringify(e)
		}
		return out
	case []store.Row:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = stringifyMap(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = stringifyMap(e)
		}
		return out
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func stringifyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = stringify(v)
	}
	return out
}

// Hash is the content hash of a reference object.
func Hash(v any) (uint64, error) {
	b, err := canonical(v)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}

// timeLayouts are the renderings of a timestamp sent back by a client
// (JSON) or written by SQLite (CURRENT_TIMESTAMP).
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// asTime parses v when it is a string and other is a timestamp, so both
// sides render the same.
func asTime(v, other any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if _, ok := other.(time.Time); !ok {
		return v
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return v
}

// sameValue compares a stored and a requested value by canonical form.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	a, b = asTime(a, b), asTime(b, a)
	x, err := canonical(a)
	if err != nil {
		return false
	}
	y, err := canonical(b)
	if err != nil {
		return false
	}
	return string(x) == string(y)
}
