package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// The document is assembled from a handful of printable pieces:
//
//	braced     { inner }
//	fields     a, b, c
//	fieldSet   name { fields }
//	named      name: value
//	call       name( a: 1, b: 2 )

func braced(inner string) string { return "{ " + inner + " }" }

func fields(items ...string) string { return strings.Join(items, ", ") }

func fieldSet(name string, inner string) string { return name + " " + braced(inner) }

func named(name, value string) string { return name + ": " + value }

func call(name string, args ...string) string {
	return name + "( " + strings.Join(args, ", ") + " )"
}

// baseCall renders a paginated collection call. Empty where and include
// clauses are omitted.
func baseCall(name string, offset, limit int, where, include string) string {
	args := []string{
		named("offset", strconv.Itoa(offset)),
		named("limit", strconv.Itoa(limit)),
	}
	if where != "" {
		args = append(args, named("where", where))
	}
	if include != "" {
		args = append(args, named("include", include))
	}
	return call(name, args...)
}

// ObjectIntoNamedFields renders obj as comma separated named fields, keys
// sorted:
//
//	{"qux": 2, "foo": "bar"}  ->  foo: "bar", qux: 2
func ObjectIntoNamedFields(obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, named(k, valueText(obj[k])))
	}
	return fields(out...)
}

func valueText(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		b, _ := json.Marshal(x)
		return string(b)
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x)
	case json.Number:
		return x.String()
	case map[string]any:
		return braced(ObjectIntoNamedFields(x))
	case []any:
		items := make([]string, 0, len(x))
		for _, item := range x {
			if m, ok := item.(map[string]any); ok {
				items = append(items, braced(ObjectIntoNamedFields(m)))
				continue
			}
			items = append(items, valueText(item))
		}
		return "[ " + fields(items...) + " ]"
	}
	// Slices and maps of concrete types go through JSON to reach the
	// generic forms above.
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Sprint(v)
	}
	return valueText(generic)
}
