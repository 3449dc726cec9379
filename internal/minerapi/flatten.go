package minerapi

import "strconv"

// Flatten turns a nested JSON document into dotted scalar keys, for example
// {"stratum":{"pools":[{"connected":true}]}} becomes
// {"stratum.pools.0.connected": true}. Nulls are dropped.
func Flatten(prefix string, doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	flattenInto(out, prefix, doc)
	return out
}

func flattenInto(out map[string]any, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			flattenInto(out, join(prefix, k), child)
		}
	case []any:
		for i, child := range t {
			flattenInto(out, join(prefix, strconv.Itoa(i)), child)
		}
	case nil:
	default:
		out[prefix] = t
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
