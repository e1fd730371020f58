package conflict

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kimhsiao/bridgesync/internal/models"
)

// freeTextFields are never merged; the preferred side's value is kept verbatim.
var freeTextFields = map[string]bool{
	"body":         true,
	"content":      true,
	"message":      true,
	"description":  true,
	"html_content": true,
}

// Merge combines two snapshots field by field, preferring preferred.
//
//   - free-text fields come from preferred as is, or from other only when
//     preferred does not carry the field at all
//   - list fields are unioned, preferred entries first
//   - counters (fields named *_count or count) take the larger value
//   - anything else takes the preferred value unless it is empty
func Merge(preferred, other models.Payload) models.Payload {
	out := make(models.Payload, len(preferred)+len(other))

	for _, key := range unionKeys(preferred, other) {
		pv, pok := preferred[key]
		ov, ook := other[key]

		switch {
		case !pok:
			out[key] = ov
		case !ook:
			out[key] = pv
		case freeTextFields[key]:
			out[key] = pv
		case isList(pv) && isList(ov):
			out[key] = unionList(pv, ov)
		case isCounter(key):
			out[key] = maxNumber(pv, ov)
		case isEmpty(pv):
			out[key] = ov
		default:
			out[key] = pv
		}
	}
	return out
}

func unionKeys(a, b models.Payload) []string {
	seen := make(map[string]bool, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, p := range []models.Payload{a, b} {
		for k := range p {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func isCounter(key string) bool {
	return key == "count" || strings.HasSuffix(key, "_count")
}

func isList(v interface{}) bool {
	switch v.(type) {
	case []interface{}, []string:
		return true
	}
	return false
}

func toList(v interface{}) []interface{} {
	switch l := v.(type) {
	case []interface{}:
		return l
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	}
	return nil
}

func unionList(preferred, other interface{}) []interface{} {
	a, b := toList(preferred), toList(other)
	out := make([]interface{}, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, l := range [][]interface{}{a, b} {
		for _, v := range l {
			k := listKey(v)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func listKey(v interface{}) string {
	if s, ok := v.(string); ok {
		return "s:" + s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("v:%v", v)
	}
	return "j:" + string(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func maxNumber(preferred, other interface{}) interface{} {
	pf, pok := toFloat(preferred)
	of, ook := toFloat(other)
	switch {
	case pok && ook:
		if of > pf {
			return other
		}
		return preferred
	case pok:
		return preferred
	case ook:
		return other
	}
	return preferred
}

func isEmpty(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []interface{}:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]interface{}:
		return len(x) == 0
	}
	return false
}
