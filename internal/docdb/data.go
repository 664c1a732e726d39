package docdb

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Data is a document body. Values read back from different backends come
// in different Go types; the accessors below normalize them.
type Data map[string]any

// TimeLayout is the fixed-width UTC layout used when a backend stores times
// as strings, so lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (d Data) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (d Data) Time(key string) time.Time {
	return toTime(d[key])
}

func (d Data) Int(key string) int64 {
	f, ok := toFloat(d[key])
	if !ok {
		return 0
	}
	return int64(f)
}

func (d Data) Float(key string) float64 {
	f, _ := toFloat(d[key])
	return f
}

// OptFloat returns nil when key is absent or not numeric.
func (d Data) OptFloat(key string) *float64 {
	f, ok := toFloat(d[key])
	if !ok {
		return nil
	}
	return &f
}

func (d Data) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

func (d Data) Map(key string) Data {
	switch v := d[key].(type) {
	case Data:
		return v
	case map[string]any:
		return Data(v)
	default:
		return nil
	}
}

func (d Data) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// Clone copies d deeply enough that nested maps and slices are not shared.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Data:
		return t.Clone()
	case map[string]any:
		return Data(t).Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	default:
		return v
	}
}

// resolve replaces ServerTimestamp sentinels with now.
func (d Data) resolve(now time.Time) Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch t := v.(type) {
	case serverTimestamp:
		return now
	case Data:
		return t.resolve(now)
	case map[string]any:
		return Data(t).resolve(now)
	default:
		return cloneValue(v)
	}
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// rank orders value kinds the way Firestore does: null, bool, number,
// timestamp, string, array, map.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int32, int64, float32, float64, json.Number:
		return 2
	case time.Time, *time.Time:
		return 3
	case string:
		return 4
	case []any:
		return 5
	default:
		return 6
	}
}

func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch ra {
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		switch {
		case af < bf || (math.IsNaN(af) && !math.IsNaN(bf)):
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case 3:
		return toTime(a).Compare(toTime(b))
	case 4:
		return strings.Compare(a.(string), b.(string))
	case 5:
		as, bs := a.([]any), b.([]any)
		for i := 0; i < len(as) && i < len(bs); i++ {
			if c := compareValues(as[i], bs[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(as), len(bs))
	default:
		return 0
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func valuesEqual(a, b any) bool {
	if rank(a) != rank(b) {
		return false
	}
	return compareValues(a, b) == 0
}
