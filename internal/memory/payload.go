package memory

import (
	"hash/fnv"
	"reflect"
	"time"
)

// unixSeconds renders a time the way every persisted timestamp is
// stored: Unix seconds as a 64-bit float.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadFloat(p map[string]interface{}, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func payloadInt(p map[string]interface{}, key string) int64 {
	return int64(payloadFloat(p, key))
}

// payloadMatches reports whether every filter field is present in the
// payload with a deeply equal value.
func payloadMatches(p map[string]interface{}, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := p[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// stripeCount is the number of per-id write locks; ids hash onto them.
const stripeCount = 64

func stripeFor(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32() % stripeCount
}
