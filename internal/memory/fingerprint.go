package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint derives the deterministic identity of a query context:
// SHA-256 hex over its canonical form. Contexts that differ only in
// string case, surrounding whitespace, or map key order produce the
// same fingerprint.
func Fingerprint(queryContext interface{}) string {
	var b strings.Builder
	writeCanonical(&b, queryContext)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// writeCanonical renders a decoded JSON value into the canonical form:
// string values lowercased with whitespace collapsed, map keys sorted
// (keys themselves stay byte-exact), arrays in order, numbers in their
// shortest float64 form.
func writeCanonical(b *strings.Builder, v interface{}) {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case string:
		buf, _ := json.Marshal(normalizeText(x))
		b.Write(buf)
	case []interface{}:
		b.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			buf, _ := json.Marshal(k)
			b.Write(buf)
			b.WriteByte(':')
			writeCanonical(b, x[k])
		}
		b.WriteByte('}')
	default:
		// Values that did not come through encoding/json (tests passing
		// typed structs) are folded through a JSON round trip.
		buf, err := json.Marshal(x)
		if err != nil {
			b.WriteString(fmt.Sprintf("%v", x))
			return
		}
		var decoded interface{}
		if err := json.Unmarshal(buf, &decoded); err != nil {
			b.Write(buf)
			return
		}
		writeCanonical(b, decoded)
	}
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
