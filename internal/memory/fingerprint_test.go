package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStringNormalization(t *testing.T) {
	base := Fingerprint("Plan the Quarterly Review")
	assert.Equal(t, base, Fingerprint("plan the quarterly review"))
	assert.Equal(t, base, Fingerprint("  plan   THE quarterly\treview "))
	assert.NotEqual(t, base, Fingerprint("plan the quarterly reviews"))
}

func TestFingerprintMapKeyOrderIrrelevant(t *testing.T) {
	a := Fingerprint(map[string]interface{}{"x": 1.0, "y": "Two", "z": []interface{}{true, nil}})
	b := Fingerprint(map[string]interface{}{"z": []interface{}{true, nil}, "y": "two", "x": 1.0})
	assert.Equal(t, a, b)
}

func TestFingerprintDistinguishesStructure(t *testing.T) {
	assert.NotEqual(t,
		Fingerprint([]interface{}{"a", "b"}),
		Fingerprint([]interface{}{"b", "a"}),
		"array order is significant")
	assert.NotEqual(t,
		Fingerprint(map[string]interface{}{"k": "1"}),
		Fingerprint(map[string]interface{}{"k": 1.0}),
		"string and number values differ")
	assert.NotEqual(t, Fingerprint(nil), Fingerprint(""))
}

func TestFingerprintTypedValuesMatchDecodedJSON(t *testing.T) {
	type probe struct {
		Task  string `json:"task"`
		Count int    `json:"count"`
	}
	typed := Fingerprint(probe{Task: "Summarize Logs", Count: 3})
	decoded := Fingerprint(map[string]interface{}{"task": "summarize logs", "count": 3.0})
	assert.Equal(t, typed, decoded, "typed values fold through a JSON round trip")
}
