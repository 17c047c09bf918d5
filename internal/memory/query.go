package memory

import (
	"fmt"

	"github.com/tessellate-ai/ltm/internal/apierrors"
)

// QueryKind discriminates the closed retrieval-query sum.
type QueryKind string

const (
	QueryText     QueryKind = "text"
	QueryVector   QueryKind = "vector"
	QueryMetadata QueryKind = "metadata"
)

// Query is the parsed retrieval query: exactly one of Text, Vector, or
// Metadata is populated, named by Kind.
type Query struct {
	Kind     QueryKind
	Text     string
	Vector   []float32
	Metadata map[string]interface{}
}

// TextQuery builds a text-kind query.
func TextQuery(text string) Query { return Query{Kind: QueryText, Text: text} }

// VectorQuery builds a vector-kind query.
func VectorQuery(vec []float32) Query { return Query{Kind: QueryVector, Vector: vec} }

// MetadataQuery builds a metadata-kind query.
func MetadataQuery(m map[string]interface{}) Query { return Query{Kind: QueryMetadata, Metadata: m} }

// ParseQuery classifies a decoded JSON query value. A string is a text
// query; an array of numbers is a vector; an object with a single
// "text" or "vector" key routes explicitly; any other non-empty object
// is a metadata filter.
func ParseQuery(raw interface{}) (Query, error) {
	switch v := raw.(type) {
	case nil:
		return Query{}, apierrors.Validation("query is required", map[string]interface{}{
			"query": "missing",
		})
	case string:
		if v == "" {
			return Query{}, apierrors.Validation("query text must not be empty", map[string]interface{}{
				"query": "empty string",
			})
		}
		return TextQuery(v), nil
	case []interface{}:
		vec, err := toVector(v)
		if err != nil {
			return Query{}, err
		}
		return VectorQuery(vec), nil
	case map[string]interface{}:
		if raw, ok := v["text"]; ok && len(v) == 1 {
			s, isStr := raw.(string)
			if !isStr || s == "" {
				return Query{}, apierrors.Validation("query.text must be a non-empty string", map[string]interface{}{
					"query.text": fmt.Sprintf("%T", raw),
				})
			}
			return TextQuery(s), nil
		}
		if raw, ok := v["vector"]; ok && len(v) == 1 {
			arr, isArr := raw.([]interface{})
			if !isArr {
				return Query{}, apierrors.Validation("query.vector must be an array of numbers", map[string]interface{}{
					"query.vector": fmt.Sprintf("%T", raw),
				})
			}
			vec, err := toVector(arr)
			if err != nil {
				return Query{}, err
			}
			return VectorQuery(vec), nil
		}
		if len(v) == 0 {
			return Query{}, apierrors.Validation("metadata query must not be empty", map[string]interface{}{
				"query": "empty object",
			})
		}
		return MetadataQuery(v), nil
	default:
		return Query{}, apierrors.Validation("query must be text, a vector, or a metadata object", map[string]interface{}{
			"query": fmt.Sprintf("unsupported type %T", raw),
		})
	}
}

func toVector(arr []interface{}) ([]float32, error) {
	if len(arr) == 0 {
		return nil, apierrors.Validation("query vector must not be empty", map[string]interface{}{
			"query": "empty array",
		})
	}
	vec := make([]float32, len(arr))
	for i, item := range arr {
		f, ok := item.(float64)
		if !ok {
			return nil, apierrors.Validation("query vector must contain only numbers", map[string]interface{}{
				"query": fmt.Sprintf("element %d is %T", i, item),
			})
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// NormalizeLimit applies the default and bounds-checks the result.
func NormalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit < 1 || limit > MaxLimit {
		return 0, apierrors.Validation("limit out of range", map[string]interface{}{
			"limit": fmt.Sprintf("must be in [1,%d], got %d", MaxLimit, limit),
		})
	}
	return limit, nil
}
