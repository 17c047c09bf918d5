package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ltm/internal/apierrors"
)

// errorEnvelope is the single error shape every endpoint emits.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    apierrors.Code         `json:"code"`
	Message string                 `json:"message"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError classifies err into the taxonomy and emits the envelope.
// INTERNAL causes are logged with the request context; everything else
// already carries a caller-safe message.
func writeError(w http.ResponseWriter, log *zap.Logger, r *http.Request, err error) {
	apiErr := apierrors.FromError(err)
	if apiErr.Code == apierrors.CodeInternal {
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, apierrors.HTTPStatus(apiErr.Code), errorEnvelope{Error: errorBody{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Detail:  apiErr.Detail,
	}})
}

// decodeBody strictly decodes the request body into dst. Unknown fields,
// malformed JSON, and type mismatches become VALIDATION_ERROR with the
// offending field named; a missing body is an error unless optional.
func decodeBody(r *http.Request, dst interface{}, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	switch {
	case err == nil:
		// One JSON document per request.
		if dec.More() {
			return apierrors.Validation("request body must be a single JSON document", map[string]interface{}{
				"body": "trailing data after the JSON value",
			})
		}
		return nil
	case errors.Is(err, io.EOF):
		if optional {
			return nil
		}
		return apierrors.Validation("request body required", map[string]interface{}{
			"body": "expected a JSON object",
		})
	default:
		return decodeError(err)
	}
}

// decodeError maps json decoding failures to field-level diagnostics.
func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		return apierrors.Validation("invalid request body", map[string]interface{}{
			field: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		})
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return apierrors.Validation("malformed JSON body", map[string]interface{}{
			"body": fmt.Sprintf("syntax error at offset %d", syntaxErr.Offset),
		})
	}

	// encoding/json exposes unknown-field rejection only as a string.
	if msg := err.Error(); strings.Contains(msg, "unknown field") {
		field := strings.Trim(msg[strings.LastIndex(msg, " ")+1:], `"`)
		return apierrors.Validation("unknown field in request body", map[string]interface{}{
			field: "not an accepted field",
		})
	}

	return apierrors.Validation("invalid request body", map[string]interface{}{
		"body": err.Error(),
	})
}

// strictUnmarshal applies decodeBody's strictness to an embedded raw
// document, for payloads nested inside an already-decoded body.
func strictUnmarshal(raw json.RawMessage, dst interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	return nil
}

// rawPresent reports whether a raw field was supplied with a non-null
// value.
func rawPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// parseAny decodes a raw field into the generic JSON shape the memory
// modules accept.
func parseAny(raw json.RawMessage) interface{} {
	if !rawPresent(raw) {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// orEmpty keeps empty result sets serializing as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
