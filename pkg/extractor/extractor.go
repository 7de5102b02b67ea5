// Package extractor isolates the JSON payload embedded in raw model output
// and decodes it against a closed, per-document-type schema.
package extractor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/medrex/scribe/pkg/types"
)

// Locate returns the substring from the first opening brace to the last
// closing brace of raw.
func Locate(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", types.NewExtractionError(types.ErrCodeNoStructuredPayload,
			"model output contains no structured payload", "", nil)
	}
	return raw[start : end+1], nil
}

// Extract decodes the structured payload found in raw into typed content.
// Fields absent from the payload, or explicitly null, are left empty.
// Unknown keys at any depth and values of the wrong JSON type are rejected.
func Extract(raw string, docType types.DocumentType) (*types.NoteContent, error) {
	if !docType.Valid() {
		return nil, types.NewExtractionError(types.ErrCodeSchemaMismatch,
			fmt.Sprintf("unsupported document type %q", docType), "", nil)
	}

	candidate, err := Locate(raw)
	if err != nil {
		return nil, err
	}

	if err := checkWellFormed(candidate); err != nil {
		return nil, err
	}

	content := &types.NoteContent{Type: docType}
	if err := contentSchema(content).decode("", json.RawMessage(candidate)); err != nil {
		return nil, err
	}
	return content, nil
}

// DecodeContent decodes clinician-edited content, supplied as a bare JSON
// object, against the same closed schema as Extract. The object may also
// carry a "type" key, which must be empty or name docType.
func DecodeContent(raw json.RawMessage, docType types.DocumentType) (*types.NoteContent, error) {
	if !docType.Valid() {
		return nil, types.NewExtractionError(types.ErrCodeSchemaMismatch,
			fmt.Sprintf("unsupported document type %q", docType), "", nil)
	}
	if len(bytes.TrimSpace(raw)) == 0 || isNull(raw) {
		return nil, mismatch("", "content is required", nil)
	}
	if err := checkWellFormed(string(raw)); err != nil {
		return nil, err
	}

	content := &types.NoteContent{Type: docType}
	schema := contentSchema(content)
	schema["type"] = func(path string, raw json.RawMessage) error {
		var declared string
		if err := stringField(&declared)(path, raw); err != nil {
			return err
		}
		if declared != "" && types.DocumentType(declared) != docType {
			return mismatch(path, fmt.Sprintf("content of a %s document declares type %q", docType, declared), nil)
		}
		return nil
	}
	if err := schema.decode("", raw); err != nil {
		return nil, err
	}
	return content, nil
}

func contentSchema(content *types.NoteContent) objectSchema {
	if content.Type.IsFindingsSummary() {
		return findingsSummarySchema(content)
	}
	return soapNoteSchema(content)
}

func checkWellFormed(candidate string) error {
	var decoded interface{}
	err := json.Unmarshal([]byte(candidate), &decoded)
	if err == nil {
		return nil
	}

	details := map[string]interface{}{}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		details["offset"] = syntaxErr.Offset
	}
	extractionErr := types.NewExtractionError(types.ErrCodeMalformedPayload,
		"structured payload is not well-formed JSON", "", err)
	extractionErr.Details = details
	return extractionErr
}

// fieldDecoder decodes one raw value found at path
type fieldDecoder func(path string, raw json.RawMessage) error

// objectSchema maps every recognized key of a JSON object to its decoder
type objectSchema map[string]fieldDecoder

func (s objectSchema) decode(path string, raw json.RawMessage) error {
	if isNull(raw) {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return mismatch(path, "expected an object", err)
	}

	// Sorted iteration keeps the reported field stable across runs.
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fieldPath := joinPath(path, key)
		decode, ok := s[key]
		if !ok {
			return mismatch(fieldPath, "unrecognized key", nil)
		}
		if err := decode(fieldPath, obj[key]); err != nil {
			return err
		}
	}
	return nil
}

func stringField(dst *string) fieldDecoder {
	return func(path string, raw json.RawMessage) error {
		if isNull(raw) {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return mismatch(path, "expected a string", err)
		}
		return nil
	}
}

func stringListField(dst *[]string) fieldDecoder {
	return func(path string, raw json.RawMessage) error {
		if isNull(raw) {
			return nil
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return mismatch(path, "expected a list of strings", err)
		}
		out := make([]string, 0, len(items))
		for i, item := range items {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				return mismatch(fmt.Sprintf("%s[%d]", path, i), "expected a string", err)
			}
			out = append(out, s)
		}
		*dst = out
		return nil
	}
}

func numberField(dst **float64) fieldDecoder {
	return func(path string, raw json.RawMessage) error {
		if isNull(raw) {
			return nil
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return mismatch(path, "expected a number", err)
		}
		*dst = &n
		return nil
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func mismatch(path, reason string, cause error) error {
	return types.NewExtractionError(types.ErrCodeSchemaMismatch,
		fmt.Sprintf("payload does not match schema: %s", reason), path, cause)
}
