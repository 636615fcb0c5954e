package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// normalizeRawJSON validates a free-form payload and compacts it. Empty input
// and JSON null normalize to nil so the column is stored as NULL.
func normalizeRawJSON(field string, raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrInvalidIngest, field)
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrInvalidIngest, field)
	}
	return json.RawMessage(compacted.Bytes()), nil
}

// rawJSONColumn converts a payload into the text stored in a JSON column.
func rawJSONColumn(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

// decodeRawJSONColumn reverses rawJSONColumn. Postgres reformats JSONB on the
// way out, so the value is compacted again. Invalid stored JSON is dropped
// rather than failing the whole read.
func decodeRawJSONColumn(value string) json.RawMessage {
	value = strings.TrimSpace(value)
	if value == "" || value == "null" {
		return nil
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, []byte(value)); err != nil {
		return nil
	}
	return json.RawMessage(compacted.Bytes())
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeTags(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(value), &tags); err != nil {
		return nil
	}
	return tags
}
