package providers

import (
	"encoding/json"
	"strings"
)

func parseJSONMap(raw []byte) (map[string]any, bool) {
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil, false
	}
	return out, true
}

func firstInt(values map[string]any, keys ...string) int64 {
	for _, key := range keys {
		raw, ok := values[key]
		if !ok {
			continue
		}
		switch typed := raw.(type) {
		case float64:
			return int64(typed)
		case int:
			return int64(typed)
		}
	}
	return 0
}

func firstString(values map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := values[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func firstMap(values map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if value, ok := values[key].(map[string]any); ok {
			return value
		}
	}
	return nil
}

func extractUsage(payload map[string]any) (int64, int64, int64) {
	usage := firstMap(payload, "usage")
	if usage == nil {
		return 0, 0, 0
	}

	input := firstInt(usage, "prompt_tokens", "input_tokens")
	output := firstInt(usage, "completion_tokens", "output_tokens")
	total := firstInt(usage, "total_tokens")
	if total == 0 {
		total = input + output
	}
	return input, output, total
}

func extractModel(payload map[string]any) string {
	return firstString(payload, "model")
}
