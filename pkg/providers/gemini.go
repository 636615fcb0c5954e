package providers

import "strings"

// GeminiAdapter reads generate-content responses in either the REST
// (camelCase) or SDK (snake_case) spelling.
type GeminiAdapter struct{}

func (GeminiAdapter) Name() string {
	return ProviderGoogle
}

func (GeminiAdapter) ParseResponse(body []byte) (*Response, error) {
	out := &Response{}

	payload, ok := parseJSONMap(body)
	if !ok {
		return out, nil
	}

	out.Model = firstString(payload, "modelVersion", "model_version", "model")
	out.Text = geminiText(payload)

	usage := firstMap(payload, "usageMetadata", "usage_metadata")
	out.InputTokens = firstInt(usage, "promptTokenCount", "prompt_token_count")
	out.OutputTokens = firstInt(usage, "candidatesTokenCount", "candidates_token_count")
	out.TotalTokens = firstInt(usage, "totalTokenCount", "total_token_count")
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out, nil
}

func geminiText(payload map[string]any) string {
	candidates, _ := payload["candidates"].([]any)
	if len(candidates) == 0 {
		return ""
	}
	candidate, _ := candidates[0].(map[string]any)
	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)
	for _, raw := range parts {
		part, _ := raw.(map[string]any)
		if text, _ := part["text"].(string); strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}
