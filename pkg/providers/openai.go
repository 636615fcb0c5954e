package providers

import (
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIAdapter struct{}

func (OpenAIAdapter) Name() string {
	return ProviderOpenAI
}

func (OpenAIAdapter) ParseResponse(body []byte) (*Response, error) {
	out := &Response{}

	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return out, nil
	}

	out.Model = strings.TrimSpace(resp.Model)
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	out.InputTokens = int64(resp.Usage.PromptTokens)
	out.OutputTokens = int64(resp.Usage.CompletionTokens)
	out.TotalTokens = int64(resp.Usage.TotalTokens)
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out, nil
}
