package providers

import (
	"encoding/json"
	"strings"
)

type AnthropicAdapter struct{}

type anthropicMessage struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (AnthropicAdapter) Name() string {
	return ProviderAnthropic
}

func (AnthropicAdapter) ParseResponse(body []byte) (*Response, error) {
	out := &Response{}

	var msg anthropicMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return out, nil
	}

	out.Model = strings.TrimSpace(msg.Model)
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			out.Text = block.Text
			break
		}
	}
	out.InputTokens = msg.Usage.InputTokens
	out.OutputTokens = msg.Usage.OutputTokens
	out.TotalTokens = out.InputTokens + out.OutputTokens
	return out, nil
}
