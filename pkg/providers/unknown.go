package providers

// UnknownAdapter reads the common model and usage fields shared by most
// chat APIs.
type UnknownAdapter struct{}

func (UnknownAdapter) Name() string {
	return ProviderUnknown
}

func (UnknownAdapter) ParseResponse(body []byte) (*Response, error) {
	out := &Response{}

	payload, ok := parseJSONMap(body)
	if !ok {
		return out, nil
	}

	out.Model = extractModel(payload)
	out.InputTokens, out.OutputTokens, out.TotalTokens = extractUsage(payload)
	return out, nil
}
