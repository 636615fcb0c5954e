package providers

// Response is the provider-neutral view of one model response.
type Response struct {
	Model        string
	Text         string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// Adapter extracts model, output text and token usage from a raw response
// body. Malformed bodies yield an empty response rather than an error.
type Adapter interface {
	Name() string
	ParseResponse(body []byte) (*Response, error)
}
