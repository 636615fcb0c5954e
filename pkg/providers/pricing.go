package providers

import (
	"fmt"
	"math"
	"strings"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	ProviderUnknown   = "unknown"
)

// PriceEntry prices models whose lowercased name contains Match, in USD per
// million tokens.
type PriceEntry struct {
	Match            string
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPriceTable returns the built-in table. Order matters: the first
// matching entry wins.
func DefaultPriceTable() []PriceEntry {
	return []PriceEntry{
		{Match: "gemini-2.0-flash", InputPerMillion: 0, OutputPerMillion: 0},
		{Match: "gemini-1.5-flash", InputPerMillion: 0, OutputPerMillion: 0},
		{Match: "gemini-1.5-pro", InputPerMillion: 1.25, OutputPerMillion: 5.00},
		{Match: "gpt-4", InputPerMillion: 30, OutputPerMillion: 60},
		{Match: "gpt-3.5-turbo", InputPerMillion: 0.50, OutputPerMillion: 1.50},
	}
}

// Pricing implements trace.Pricer over an ordered price table.
type Pricing struct {
	entries []PriceEntry
}

// NewPricing validates entries and builds a Pricing. An empty table selects
// the defaults.
func NewPricing(entries []PriceEntry) (*Pricing, error) {
	if len(entries) == 0 {
		return &Pricing{entries: DefaultPriceTable()}, nil
	}
	normalized := make([]PriceEntry, 0, len(entries))
	for i, entry := range entries {
		entry.Match = strings.ToLower(strings.TrimSpace(entry.Match))
		if entry.Match == "" {
			return nil, fmt.Errorf("pricing[%d]: match is required", i)
		}
		if entry.InputPerMillion < 0 || entry.OutputPerMillion < 0 {
			return nil, fmt.Errorf("pricing[%d]: prices must be non-negative", i)
		}
		normalized = append(normalized, entry)
	}
	return &Pricing{entries: normalized}, nil
}

// Cost returns the USD cost rounded to 6 decimals. Unknown models are free.
func (p *Pricing) Cost(model string, inputTokens, outputTokens int64) float64 {
	entry, ok := p.lookup(model)
	if !ok {
		return 0
	}
	cost := float64(inputTokens)*entry.InputPerMillion/1_000_000 + float64(outputTokens)*entry.OutputPerMillion/1_000_000
	return math.Round(cost*1e6) / 1e6
}

func (p *Pricing) InferProvider(model string) string {
	return InferProvider(model)
}

// Entries returns a copy of the active table.
func (p *Pricing) Entries() []PriceEntry {
	return append([]PriceEntry(nil), p.entries...)
}

func (p *Pricing) lookup(model string) (PriceEntry, bool) {
	key := strings.ToLower(strings.TrimSpace(model))
	if key == "" {
		return PriceEntry{}, false
	}
	for _, entry := range p.entries {
		if strings.Contains(key, entry.Match) {
			return entry, true
		}
	}
	return PriceEntry{}, false
}

// InferProvider maps a model name to its provider by substring.
func InferProvider(model string) string {
	key := strings.ToLower(model)
	switch {
	case strings.Contains(key, "gemini"), strings.Contains(key, "google"):
		return ProviderGoogle
	case strings.Contains(key, "gpt"), strings.Contains(key, "openai"):
		return ProviderOpenAI
	case strings.Contains(key, "claude"), strings.Contains(key, "anthropic"):
		return ProviderAnthropic
	default:
		return ProviderUnknown
	}
}
