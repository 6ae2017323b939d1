package pricing

import "time"

// defaultsUpdated is when the list prices below were last checked.
var defaultsUpdated = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

var defaultEntries = []struct {
	provider string
	model    string
	entry    Entry
}{
	{"anthropic", "claude-3-5-sonnet-20241022", Entry{InputPricePerThousand: 0.003, OutputPricePerThousand: 0.015}},
	{"anthropic", "claude-3-5-haiku-20241022", Entry{InputPricePerThousand: 0.0008, OutputPricePerThousand: 0.004}},
	{"anthropic", "claude-3-opus-20240229", Entry{InputPricePerThousand: 0.015, OutputPricePerThousand: 0.075}},
	{"openai", "gpt-4o", Entry{InputPricePerThousand: 0.0025, OutputPricePerThousand: 0.01}},
	{"openai", "gpt-4o-mini", Entry{InputPricePerThousand: 0.00015, OutputPricePerThousand: 0.0006}},
	{"gemini", "gemini-1.5-flash", Entry{InputPricePerThousand: 0.000075, OutputPricePerThousand: 0.0003}},
	{"gemini", "gemini-1.5-pro", Entry{InputPricePerThousand: 0.00125, OutputPricePerThousand: 0.005}},
}

// NewDefaultCatalog returns a catalog preloaded with published list prices.
func NewDefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, d := range defaultEntries {
		c.Register(d.provider, d.model, d.entry)
	}
	c.lastUpdated = defaultsUpdated
	return c
}
