// Package pricing holds the per-provider, per-model price list used for cost
// estimation.
package pricing

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Entry is the price of one model. Prices are USD per 1,000 tokens.
type Entry struct {
	InputPricePerThousand  float64 `yaml:"inputPricePerThousand" json:"inputPricePerThousand"`
	OutputPricePerThousand float64 `yaml:"outputPricePerThousand" json:"outputPricePerThousand"`
	FlatRatePerRequest     float64 `yaml:"flatRatePerRequest,omitempty" json:"flatRatePerRequest,omitempty"`
	Notes                  string  `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Option is a (provider, model) pair with the cost it would incur.
type Option struct {
	Provider string
	Model    string
	Entry    Entry
	Cost     float64
}

type key struct {
	provider string
	model    string
}

// Catalog is a concurrency-safe price list. Registration order is kept so
// FindCheapestOption breaks ties toward the first registered pair.
type Catalog struct {
	mu          sync.RWMutex
	entries     map[string]map[string]Entry
	order       []key
	lastUpdated time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]map[string]Entry)}
}

// Register adds or replaces the entry for (provider, model). Replacing keeps
// the original registration position.
func (c *Catalog) Register(provider, model string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	models, ok := c.entries[provider]
	if !ok {
		models = make(map[string]Entry)
		c.entries[provider] = models
	}
	if _, exists := models[model]; !exists {
		c.order = append(c.order, key{provider, model})
	}
	models[model] = e
}

// Clear removes every entry.
func (c *Catalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]map[string]Entry)
	c.order = nil
	c.lastUpdated = time.Time{}
}

func (c *Catalog) Lookup(provider, model string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[provider][model]
	return e, ok
}

// Models lists the registered models of provider in registration order.
func (c *Catalog) Models(provider string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, k := range c.order {
		if k.provider == provider {
			out = append(out, k.model)
		}
	}
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

func (c *Catalog) LastUpdated() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// Cost applies the entry to a token count.
func (e Entry) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*e.InputPricePerThousand +
		float64(outputTokens)/1000*e.OutputPricePerThousand +
		e.FlatRatePerRequest
}

// CalculateCost returns the USD cost of a call, or 0 when (provider, model)
// is not registered.
func (c *Catalog) CalculateCost(provider, model string, inputTokens, outputTokens int) float64 {
	e, ok := c.Lookup(provider, model)
	if !ok {
		return 0
	}
	return e.Cost(inputTokens, outputTokens)
}

// FindCheapestOption scans every registered pair. ok is false on an empty catalog.
func (c *Catalog) FindCheapestOption(inputTokens, outputTokens int) (Option, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best Option
	found := false
	for _, k := range c.order {
		e := c.entries[k.provider][k.model]
		cost := e.Cost(inputTokens, outputTokens)
		if !found || cost < best.Cost {
			best = Option{Provider: k.provider, Model: k.model, Entry: e, Cost: cost}
			found = true
		}
	}
	return best, found
}

// file is the on-disk YAML layout.
type file struct {
	LastUpdated string      `yaml:"lastUpdated"`
	Entries     []fileEntry `yaml:"entries"`
}

type fileEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Entry    `yaml:",inline"`
}

// Load registers every entry of a YAML catalog read from r.
func (c *Catalog) Load(r io.Reader) error {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return fmt.Errorf("decode pricing catalog: %w", err)
	}

	var updated time.Time
	if f.LastUpdated != "" {
		t, err := time.Parse(time.DateOnly, f.LastUpdated)
		if err != nil {
			return fmt.Errorf("pricing catalog lastUpdated %q: %w", f.LastUpdated, err)
		}
		updated = t
	}

	for i, fe := range f.Entries {
		if fe.Provider == "" || fe.Model == "" {
			return fmt.Errorf("pricing catalog entry %d: provider and model are required", i)
		}
		if fe.InputPricePerThousand < 0 || fe.OutputPricePerThousand < 0 || fe.FlatRatePerRequest < 0 {
			return fmt.Errorf("pricing catalog entry %s/%s: negative price", fe.Provider, fe.Model)
		}
		c.Register(fe.Provider, fe.Model, fe.Entry)
	}

	c.mu.Lock()
	if updated.After(c.lastUpdated) {
		c.lastUpdated = updated
	}
	c.mu.Unlock()
	return nil
}

// LoadFile is Load on the file at path.
func (c *Catalog) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open pricing catalog: %w", err)
	}
	defer f.Close()
	return c.Load(f)
}

// Write serializes the catalog in the same YAML layout Load accepts.
func (c *Catalog) Write(w io.Writer) error {
	c.mu.RLock()
	f := file{}
	if !c.lastUpdated.IsZero() {
		f.LastUpdated = c.lastUpdated.Format(time.DateOnly)
	}
	for _, k := range c.order {
		f.Entries = append(f.Entries, fileEntry{Provider: k.provider, Model: k.model, Entry: c.entries[k.provider][k.model]})
	}
	c.mu.RUnlock()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode pricing catalog: %w", err)
	}
	return enc.Close()
}
