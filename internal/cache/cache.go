// Package cache holds the per-run price cache used to skip redundant store
// writes. It is not safe for concurrent use; a run owns its cache.
package cache

// ChangeCache maps a product title to the last price observed in this run.
type ChangeCache struct {
	prices map[string]float64
}

// New returns an empty cache.
func New() *ChangeCache {
	return &ChangeCache{prices: make(map[string]float64)}
}

// Get returns the cached price for title and whether one exists.
func (c *ChangeCache) Get(title string) (float64, bool) {
	price, ok := c.prices[title]
	return price, ok
}

func (c *ChangeCache) Set(title string, price float64) {
	c.prices[title] = price
}

func (c *ChangeCache) Exists(title string) bool {
	_, ok := c.prices[title]
	return ok
}

// Unchanged reports whether title is cached at exactly price.
func (c *ChangeCache) Unchanged(title string, price float64) bool {
	cached, ok := c.prices[title]
	return ok && cached == price
}

func (c *ChangeCache) Clear() {
	clear(c.prices)
}

func (c *ChangeCache) Len() int {
	return len(c.prices)
}

// Dump returns a copy of the full mapping for diagnostics.
func (c *ChangeCache) Dump() map[string]float64 {
	out := make(map[string]float64, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}
