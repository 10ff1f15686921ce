package selector

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 1024

// Cache memoizes compiled expressions by selector text. Subscriptions
// sharing a selector share one compiled Expr.
type Cache struct {
	exprs *lru.Cache[string, Expr]
}

// NewCache returns a cache holding up to size expressions.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, Expr](size)
	if err != nil {
		return nil, err
	}
	return &Cache{exprs: c}, nil
}

// Parse returns the compiled form of text, compiling on a miss.
// Parse errors are not cached.
func (c *Cache) Parse(text string) (Expr, error) {
	key := strings.TrimSpace(text)
	if key == "" {
		return nil, nil
	}
	if expr, ok := c.exprs.Get(key); ok {
		return expr, nil
	}
	expr, err := Parse(key)
	if err != nil {
		return nil, err
	}
	c.exprs.Add(key, expr)
	return expr, nil
}

// Len returns the number of cached expressions.
func (c *Cache) Len() int {
	return c.exprs.Len()
}
