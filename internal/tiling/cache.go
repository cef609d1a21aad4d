package tiling

import "sync"

// CacheKey identifies a planning problem. Tag must capture everything the
// cost function depends on (operator, channel count, formats).
type CacheKey struct {
	Tag      string
	Image    Extent
	Geometry Geometry
	Planner  Planner
}

// Cache memoises plans. Cached plans are shared and must not be mutated.
type Cache struct {
	mu    sync.RWMutex
	plans map[CacheKey]*Plan
}

func NewCache() *Cache {
	return &Cache{
		plans: make(map[CacheKey]*Plan),
	}
}

// Plan returns the cached plan for the key, computing it on a miss. Failed
// planning is not cached.
func (c *Cache) Plan(p Planner, tag string, img Extent, g Geometry, cost CostFunc) (*Plan, bool, error) {
	key := CacheKey{Tag: tag, Image: img, Geometry: g, Planner: p}
	c.mu.RLock()
	if plan, ok := c.plans[key]; ok {
		c.mu.RUnlock()
		return plan, true, nil
	}
	c.mu.RUnlock()

	plan, err := p.Plan(img, g, cost)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	c.plans[key] = plan
	c.mu.Unlock()

	return plan, false, nil
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plans)
}
