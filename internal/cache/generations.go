package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Generations versions families of keys. A family's keys embed its current generation;
// Bump moves the family to a new generation, orphaning every key built before it. Orphans
// age out through their own ttl.
type Generations struct {
	cache  Cache
	prefix string
}

// NewGenerations builds a Generations store whose counters live under prefix.
func NewGenerations(c Cache, prefix string) *Generations {
	return &Generations{cache: c, prefix: prefix}
}

func (g *Generations) counterKey(family string) string {
	return g.prefix + "gen:" + family
}

// Current returns the family's generation, 0 when it was never bumped.
func (g *Generations) Current(ctx context.Context, family string) (int64, error) {
	raw, ok, err := g.cache.Get(ctx, g.counterKey(family))
	if err != nil || !ok {
		return 0, err
	}
	gen, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: generation %s: %w", family, err)
	}
	return gen, nil
}

// Key composes a key inside the family's current generation.
func (g *Generations) Key(ctx context.Context, family string, parts ...string) (string, error) {
	gen, err := g.Current(ctx, family)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s:g%d:%s", g.prefix, family, gen, strings.Join(parts, ":")), nil
}

// Bump starts a new generation for the family.
func (g *Generations) Bump(ctx context.Context, family string) (int64, error) {
	return g.cache.Incr(ctx, g.counterKey(family))
}
