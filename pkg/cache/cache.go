// Package cache memoizes compiled matchers (CSS selectors, regular expressions) keyed by
// their source pattern, so each distinct pattern is compiled at most once per run.
package cache

import (
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/cascadia"
	"golang.org/x/sync/singleflight"

	"github.com/Sriram-PR/vx-mirror/pkg/utils"
)

// CompileFunc turns a pattern string into its compiled form
type CompileFunc[T any] func(pattern string) (T, error)

// Cache stores compiled values per pattern. Entries are immutable once inserted.
type Cache[T any] struct {
	mu       sync.RWMutex
	entries  map[string]T
	group    singleflight.Group
	compile  CompileFunc[T]
	kind     string
	compiles atomic.Int64
}

// New creates a cache that compiles misses with compile. kind names the pattern type in errors.
func New[T any](kind string, compile CompileFunc[T]) *Cache[T] {
	return &Cache[T]{
		entries: make(map[string]T),
		compile: compile,
		kind:    kind,
	}
}

// NewSelectorCache creates a cache of CSS selector groups usable with goquery's FindMatcher
func NewSelectorCache() *Cache[cascadia.Selector] {
	return New("selector", cascadia.Compile)
}

// NewRegexCache creates a cache of compiled regular expressions
func NewRegexCache() *Cache[*regexp.Regexp] {
	return New("regex", regexp.Compile)
}

// Get retrieves a compiled value without compiling on miss
func (c *Cache[T]) Get(pattern string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[pattern]
	return v, ok
}

// GetOrCompile returns the compiled value for pattern, compiling it on first use.
// Concurrent misses for the same pattern share one compilation. Compile failures are
// not cached and are reported as configuration errors.
func (c *Cache[T]) GetOrCompile(pattern string) (T, error) {
	if v, ok := c.Get(pattern); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(pattern, func() (any, error) {
		// Another flight may have stored it between our read and joining the group
		if v, ok := c.Get(pattern); ok {
			return v, nil
		}
		compiled, err := c.compile(pattern)
		if err != nil {
			return nil, utils.WrapErrorf(utils.ErrConfigValidation, "invalid %s %q: %v", c.kind, pattern, err)
		}
		c.compiles.Add(1)

		c.mu.Lock()
		c.entries[pattern] = compiled
		c.mu.Unlock()
		return compiled, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Precompile compiles every pattern up front. Empty patterns are skipped.
// The first failure is returned; it is meant to abort startup.
func (c *Cache[T]) Precompile(patterns ...string) error {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if _, err := c.GetOrCompile(p); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the number of cached entries
func (c *Cache[T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Compiles returns how many compilations have run
func (c *Cache[T]) Compiles() int64 {
	return c.compiles.Load()
}
