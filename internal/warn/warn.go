// Package warn implements rate-limited warning classes: each class owns
// a (mutex, last_time) pair and fires at most once per threshold.
package warn

import (
	"log"
	"sync"
	"time"
)

// DefaultThreshold is the 5 minute minimum spacing required between
// repeated transient-broker-error warnings.
const DefaultThreshold = 5 * time.Minute

// Class is one rate-limited warning class, e.g. "queue-full" or a
// per-subscription timestamp-offset warning.
type Class struct {
	mu        sync.Mutex
	lastFired time.Time
	threshold time.Duration
}

// NewClass creates a warning class that fires at most once per threshold.
func NewClass(threshold time.Duration) *Class {
	return &Class{threshold: threshold}
}

// Allow reports whether a warning may fire now, and if so, records the
// firing time. Callers should only log when Allow returns true.
func (c *Class) Allow() bool {
	return c.AllowAt(time.Now())
}

// AllowAt is Allow with an explicit "now", for deterministic tests.
func (c *Class) AllowAt(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastFired.IsZero() && now.Sub(c.lastFired) < c.threshold {
		return false
	}
	c.lastFired = now
	return true
}

// Table owns one Class per dynamic key (e.g. per subscription name or
// per broker error class), created lazily on first use. It is never
// pruned: the unbounded growth is treated as acceptable monitoring
// visibility rather than a leak to fix (see DESIGN.md).
type Table struct {
	mu        sync.Mutex
	threshold time.Duration
	classes   map[string]*Class
	logger    *log.Logger
}

// NewTable creates a keyed warning table using threshold for every class
// it creates, logging through logger when a warning is allowed to fire.
func NewTable(threshold time.Duration, logger *log.Logger) *Table {
	return &Table{
		threshold: threshold,
		classes:   make(map[string]*Class),
		logger:    logger,
	}
}

// Warn emits msg through the table's logger if the class named key has
// not fired within the table's threshold.
func (t *Table) Warn(key, msg string) {
	t.mu.Lock()
	c, ok := t.classes[key]
	if !ok {
		c = NewClass(t.threshold)
		t.classes[key] = c
	}
	t.mu.Unlock()

	if c.Allow() {
		t.logger.Printf("%s: %s", key, msg)
	}
}
