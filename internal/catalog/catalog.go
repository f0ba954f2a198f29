package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	logx "taskpilot/pkg/logx"
)

// Result is what a task reports back to the scheduler.
type Result struct {
	Success bool
	Message string
}

// Task is one runnable unit of work. A non-nil error counts as a failure.
type Task interface {
	Run(ctx context.Context) (Result, error)
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func(ctx context.Context) (Result, error)

func (f TaskFunc) Run(ctx context.Context) (Result, error) { return f(ctx) }

// Factory builds a task instance from a job's parameters.
type Factory func(params map[string]any) (Task, error)

// Catalog is a case-insensitive name -> Factory registry.
type Catalog struct {
	log logx.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// New returns a catalog with the built-in tasks registered.
func New(log logx.Logger) *Catalog {
	c := NewEmpty(log)
	registerBuiltins(c)
	return c
}

// NewEmpty returns a catalog with nothing registered.
func NewEmpty(log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Catalog{
		log:       log.With(logx.String("comp", "catalog")),
		factories: map[string]Factory{},
	}
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register adds f under name. It returns false when the name is taken and overwrite is
// false. Overwriting is allowed but logged.
func (c *Catalog) Register(name string, f Factory, overwrite bool) bool {
	key := normalize(name)
	if key == "" || f == nil {
		return false
	}

	c.mu.Lock()
	_, exists := c.factories[key]
	if exists && !overwrite {
		c.mu.Unlock()
		return false
	}
	c.factories[key] = f
	c.mu.Unlock()

	if exists {
		c.log.Warn("task overwritten", logx.String("task", key))
	} else {
		c.log.Debug("task registered", logx.String("task", key))
	}
	return true
}

// Alias registers alias with the factory currently registered under target.
func (c *Catalog) Alias(alias, target string) bool {
	a, t := normalize(alias), normalize(target)
	if a == "" || t == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.factories[t]
	if !ok {
		return false
	}
	if _, exists := c.factories[a]; exists {
		return false
	}
	c.factories[a] = f
	return true
}

func (c *Catalog) Unregister(name string) bool {
	key := normalize(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[key]; !ok {
		return false
	}
	delete(c.factories, key)
	return true
}

func (c *Catalog) Resolve(name string) (Factory, bool) {
	key := normalize(name)
	c.mu.RLock()
	f, ok := c.factories[key]
	c.mu.RUnlock()
	return f, ok
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.Resolve(name)
	return ok
}

// ListNames returns every registered name (aliases included), sorted.
func (c *Catalog) ListNames() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.factories))
	for k := range c.factories {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.factories)
}
