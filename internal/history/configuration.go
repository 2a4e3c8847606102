// Package history decides which entity changes are historically significant
// and turns the pending changes of a unit of work into a persisted change set.
package history

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Selector adds types to the tracked set regardless of their markers. With
// Cascade set, types owned by the selected types are tracked as well.
type Selector struct {
	Name    string   `yaml:"name"`
	Types   []string `yaml:"types"`
	Cascade bool     `yaml:"cascade"`
}

// Configuration is the process-wide history policy. It is safe for one writer
// and many concurrent readers.
type Configuration struct {
	mu                       sync.RWMutex
	enabled                  bool
	enabledForAnonymousUsers bool
	selectors                map[string]Selector
	ignored                  map[string]struct{}
}

// ConfigOption customises a new Configuration.
type ConfigOption func(*Configuration)

// WithEnabled sets the global switch.
func WithEnabled(enabled bool) ConfigOption {
	return func(c *Configuration) {
		c.enabled = enabled
	}
}

// WithAnonymousUsers allows change sets for callers without a user id.
func WithAnonymousUsers(enabled bool) ConfigOption {
	return func(c *Configuration) {
		c.enabledForAnonymousUsers = enabled
	}
}

// WithIgnoredTypes seeds the ignore list.
func WithIgnoredTypes(types ...string) ConfigOption {
	return func(c *Configuration) {
		for _, t := range types {
			c.ignored[t] = struct{}{}
		}
	}
}

// NewConfiguration returns an enabled configuration with no selectors.
func NewConfiguration(opts ...ConfigOption) *Configuration {
	c := &Configuration{
		enabled:   true,
		selectors: make(map[string]Selector),
		ignored:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports the global switch.
func (c *Configuration) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// SetEnabled toggles history tracking globally.
func (c *Configuration) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// EnabledForAnonymousUsers reports whether anonymous callers produce history.
func (c *Configuration) EnabledForAnonymousUsers() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabledForAnonymousUsers
}

// SetEnabledForAnonymousUsers toggles history for anonymous callers.
func (c *Configuration) SetEnabledForAnonymousUsers(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabledForAnonymousUsers = enabled
}

// AddSelector registers or replaces a named selector.
func (c *Configuration) AddSelector(name string, cascade bool, types ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectors[name] = Selector{Name: name, Types: append([]string(nil), types...), Cascade: cascade}
}

// RemoveSelector drops a named selector.
func (c *Configuration) RemoveSelector(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.selectors, name)
}

// Selectors returns the registered selectors ordered by name.
func (c *Configuration) Selectors() []Selector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Selector, 0, len(c.selectors))
	for _, s := range c.selectors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ignore adds types to the ignore list. Ignored types are never tracked.
func (c *Configuration) Ignore(types ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		c.ignored[t] = struct{}{}
	}
}

// Unignore removes types from the ignore list.
func (c *Configuration) Unignore(types ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		delete(c.ignored, t)
	}
}

// IsIgnored reports whether the type is on the ignore list.
func (c *Configuration) IsIgnored(typeName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ignored[typeName]
	return ok
}

// selection splits the selected type names into directly selected and cascade roots.
func (c *Configuration) selection() (direct map[string]struct{}, cascadeRoots []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	direct = make(map[string]struct{})
	for _, s := range c.selectors {
		for _, t := range s.Types {
			direct[t] = struct{}{}
			if s.Cascade {
				cascadeRoots = append(cascadeRoots, t)
			}
		}
	}
	return direct, cascadeRoots
}

// SelectorFile is the YAML shape accepted by LoadSelectorFile.
type SelectorFile struct {
	Selectors []Selector `yaml:"selectors"`
	Ignored   []string   `yaml:"ignored"`
}

// LoadSelectorFile reads selectors and ignored types from a YAML file and applies them.
func (c *Configuration) LoadSelectorFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read selector file: %w", err)
	}
	return c.ApplySelectorYAML(raw)
}

// ApplySelectorYAML applies an in-memory selector document.
func (c *Configuration) ApplySelectorYAML(raw []byte) error {
	var file SelectorFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse selector file: %w", err)
	}
	for i, s := range file.Selectors {
		if s.Name == "" {
			return fmt.Errorf("selector %d: name is required", i)
		}
		if len(s.Types) == 0 {
			return fmt.Errorf("selector %q: at least one type is required", s.Name)
		}
	}
	for _, s := range file.Selectors {
		c.AddSelector(s.Name, s.Cascade, s.Types...)
	}
	c.Ignore(file.Ignored...)
	return nil
}
