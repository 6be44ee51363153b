package config

import (
	"sync"
)

// Component holds the live config and notifies observers on Update.
// It is constructed explicitly and handed to each component that needs it.
type Component struct {
	mu        sync.RWMutex
	current   *Config
	observers []func(*Config)
}

// NewComponent wraps cfg; nil means Default()
func NewComponent(cfg *Config) *Component {
	if cfg == nil {
		cfg = Default()
	}
	return &Component{current: cfg}
}

// Get returns the current config. Callers must not mutate it.
func (c *Component) Get() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Subscribe registers fn to receive every future config
func (c *Component) Subscribe(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Update validates cfg, installs it and notifies observers in subscription order
func (c *Component) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.current = cfg
	observers := make([]func(*Config), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(cfg)
	}
	return nil
}
