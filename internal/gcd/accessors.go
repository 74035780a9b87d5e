package gcd

import (
	"deviceagent/internal/catalog"
	"deviceagent/internal/config"
	"deviceagent/internal/eventbus"
	"deviceagent/internal/security"
)

// Store returns the config store, a weak reference the Privet handler uses
// to read Settings directly without routing through the controller's loop.
func (c *Controller) Store() config.Store {
	return c.store
}

// Catalog returns the command catalog.
func (c *Controller) Catalog() *catalog.Catalog {
	return c.catalog
}

// Security returns the security manager.
func (c *Controller) Security() *security.Manager {
	return c.security
}

// Events returns the event bus used for the Privet notifications channel.
func (c *Controller) Events() *eventbus.Bus {
	return c.events
}
