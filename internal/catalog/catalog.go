package catalog

import (
	"fmt"
	"sync"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/config"
)

// Command is one command definition: a name, its parameter schema, and the
// minimum caller role permitted to invoke it.
type Command struct {
	Name        string      `json:"name"`
	Parameters  *Schema     `json:"parameters"`
	MinimalRole config.Role `json:"minimalRole"`
}

// Result is the outcome of validating a command invocation.
type Result struct {
	Valid bool
	Err   error
}

// Catalog holds the merged base+vendor command definition tree and
// validates instances against it.
type Catalog struct {
	mu     sync.RWMutex
	base   map[string]*Command
	merged map[string]*Command
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		base:   make(map[string]*Command),
		merged: make(map[string]*Command),
	}
}

// LoadBase replaces the base command tree. Every command must carry a
// parameter schema and a minimalRole.
func (c *Catalog) LoadBase(commands []*Command) error {
	base := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		if cmd.Parameters == nil {
			return agenterr.New(agenterr.DomainBuffet, "", fmt.Sprintf("command %q missing parameters schema", cmd.Name))
		}
		base[cmd.Name] = cmd
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = base
	c.merged = cloneCommands(base)
	return nil
}

// LoadVendor merges vendor definitions atop the base tree. Names beginning
// with "_" are vendor-private and may introduce wholly new schemas. Every
// other name must already exist in base, and may only tighten constraints:
// numeric bounds narrow, string length bounds narrow, enum sets shrink, and
// minimalRole only rises in the viewer < user < manager < owner lattice.
func (c *Catalog) LoadVendor(commands []*Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := cloneCommands(c.base)
	for _, cmd := range commands {
		if cmd.Parameters == nil {
			return agenterr.New(agenterr.DomainBuffet, "", fmt.Sprintf("vendor command %q missing parameters schema", cmd.Name))
		}

		if isVendorPrivate(cmd.Name) {
			merged[cmd.Name] = cmd
			continue
		}

		baseCmd, ok := c.base[cmd.Name]
		if !ok {
			return agenterr.New(agenterr.DomainBuffet, "", fmt.Sprintf("vendor command %q has no base definition", cmd.Name))
		}
		if cmd.MinimalRole < baseCmd.MinimalRole {
			return agenterr.New(agenterr.DomainBuffet, "", fmt.Sprintf("vendor command %q lowers minimalRole below base", cmd.Name))
		}
		if err := assertTightens(baseCmd.Parameters, cmd.Parameters); err != nil {
			return agenterr.Wrap(agenterr.DomainBuffet, "", fmt.Sprintf("vendor command %q", cmd.Name), err)
		}
		merged[cmd.Name] = cmd
	}

	c.merged = merged
	return nil
}

func isVendorPrivate(name string) bool {
	return len(name) > 0 && name[0] == '_'
}

// Validate structurally checks params against command's schema and that
// callerRole meets its minimalRole. Unknown parameters are rejected as part
// of the schema's own object validation.
func (c *Catalog) Validate(name string, params map[string]any, callerRole config.Role) error {
	c.mu.RLock()
	cmd, ok := c.merged[name]
	c.mu.RUnlock()
	if !ok {
		return agenterr.New(agenterr.DomainPrivet, "unknown_command", fmt.Sprintf("no such command: %s", name))
	}
	if callerRole < cmd.MinimalRole {
		return agenterr.New(agenterr.DomainPrivet, agenterr.CodeAccessDenied, fmt.Sprintf("command %q requires role %s", name, cmd.MinimalRole))
	}

	var value any = params
	if params == nil {
		value = map[string]any{}
	}
	if verr := cmd.Parameters.Validate("", value); verr != nil {
		return toValidationAgentError(name, verr)
	}
	return nil
}

// GetDefinitions returns the merged command tree for the registration
// payload and the Privet /info response.
func (c *Catalog) GetDefinitions() map[string]*Command {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneCommands(c.merged)
}

func cloneCommands(src map[string]*Command) map[string]*Command {
	dst := make(map[string]*Command, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
