package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"deviceagent/internal/agenterr"
)

// LoadCommandsFile reads a single JSON file containing an array of Command
// definitions, the on-disk shape for both the base and vendor catalogs.
func LoadCommandsFile(path string) ([]*Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.DomainBuffet, "", fmt.Sprintf("read command definitions %s", path), err)
	}
	var commands []*Command
	if err := json.Unmarshal(data, &commands); err != nil {
		return nil, agenterr.Wrap(agenterr.DomainBuffet, "", fmt.Sprintf("parse command definitions %s", path), err)
	}
	return commands, nil
}

// LoadCommandsDir merges every *.json file directly under dir into one
// slice, one definition set per file.
func LoadCommandsDir(dir string) ([]*Command, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.DomainBuffet, "", fmt.Sprintf("glob command definitions dir %s", dir), err)
	}
	var all []*Command
	for _, path := range matches {
		cmds, err := LoadCommandsFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, cmds...)
	}
	return all, nil
}
