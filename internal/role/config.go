// Package role loads pipeline.RoleConfig values from a YAML file that can
// describe several named roles, so a deployment can switch personas by name
// without a recompile.
package role

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is one named role definition as it appears in a roles file.
type Config struct {
	Name       string   `yaml:"name"`
	Prompt     string   `yaml:"prompt"`
	MaxChars   int      `yaml:"max_reply_chars"`
	Style      []string `yaml:"style"`
}

// SystemPrompt implements pipeline.RoleConfig.
func (c *Config) SystemPrompt() string { return c.Prompt }

// MaxReplyChars implements pipeline.RoleConfig.
func (c *Config) MaxReplyChars() int { return c.MaxChars }

// StyleTags implements pipeline.RoleConfig.
func (c *Config) StyleTags() []string { return c.Style }

type rolesFile struct {
	Roles []Config `yaml:"roles"`
}

// LoadFile parses every role defined in path and returns it keyed by name.
func LoadFile(path string) (map[string]*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("role: read %s: %w", path, err)
	}

	var parsed rolesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("role: parse %s: %w", path, err)
	}

	out := make(map[string]*Config, len(parsed.Roles))
	for i := range parsed.Roles {
		r := parsed.Roles[i]
		if r.Name == "" {
			return nil, fmt.Errorf("role: %s: role at index %d has no name", path, i)
		}
		if _, dup := out[r.Name]; dup {
			return nil, fmt.Errorf("role: %s: duplicate role name %q", path, r.Name)
		}
		out[r.Name] = &r
	}
	return out, nil
}

// Select loads path and returns the single role named name.
func Select(path, name string) (*Config, error) {
	roles, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	r, ok := roles[name]
	if !ok {
		return nil, fmt.Errorf("role: %s: no role named %q", path, name)
	}
	return r, nil
}
