// Package capability owns the static capability → tool table.
//
// The table is embedded at build time and validated once at boot. A tool
// can only be reached through a capability, and the router gates every
// tool on the tenant having all of its required capabilities enabled.
package capability

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/switchboardhq/switchboard/pkg/models"
	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistry []byte

var validParamTypes = map[string]bool{
	"string": true, "integer": true, "number": true,
	"boolean": true, "array": true, "object": true,
}

// Info describes one capability.
type Info struct {
	Name        models.Capability `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Tools       []string          `json:"tools" yaml:"tools"`
}

type document struct {
	Version      string                  `yaml:"version"`
	Capabilities []Info                  `yaml:"capabilities"`
	Tools        []models.ToolDefinition `yaml:"tools"`
}

// Registry is the validated, read-only capability table.
type Registry struct {
	version      string
	capabilities map[models.Capability]Info
	tools        map[string]models.ToolDefinition
}

// ValidationError lists every consistency problem found in a registry.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("capability registry invalid (%d problems): %s",
		len(e.Problems), strings.Join(e.Problems, "; "))
}

// Default loads the embedded registry.
func Default() (*Registry, error) {
	return Load(defaultRegistry)
}

// MustDefault loads the embedded registry and panics when it is invalid.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Load parses and validates a registry document.
func Load(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if err := validate(&doc); err != nil {
		return nil, err
	}

	r := &Registry{
		version:      doc.Version,
		capabilities: make(map[models.Capability]Info, len(doc.Capabilities)),
		tools:        make(map[string]models.ToolDefinition, len(doc.Tools)),
	}
	for _, c := range doc.Capabilities {
		tools := append([]string(nil), c.Tools...)
		sort.Strings(tools)
		c.Tools = tools
		r.capabilities[c.Name] = c
	}
	for _, t := range doc.Tools {
		r.tools[t.Name] = t
	}
	return r, nil
}

// validate enforces the boot-time invariant: every tool a capability names
// exists, every capability a tool requires exists, and both sides agree.
func validate(doc *document) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if doc.Version == "" {
		add("missing version")
	}

	caps := make(map[models.Capability]Info)
	for _, c := range doc.Capabilities {
		if c.Name == "" {
			add("capability with empty name")
			continue
		}
		if _, dup := caps[c.Name]; dup {
			add("duplicate capability %q", c.Name)
		}
		caps[c.Name] = c
	}

	tools := make(map[string]models.ToolDefinition)
	for _, t := range doc.Tools {
		if t.Name == "" {
			add("tool with empty name")
			continue
		}
		if _, dup := tools[t.Name]; dup {
			add("duplicate tool %q", t.Name)
		}
		tools[t.Name] = t
	}

	for _, c := range doc.Capabilities {
		for _, name := range c.Tools {
			t, ok := tools[name]
			if !ok {
				add("capability %q names unknown tool %q", c.Name, name)
				continue
			}
			if !containsCap(t.RequiredCapabilities, c.Name) {
				add("capability %q lists tool %q which does not require it", c.Name, name)
			}
		}
	}

	for _, t := range doc.Tools {
		if len(t.RequiredCapabilities) == 0 {
			add("tool %q requires no capability", t.Name)
		}
		for _, rc := range t.RequiredCapabilities {
			c, ok := caps[rc]
			if !ok {
				add("tool %q requires unknown capability %q", t.Name, rc)
				continue
			}
			if !containsStr(c.Tools, t.Name) {
				add("tool %q requires %q but is not listed under it", t.Name, rc)
			}
		}
		if t.Timeout <= 0 {
			add("tool %q has no timeout", t.Name)
		}
		for pname, spec := range t.Parameters.Properties {
			if !validParamTypes[spec.Type] {
				add("tool %q parameter %q has unsupported type %q", t.Name, pname, spec.Type)
			}
		}
		for _, req := range t.Parameters.Required {
			if _, ok := t.Parameters.Properties[req]; !ok {
				add("tool %q requires undeclared parameter %q", t.Name, req)
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Version returns the registry version string.
func (r *Registry) Version() string { return r.version }

// Tool looks up a tool definition by name.
func (r *Registry) Tool(name string) (models.ToolDefinition, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns every tool definition sorted by name.
func (r *Registry) Tools() []models.ToolDefinition {
	out := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Capability looks up a capability by name.
func (r *Registry) Capability(name models.Capability) (Info, bool) {
	c, ok := r.capabilities[name]
	return c, ok
}

// Capabilities returns every capability sorted by name.
func (r *Registry) Capabilities() []Info {
	out := make([]Info, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns the human wording for a capability, falling back to its
// name.
func (r *Registry) Describe(name models.Capability) string {
	if c, ok := r.capabilities[name]; ok && c.Description != "" {
		return c.Description
	}
	return strings.ReplaceAll(string(name), "_", " ")
}

// UnknownCapabilities returns the entries of caps the registry does not
// define, sorted. Tenants referencing them are misconfigured.
func (r *Registry) UnknownCapabilities(caps []models.Capability) []models.Capability {
	var out []models.Capability
	for _, c := range caps {
		if _, ok := r.capabilities[c]; !ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Permits is the gating predicate: a tool is allowed iff every one of its
// required capabilities is enabled.
func Permits(enabled map[models.Capability]bool, tool models.ToolDefinition) bool {
	if len(tool.RequiredCapabilities) == 0 {
		return false
	}
	for _, c := range tool.RequiredCapabilities {
		if !enabled[c] {
			return false
		}
	}
	return true
}

// MissingCapabilities returns the required capabilities of tool that are
// not enabled.
func MissingCapabilities(enabled map[models.Capability]bool, tool models.ToolDefinition) []models.Capability {
	var out []models.Capability
	for _, c := range tool.RequiredCapabilities {
		if !enabled[c] {
			out = append(out, c)
		}
	}
	return out
}

func containsCap(list []models.Capability, c models.Capability) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
