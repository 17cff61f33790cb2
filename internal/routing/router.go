// Package routing picks the specialist agent for a turn and computes the
// tools it may use. Routing is stateless and deterministic: the same
// vertical, intent and capability set always produce the same decision.
package routing

import (
	_ "embed"
	"fmt"
	"slices"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/switchboardhq/switchboard/internal/capability"
	"github.com/switchboardhq/switchboard/pkg/models"
)

//go:embed routes.yaml
var defaultTable []byte

// Agent is a specialist definition.
type Agent struct {
	ID          models.AgentID `json:"id" yaml:"id"`
	Description string         `json:"description" yaml:"description"`
	Tools       []string       `json:"tools" yaml:"tools"`
	// Primary names the tools the agent exists to run. An agent with none of
	// them usable falls back to general. Empty means every tool is primary.
	Primary []string `json:"primary,omitempty" yaml:"primary"`
}

func (a Agent) primary() []string {
	if len(a.Primary) > 0 {
		return a.Primary
	}
	return a.Tools
}

// RouteRule selects an agent when its expression evaluates to true.
type RouteRule struct {
	Name  string         `json:"name" yaml:"name"`
	When  string         `json:"when" yaml:"when"`
	Agent models.AgentID `json:"agent" yaml:"agent"`
}

// Table is the routing configuration.
type Table struct {
	Agents []Agent     `yaml:"agents"`
	Routes []RouteRule `yaml:"routes"`
}

// Decision is the router's output for one turn.
type Decision struct {
	// Agent is the specialist that will run the turn.
	Agent models.AgentID `json:"agent"`
	// Requested is the agent the rules picked before any fallback.
	Requested models.AgentID `json:"requested"`
	// Tools is the allowed tool subset, sorted by name.
	Tools []models.ToolDefinition `json:"tools"`
	// Fallback is set when none of the requested agent's primary tools
	// were usable.
	Fallback bool `json:"fallback"`
	// Missing lists the capabilities the requested agent's primary tools
	// lacked, sorted.
	Missing []models.Capability `json:"missing,omitempty"`
	Rule    string              `json:"rule,omitempty"`
}

// ToolNames returns the allowed tool names in order.
func (d Decision) ToolNames() []string {
	names := make([]string, len(d.Tools))
	for i, t := range d.Tools {
		names[i] = t.Name
	}
	return names
}

// Allows reports whether the tool is in the allowed set.
func (d Decision) Allows(name string) bool {
	for _, t := range d.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

type compiledRule struct {
	RouteRule
	program *vm.Program
}

// Router evaluates the routing table against a tenant's configuration.
type Router struct {
	registry *capability.Registry
	agents   map[models.AgentID]Agent
	rules    []compiledRule
}

// LoadTable parses a routing table document.
func LoadTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse routing table: %w", err)
	}
	return &t, nil
}

// DefaultTable returns the embedded routing table.
func DefaultTable() (*Table, error) {
	return LoadTable(defaultTable)
}

// exprEnv is the shape route expressions are type-checked against.
func exprEnv(vertical models.Vertical, in models.Intent, caps []models.Capability) map[string]any {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return map[string]any{
		"vertical":     string(vertical),
		"intent":       string(in),
		"capabilities": names,
	}
}

// New validates the table against the registry and compiles every rule.
func New(reg *capability.Registry, table *Table) (*Router, error) {
	if table == nil {
		var err error
		if table, err = DefaultTable(); err != nil {
			return nil, err
		}
	}

	r := &Router{
		registry: reg,
		agents:   make(map[models.AgentID]Agent, len(table.Agents)),
	}
	for _, a := range table.Agents {
		if _, dup := r.agents[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent %q", a.ID)
		}
		for _, name := range a.Tools {
			if _, ok := reg.Tool(name); !ok {
				return nil, fmt.Errorf("agent %q references unknown tool %q", a.ID, name)
			}
		}
		for _, name := range a.Primary {
			if !slices.Contains(a.Tools, name) {
				return nil, fmt.Errorf("agent %q primary tool %q is not in its tool list", a.ID, name)
			}
		}
		r.agents[a.ID] = a
	}
	if _, ok := r.agents[models.AgentGeneral]; !ok {
		return nil, fmt.Errorf("routing table must define the %q agent", models.AgentGeneral)
	}

	env := exprEnv("", "", nil)
	for _, rule := range table.Routes {
		if _, ok := r.agents[rule.Agent]; !ok {
			return nil, fmt.Errorf("route %q targets unknown agent %q", rule.Name, rule.Agent)
		}
		program, err := expr.Compile(rule.When, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile route %q: %w", rule.Name, err)
		}
		r.rules = append(r.rules, compiledRule{RouteRule: rule, program: program})
	}
	return r, nil
}

// Route picks the agent for an intent and gates its tools on the tenant's
// capabilities. When none of a specialist's primary tools survive the gate
// the turn falls back to the general agent.
func (r *Router) Route(tenant *models.TenantConfig, in models.Intent) (Decision, error) {
	requested := models.AgentGeneral
	ruleName := ""
	env := exprEnv(tenant.Vertical, in, tenant.Capabilities)
	for _, rule := range r.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			return Decision{}, fmt.Errorf("evaluate route %q: %w", rule.Name, err)
		}
		if matched, _ := out.(bool); matched {
			requested = rule.Agent
			ruleName = rule.Name
			break
		}
	}
	d := r.decide(tenant, requested)
	d.Rule = ruleName
	return d, nil
}

// RouteTo builds the decision for an explicitly named agent, as used for
// agent-to-agent handoff and for resuming a pending confirmation.
func (r *Router) RouteTo(tenant *models.TenantConfig, agent models.AgentID) (Decision, error) {
	if _, ok := r.agents[agent]; !ok {
		return Decision{}, fmt.Errorf("unknown agent %q", agent)
	}
	return r.decide(tenant, agent), nil
}

func (r *Router) decide(tenant *models.TenantConfig, requested models.AgentID) Decision {
	enabled := tenant.CapabilitySet()
	a := r.agents[requested]
	tools, _ := r.gate(a.Tools, enabled)

	d := Decision{Agent: requested, Requested: requested, Tools: tools}
	if requested == models.AgentGeneral {
		return d
	}
	if core, missing := r.gate(a.primary(), enabled); len(core) == 0 {
		general, _ := r.gate(r.agents[models.AgentGeneral].Tools, enabled)
		d.Agent = models.AgentGeneral
		d.Tools = general
		d.Fallback = true
		d.Missing = missing
	}
	return d
}

// gate returns the permitted tools sorted by name and, when none are
// permitted, the capabilities that would have unlocked them.
func (r *Router) gate(names []string, enabled map[models.Capability]bool) ([]models.ToolDefinition, []models.Capability) {
	tools := make([]models.ToolDefinition, 0, len(names))
	missingSet := make(map[models.Capability]bool)
	for _, name := range names {
		t, _ := r.registry.Tool(name)
		if capability.Permits(enabled, t) {
			tools = append(tools, t)
			continue
		}
		for _, c := range capability.MissingCapabilities(enabled, t) {
			missingSet[c] = true
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	var missing []models.Capability
	if len(tools) == 0 {
		for c := range missingSet {
			missing = append(missing, c)
		}
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	}
	return tools, missing
}

// Agent returns a specialist definition.
func (r *Router) Agent(id models.AgentID) (Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// Agents lists specialists sorted by id.
func (r *Router) Agents() []Agent {
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
