package protocol

import "slices"

// AgentSpec configures one of the reasoning agents that take turns on a ticket.
type AgentSpec struct {
	ID             string   `json:"id" yaml:"id"`
	Role           string   `json:"role" yaml:"role"`
	Instructions   string   `json:"instructions" yaml:"instructions"`
	Provider       string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model          string   `json:"model,omitempty" yaml:"model,omitempty"`
	ToolsWhitelist []string `json:"tools_whitelist,omitempty" yaml:"tools_whitelist,omitempty"`
	ToolsBlacklist []string `json:"tools_blacklist,omitempty" yaml:"tools_blacklist,omitempty"`
}

// ToolAllowed reports whether the named tool belongs to this agent's catalogue.
// If a whitelist is set, only listed tools are allowed (blacklist is ignored).
// If only a blacklist is set, all tools except listed ones are allowed.
// If neither is set, all tools are allowed.
func (s AgentSpec) ToolAllowed(name string) bool {
	if len(s.ToolsWhitelist) > 0 {
		return slices.Contains(s.ToolsWhitelist, name)
	}
	if len(s.ToolsBlacklist) > 0 {
		return !slices.Contains(s.ToolsBlacklist, name)
	}
	return true
}
