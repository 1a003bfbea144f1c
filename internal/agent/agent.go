package agent

import (
	"log/slog"

	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/internal/tool"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// FinalAnswer is the marker an agent puts in front of its final deliverable.
const FinalAnswer = "FINAL ANSWER"

// Agent is one of the reasoning agents taking turns on a ticket. It holds no
// per-ticket state and can serve concurrent runs.
type Agent struct {
	Spec        protocol.AgentSpec
	Provider    provider.Provider
	Tools       *tool.Registry
	Logger      *slog.Logger
	Temperature float64
	MaxTokens   int
}

// New creates a new Agent with sensible defaults.
func New(spec protocol.AgentSpec, prov provider.Provider, tools *tool.Registry) *Agent {
	return &Agent{
		Spec:     spec,
		Provider: prov,
		Tools:    tools,
		Logger:   slog.Default().With("agent", spec.ID),
	}
}

// Name returns the agent id used as message producer.
func (a *Agent) Name() string { return a.Spec.ID }

// ToolNames lists the tools in this agent's catalogue.
func (a *Agent) ToolNames() []string {
	if a.Tools == nil {
		return nil
	}
	var names []string
	for _, name := range a.Tools.List() {
		if a.Spec.ToolAllowed(name) {
			names = append(names, name)
		}
	}
	return names
}
