package workflow

import (
	"fmt"
	"regexp"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// FinalAnswer marks the message carrying the conversation's final answer.
const FinalAnswer = "FINAL ANSWER"

// UserLookupTool is the tool whose results carry the customer's user id.
const UserLookupTool = "query_user_info"

// userIDPattern is the positional fallback for lookup results without facts:
// the first numeric field of a "(id, ...)" row.
var userIDPattern = regexp.MustCompile(`\(\s*(\d+)\s*,`)

// Stage is a state of the resolution state machine.
type Stage int

const (
	StageAnalysis Stage = iota
	StageResolution
	StageToolDispatch
	StageStopped
)

func (s Stage) String() string {
	switch s {
	case StageAnalysis:
		return "analysis_turn"
	case StageResolution:
		return "resolution_turn"
	case StageToolDispatch:
		return "tool_dispatch"
	case StageStopped:
		return "stopped"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// DecisionKind enumerates router outcomes.
type DecisionKind int

const (
	DecisionDispatchTools DecisionKind = iota
	DecisionHandoff
	DecisionStop
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionDispatchTools:
		return "dispatch_tools"
	case DecisionHandoff:
		return "handoff"
	case DecisionStop:
		return "stop"
	}
	return fmt.Sprintf("decision(%d)", int(k))
}

// StopReason says why a run stopped.
type StopReason string

const (
	StopMaxIterations StopReason = "max_iterations"
	StopMaxMessages   StopReason = "max_messages"
	StopFinalAnswer   StopReason = "final_answer"
)

// Decision is the router's verdict. Agent is set for handoffs, Reason for stops.
type Decision struct {
	Kind   DecisionKind
	Agent  string
	Reason StopReason
}

// Bounds are the anti-runaway limits of a run.
type Bounds struct {
	MaxIterations int
	MaxMessages   int
}

// DefaultBounds returns 10 router evaluations and 15 messages.
func DefaultBounds() Bounds {
	return Bounds{MaxIterations: 10, MaxMessages: 15}
}

func (b Bounds) normalize() Bounds {
	d := DefaultBounds()
	if b.MaxIterations <= 0 {
		b.MaxIterations = d.MaxIterations
	}
	if b.MaxMessages <= 0 {
		b.MaxMessages = d.MaxMessages
	}
	return b
}

// Roster names the two agents taking turns.
type Roster struct {
	Analysis   string
	Resolution string
}

// Other returns the agent that is not name.
func (r Roster) Other(name string) string {
	if name == r.Analysis {
		return r.Resolution
	}
	return r.Analysis
}

// Next maps a decision to the next stage.
func (r Roster) Next(d Decision) Stage {
	switch d.Kind {
	case DecisionDispatchTools:
		return StageToolDispatch
	case DecisionHandoff:
		if d.Agent == r.Resolution {
			return StageResolution
		}
		return StageAnalysis
	default:
		return StageStopped
	}
}

// Route evaluates the routing policy on s. It does not modify s; the returned
// state has the iteration advanced and, when a user lookup just answered,
// the user id recorded in its context.
func Route(s State, bounds Bounds, roster Roster) (State, Decision) {
	bounds = bounds.normalize()
	next := s.clone()
	next.Iteration++

	if next.Iteration > bounds.MaxIterations {
		return next, Decision{Kind: DecisionStop, Reason: StopMaxIterations}
	}
	if len(next.History) > bounds.MaxMessages {
		return next, Decision{Kind: DecisionStop, Reason: StopMaxMessages}
	}
	for _, m := range next.History {
		if m.Contains(FinalAnswer) {
			return next, Decision{Kind: DecisionStop, Reason: StopFinalAnswer}
		}
	}

	last, ok := next.Last()
	if !ok {
		return next, Decision{Kind: DecisionHandoff, Agent: roster.Analysis}
	}

	if next.Context[ContextUserID] == "" {
		if id := lookupUserID(next.History); id != "" {
			next.Context[ContextUserID] = id
		}
	}

	if last.HasToolCalls() {
		return next, Decision{Kind: DecisionDispatchTools}
	}
	if last.Role == protocol.RoleTool {
		return next, Decision{Kind: DecisionHandoff, Agent: next.Sender}
	}
	return next, Decision{Kind: DecisionHandoff, Agent: roster.Other(next.Sender)}
}

// lookupUserID scans the tool results appended by the latest dispatch for a
// user lookup answer, preferring its structured facts.
func lookupUserID(history []protocol.Message) string {
	for i := len(history) - 1; i >= 0 && history[i].Role == protocol.RoleTool; i-- {
		m := history[i]
		if m.Producer != UserLookupTool {
			continue
		}
		if id := m.Facts[ContextUserID]; id != "" {
			return id
		}
		if match := userIDPattern.FindStringSubmatch(m.Content); match != nil {
			return match[1]
		}
	}
	return ""
}
