// Package workflow runs the two-agent ticket resolution state machine: agent
// turns, tool dispatch and the routing policy that decides when to stop.
package workflow

import (
	"maps"
	"slices"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Well-known context keys.
const (
	ContextRequestID = "request_id"
	ContextUserID    = "user_id"
)

// State is the conversation state of one run. It is owned by a single run
// and never shared.
type State struct {
	History   []protocol.Message
	Context   map[string]string
	Sender    string
	Iteration int
}

// NewState seeds a run with the ticket text as the first message.
func NewState(ticket string, context map[string]string) State {
	return State{
		History: []protocol.Message{{Role: protocol.RoleHuman, Content: ticket}},
		Context: maps.Clone(context),
	}
}

// Last returns the most recent message.
func (s State) Last() (protocol.Message, bool) {
	if len(s.History) == 0 {
		return protocol.Message{}, false
	}
	return s.History[len(s.History)-1], true
}

// Append returns a copy of s with msgs added to the history.
func (s State) Append(msgs ...protocol.Message) State {
	out := s.clone()
	out.History = append(out.History, msgs...)
	return out
}

func (s State) clone() State {
	out := s
	out.History = slices.Clone(s.History)
	out.Context = maps.Clone(s.Context)
	if out.Context == nil {
		out.Context = make(map[string]string)
	}
	return out
}
