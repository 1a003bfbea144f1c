package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/h1v3-io/triage/internal/metrics"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// ModelInvocationError reports a failed or malformed model call. It ends the
// run; there is no retry at this layer.
type ModelInvocationError struct {
	Agent string
	Err   error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("agent %s: model invocation failed: %v", e.Agent, e.Err)
}

func (e *ModelInvocationError) Unwrap() error { return e.Err }

// Turn performs one model invocation over the conversation so far and returns
// the agent's reply, which may request tool calls. The history is not
// modified.
func (a *Agent) Turn(ctx context.Context, history []protocol.Message) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, &ModelInvocationError{Agent: a.Name(), Err: err}
	}

	req := protocol.ChatRequest{
		Model:       a.Spec.Model,
		Messages:    a.buildMessages(history),
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	}
	if a.Tools != nil {
		req.Tools = a.Tools.Definitions(a.Spec.ToolAllowed)
	}

	a.Logger.Debug("agent chat request",
		"agent", a.Name(),
		"messages", len(req.Messages),
		"tools", len(req.Tools),
	)

	resp, err := a.Provider.Chat(ctx, req)
	if err != nil {
		metrics.ModelCalls.WithLabelValues(a.Name(), "error").Inc()
		return protocol.Message{}, &ModelInvocationError{Agent: a.Name(), Err: err}
	}
	if resp == nil {
		metrics.ModelCalls.WithLabelValues(a.Name(), "error").Inc()
		return protocol.Message{}, &ModelInvocationError{Agent: a.Name(), Err: fmt.Errorf("empty response")}
	}
	metrics.ModelCalls.WithLabelValues(a.Name(), "success").Inc()
	metrics.ModelTokens.WithLabelValues(a.Name(), "input").Add(float64(resp.Usage.PromptTokens))
	metrics.ModelTokens.WithLabelValues(a.Name(), "output").Add(float64(resp.Usage.CompletionTokens))

	calls := make([]protocol.ToolCall, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d_%d", len(history), i)
		}
		calls[i] = tc
	}

	a.Logger.Debug("agent response",
		"agent", a.Name(),
		"content_len", len(resp.Content),
		"tool_calls", len(calls),
		"tokens", resp.Usage.TotalTokens(),
	)

	msg := protocol.Message{
		Role:     protocol.RoleAgent,
		Producer: a.Name(),
		Content:  resp.Content,
	}
	if len(calls) > 0 {
		msg.ToolCalls = calls
	}
	return msg, nil
}

func (a *Agent) buildMessages(history []protocol.Message) []protocol.ChatMessage {
	msgs := make([]protocol.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, protocol.ChatMessage{Role: "system", Content: a.systemPrompt()})
	for _, m := range history {
		switch m.Role {
		case protocol.RoleHuman:
			msgs = append(msgs, protocol.ChatMessage{Role: "user", Content: m.Content})
		case protocol.RoleAgent:
			msgs = append(msgs, protocol.ChatMessage{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
				Name:      m.Producer,
			})
		case protocol.RoleTool:
			msgs = append(msgs, protocol.ChatMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.Producer,
			})
		}
	}
	return msgs
}

func (a *Agent) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a helpful AI assistant, collaborating with other assistants to resolve a customer support ticket. ")
	b.WriteString("Use the provided tools to progress towards resolving it. ")
	b.WriteString("If you are unable to fully answer, that's OK, another assistant with different tools will help where you left off. ")
	b.WriteString("Execute what you can to make progress. ")
	b.WriteString("If you or any of the other assistants have the final answer or deliverable, prefix your response with ")
	b.WriteString(FinalAnswer)
	b.WriteString(" so the team knows to stop.")
	if names := a.ToolNames(); len(names) > 0 {
		b.WriteString("\nYou have access to the following tools: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(".")
	}
	if a.Spec.Instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(a.Spec.Instructions)
	}
	return b.String()
}
