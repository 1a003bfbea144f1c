package tool

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// Tool is the interface every agent tool must implement.
// Implementations must be safe for concurrent use; per-run data arrives
// only through the RunContext argument.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, params map[string]any, run RunContext) (Result, error)
}

// Result is what a tool hands back to the conversation. Facts carries
// structured values (such as a resolved user id) next to the text.
type Result struct {
	Content string
	Facts   map[string]string
}

// Text returns a Result with content only.
func Text(content string) Result {
	return Result{Content: content}
}

// RunContext is a read-only snapshot of the per-run context a tool may
// consult, e.g. the request id or a user id resolved earlier in the run.
type RunContext struct {
	RequestID string
	values    map[string]string
}

// NewRunContext snapshots values. Later changes to the map are not visible
// through the returned RunContext.
func NewRunContext(requestID string, values map[string]string) RunContext {
	return RunContext{RequestID: requestID, values: maps.Clone(values)}
}

// Value returns the context value for key, or "" when unset.
func (r RunContext) Value(key string) string {
	return r.values[key]
}

// ErrUnknownTool is returned when a tool name is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// ExecutionError wraps a failure raised by a tool.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// --- helpers ---

func getString(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

// firstString returns the first non-empty string parameter among keys.
// Models do not always stick to the declared parameter name.
func firstString(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := getString(params, k); v != "" {
			return v
		}
	}
	return ""
}

func stringParam(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func objectSchema(required string, properties map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   []string{required},
	}
}
