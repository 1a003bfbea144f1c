package tool

import (
	"context"
	"errors"
	"testing"
)

// stubTool is a minimal Tool for testing.
type stubTool struct {
	name   string
	result string
	err    error
	seen   RunContext
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub tool" }
func (s *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) Execute(_ context.Context, params map[string]any, run RunContext) (Result, error) {
	s.seen = run
	if s.err != nil {
		return Result{}, s.err
	}
	return Text(s.result), nil
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	reg := NewRegistry()
	echo := &stubTool{name: "echo", result: "hello"}
	reg.Register(echo)

	if !reg.Has("echo") {
		t.Fatal("expected registry to have 'echo'")
	}
	if reg.Has("missing") {
		t.Fatal("expected registry to not have 'missing'")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected len 1, got %d", reg.Len())
	}

	run := NewRunContext("req-1", map[string]string{"user_id": "42"})
	result, err := reg.Execute(context.Background(), "echo", nil, run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "hello" {
		t.Errorf("expected 'hello', got %q", result.Content)
	}
	if echo.seen.RequestID != "req-1" || echo.seen.Value("user_id") != "42" {
		t.Errorf("run context not passed through: %+v", echo.seen)
	}
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Execute(context.Background(), "nope", nil, RunContext{})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestRegistry_ExecuteError(t *testing.T) {
	reg := NewRegistry()
	cause := errors.New("database down")
	reg.Register(&stubTool{name: "query_user_info", err: cause})

	_, err := reg.Execute(context.Background(), "query_user_info", nil, RunContext{})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecutionError, got %v", err)
	}
	if execErr.Tool != "query_user_info" {
		t.Errorf("expected tool name in error, got %q", execErr.Tool)
	}
	if !errors.Is(err, cause) {
		t.Error("expected error to unwrap to the cause")
	}
}

func TestRegistry_Definitions(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubTool{name: "b"})
	reg.Register(&stubTool{name: "a"})
	reg.Register(&stubTool{name: "c"})

	defs := reg.Definitions(nil)
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if defs[i].Type != "function" {
			t.Errorf("expected type 'function', got %q", defs[i].Type)
		}
		if defs[i].Function.Name != want {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Function.Name, want)
		}
	}

	filtered := reg.Definitions(func(name string) bool { return name != "b" })
	if len(filtered) != 2 {
		t.Fatalf("expected 2 filtered definitions, got %d", len(filtered))
	}
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubTool{name: "y"})
	reg.Register(&stubTool{name: "x"})

	names := reg.List()
	if len(names) != 2 || names[0] != "x" || names[1] != "y" {
		t.Fatalf("expected sorted [x y], got %v", names)
	}
}

func TestRunContext_IsSnapshot(t *testing.T) {
	values := map[string]string{"user_id": "1"}
	run := NewRunContext("req", values)
	values["user_id"] = "2"
	if run.Value("user_id") != "1" {
		t.Errorf("expected snapshot value 1, got %q", run.Value("user_id"))
	}
	if run.Value("missing") != "" {
		t.Error("expected empty value for missing key")
	}
}
