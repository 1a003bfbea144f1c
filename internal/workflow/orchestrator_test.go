package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/h1v3-io/triage/internal/agent"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/internal/tool"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// scriptedAgent replies from a script; once the script is exhausted it keeps
// repeating the fallback reply.
type scriptedAgent struct {
	name     string
	script   []func(history []protocol.Message) (protocol.Message, error)
	fallback string
	turns    int
}

func (a *scriptedAgent) Name() string { return a.name }

func (a *scriptedAgent) Turn(ctx context.Context, history []protocol.Message) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Message{}, &agent.ModelInvocationError{Agent: a.name, Err: err}
	}
	a.turns++
	if len(a.script) > 0 {
		step := a.script[0]
		a.script = a.script[1:]
		msg, err := step(history)
		msg.Role = protocol.RoleAgent
		msg.Producer = a.name
		return msg, err
	}
	return agentMsg(a.name, a.fallback), nil
}

func say(content string) func([]protocol.Message) (protocol.Message, error) {
	return func([]protocol.Message) (protocol.Message, error) {
		return protocol.Message{Content: content}, nil
	}
}

func callTools(calls ...protocol.ToolCall) func([]protocol.Message) (protocol.Message, error) {
	return func([]protocol.Message) (protocol.Message, error) {
		return protocol.Message{ToolCalls: calls}, nil
	}
}

type memoryStore struct {
	mu      sync.Mutex
	records []*ticket.Record
}

func (m *memoryStore) Save(rec *ticket.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func newOrchestrator(analysis, resolution *scriptedAgent, tools ...tool.Tool) (*Orchestrator, *memoryStore) {
	store := &memoryStore{}
	return &Orchestrator{
		Analysis:   analysis,
		Resolution: resolution,
		Dispatcher: newTestDispatcher(tools...),
		Bounds:     DefaultBounds(),
		Store:      store,
		Logger:     slog.Default(),
	}, store
}

func TestResolve_FinalAnswer(t *testing.T) {
	analysis := &scriptedAgent{name: "analysis_agent", script: []func([]protocol.Message) (protocol.Message, error){
		say("The customer cannot redeem the voucher."),
	}}
	resolution := &scriptedAgent{name: "resolution_agent", script: []func([]protocol.Message) (protocol.Message, error){
		say("FINAL ANSWER: use card reissue."),
	}}
	o, store := newOrchestrator(analysis, resolution)

	out, err := o.Resolve(context.Background(), protocol.TicketRequest{
		Description: "兑换券未成功",
		UserInfo:    map[string]any{"phone": "13518845492"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != protocol.StatusSuccess {
		t.Errorf("status = %s", out.Status)
	}
	if out.Solution != "use card reissue." {
		t.Errorf("solution = %q", out.Solution)
	}
	if out.Analysis != "The customer cannot redeem the voucher." {
		t.Errorf("analysis = %q", out.Analysis)
	}
	if len(out.Transcript) != 2 || out.Transcript[0].Role != "analysis_agent" || out.Transcript[1].Role != "resolution_agent" {
		t.Errorf("unexpected transcript %+v", out.Transcript)
	}
	if out.RequestID == "" || out.ProcessingTime < 0 || out.CreatedAt.IsZero() {
		t.Errorf("missing run metadata: %+v", out)
	}
	if len(store.records) != 1 || store.records[0].Outcome.RequestID != out.RequestID {
		t.Errorf("expected the outcome to be stored, got %+v", store.records)
	}
	if store.records[0].UserInfo["phone"] != "13518845492" {
		t.Errorf("user info not stored: %+v", store.records[0].UserInfo)
	}
}

func TestResolve_StopsAtIterationBound(t *testing.T) {
	analysis := &scriptedAgent{name: "analysis_agent", fallback: "still looking"}
	resolution := &scriptedAgent{name: "resolution_agent", fallback: "not sure yet"}
	o, _ := newOrchestrator(analysis, resolution)

	out, err := o.Resolve(context.Background(), protocol.TicketRequest{Description: "app crashes"})
	if err != nil {
		t.Fatalf("bound exhaustion must not be an error: %v", err)
	}
	if out.Status != protocol.StatusSuccess {
		t.Errorf("status = %s", out.Status)
	}
	if out.Solution != "" {
		t.Errorf("expected no solution, got %q", out.Solution)
	}
	if out.Analysis != "still looking" {
		t.Errorf("analysis = %q", out.Analysis)
	}
	if turns := analysis.turns + resolution.turns; turns != 11 {
		t.Errorf("expected 11 agent turns, got %d", turns)
	}
	if analysis.turns != 6 || resolution.turns != 5 {
		t.Errorf("agents should alternate: analysis %d, resolution %d", analysis.turns, resolution.turns)
	}
}

func TestResolve_MessageBoundWithToolFanOut(t *testing.T) {
	var calls []protocol.ToolCall
	for i := 0; i < 6; i++ {
		calls = append(calls, protocol.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "echo"})
	}
	var steps []func([]protocol.Message) (protocol.Message, error)
	for i := 0; i < 10; i++ {
		steps = append(steps, callTools(calls...))
	}
	analysis := &scriptedAgent{name: "analysis_agent", script: steps}
	resolution := &scriptedAgent{name: "resolution_agent", fallback: "ok"}

	echo := &funcTool{name: "echo", fn: func(context.Context, map[string]any, tool.RunContext) (tool.Result, error) {
		return tool.Text("echo"), nil
	}}
	o, store := newOrchestrator(analysis, resolution, echo)

	if _, err := o.Resolve(context.Background(), protocol.TicketRequest{Description: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 1 ticket + 3 agent turns + 12 tool results = 16 messages, then stop.
	if analysis.turns != 3 {
		t.Errorf("expected the message bound to stop after 3 turns, got %d", analysis.turns)
	}
	if resolution.turns != 0 {
		t.Errorf("tool results must return to the requester, resolution ran %d times", resolution.turns)
	}
	if n := len(store.records[0].Outcome.Transcript); n != 3 {
		t.Errorf("expected 3 transcript entries, got %d", n)
	}
}

func TestResolve_PropagatesUserID(t *testing.T) {
	var logsSaw string
	lookup := &funcTool{name: UserLookupTool, fn: func(context.Context, map[string]any, tool.RunContext) (tool.Result, error) {
		return tool.Result{Content: "user details retrieved: [(1763739554902667264, 'Wang')]", Facts: map[string]string{"user_id": "1763739554902667264"}}, nil
	}}
	logs := &funcTool{name: "query_system_logs", fn: func(_ context.Context, _ map[string]any, run tool.RunContext) (tool.Result, error) {
		logsSaw = run.Value(ContextUserID)
		return tool.Text("query result: found 3 log records"), nil
	}}

	analysis := &scriptedAgent{name: "analysis_agent", script: []func([]protocol.Message) (protocol.Message, error){
		callTools(protocol.ToolCall{ID: "c1", Name: UserLookupTool, Arguments: map[string]any{"query": "phone 13518845492"}}),
		callTools(protocol.ToolCall{ID: "c2", Name: "query_system_logs", Arguments: map[string]any{"query": "login"}}),
		say("Logs show a phone mismatch."),
	}}
	resolution := &scriptedAgent{name: "resolution_agent", script: []func([]protocol.Message) (protocol.Message, error){
		say("FINAL ANSWER：update the bound phone number"),
	}}
	o, _ := newOrchestrator(analysis, resolution, lookup, logs)

	out, err := o.Resolve(context.Background(), protocol.TicketRequest{Description: "无法登录 13518845492"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logsSaw != "1763739554902667264" {
		t.Errorf("log tool saw user_id %q", logsSaw)
	}
	if out.Solution != "update the bound phone number" {
		t.Errorf("solution = %q", out.Solution)
	}
	if out.Analysis != "Logs show a phone mismatch." {
		t.Errorf("analysis = %q", out.Analysis)
	}
	// Tool-call-only turns are part of the transcript as well.
	if len(out.Transcript) != 4 {
		t.Errorf("expected 4 transcript entries, got %d", len(out.Transcript))
	}
}

func TestResolve_ModelFailure(t *testing.T) {
	cause := errors.New("upstream 500")
	analysis := &scriptedAgent{name: "analysis_agent", script: []func([]protocol.Message) (protocol.Message, error){
		func([]protocol.Message) (protocol.Message, error) {
			return protocol.Message{}, &agent.ModelInvocationError{Agent: "analysis_agent", Err: cause}
		},
	}}
	resolution := &scriptedAgent{name: "resolution_agent"}
	o, store := newOrchestrator(analysis, resolution)

	out, err := o.Resolve(context.Background(), protocol.TicketRequest{Description: "x"})
	if out != nil {
		t.Fatal("expected no outcome")
	}
	var wfErr *Error
	if !errors.As(err, &wfErr) {
		t.Fatalf("expected *workflow.Error, got %v", err)
	}
	if wfErr.RequestID == "" || !errors.Is(err, cause) {
		t.Errorf("unexpected error %+v", wfErr)
	}
	var mie *agent.ModelInvocationError
	if !errors.As(err, &mie) {
		t.Error("expected the model invocation error as cause")
	}
	if len(store.records) != 1 || store.records[0].Outcome.Status != protocol.StatusError || store.records[0].Error == "" {
		t.Errorf("expected failed run to be stored, got %+v", store.records)
	}
}

func TestResolve_Cancelled(t *testing.T) {
	analysis := &scriptedAgent{name: "analysis_agent", fallback: "x"}
	resolution := &scriptedAgent{name: "resolution_agent", fallback: "y"}
	o, _ := newOrchestrator(analysis, resolution)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Resolve(ctx, protocol.TicketRequest{Description: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if analysis.turns != 0 {
		t.Error("no turn should run after cancellation")
	}
}

func TestResolve_ConcurrentRunsAreIsolated(t *testing.T) {
	logs := &funcTool{name: "query_system_logs", fn: func(_ context.Context, _ map[string]any, run tool.RunContext) (tool.Result, error) {
		return tool.Text("user " + run.Value(ContextUserID)), nil
	}}
	reg := tool.NewRegistry()
	reg.Register(logs)
	dispatcher := NewDispatcher(reg, slog.Default())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uid := fmt.Sprintf("%d", 1000+i)
			analysis := &scriptedAgent{name: "analysis_agent", script: []func([]protocol.Message) (protocol.Message, error){
				callTools(protocol.ToolCall{ID: "c1", Name: "query_system_logs"}),
				func(history []protocol.Message) (protocol.Message, error) {
					return protocol.Message{Content: "FINAL ANSWER " + history[len(history)-1].Content}, nil
				},
			}}
			o := &Orchestrator{
				Analysis:   analysis,
				Resolution: &scriptedAgent{name: "resolution_agent"},
				Dispatcher: dispatcher,
			}
			out, err := o.Resolve(context.Background(), protocol.TicketRequest{
				Description: "x",
				UserInfo:    map[string]any{"user_id": uid},
			})
			if err != nil {
				errs <- err
				return
			}
			if out.Solution != "user "+uid {
				errs <- fmt.Errorf("run %s got solution %q", uid, out.Solution)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCleanSolution(t *testing.T) {
	tests := []struct{ in, want string }{
		{"FINAL ANSWER: use card reissue.", "use card reissue."},
		{"  FINAL ANSWER  reset password ", "reset password"},
		{"FINAL ANSWER：重新办卡", "重新办卡"},
		{"Summary first. FINAL ANSWER", "Summary first."},
		{"Logs show a failed card bind.\nFINAL ANSWER: use card reissue.", "use card reissue."},
		{"原因：绑卡失败\nFINAL ANSWER： 重新绑卡", "重新绑卡"},
		{"FINAL ANSWER: retry later. FINAL ANSWER again", "retry later. FINAL ANSWER again"},
	}
	for _, tt := range tests {
		if got := CleanSolution(tt.in); got != tt.want {
			t.Errorf("CleanSolution(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTranscript_OnlyAgentMessages(t *testing.T) {
	history := []protocol.Message{
		{Role: protocol.RoleHuman, Content: "ticket"},
		agentMsg("analysis_agent", "a"),
		toolMsg("query_user_info", "t", nil),
		agentMsg("resolution_agent", "b"),
	}
	got := transcript(history)
	if len(got) != 2 || !strings.HasPrefix(got[0].Role, "analysis") {
		t.Errorf("unexpected transcript %+v", got)
	}
}
