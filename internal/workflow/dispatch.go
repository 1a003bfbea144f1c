package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/h1v3-io/triage/internal/metrics"
	"github.com/h1v3-io/triage/internal/tool"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const (
	defaultToolConcurrency = 4
	defaultToolTimeout     = 60 * time.Second
)

// Dispatcher executes the tool calls requested by the latest agent message.
type Dispatcher struct {
	Tools       *tool.Registry
	Concurrency int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher with default limits.
func NewDispatcher(tools *tool.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Tools:       tools,
		Concurrency: defaultToolConcurrency,
		Timeout:     defaultToolTimeout,
		Logger:      logger,
	}
}

// Dispatch runs every tool call of the last message and returns the state
// with one tool result per call appended in request order. It is a no-op
// when the last message requests no tools.
func (d *Dispatcher) Dispatch(ctx context.Context, s State) State {
	return d.DispatchN(ctx, s, 0)
}

// DispatchN is Dispatch executing at most limit calls; the rest are dropped
// with a warning. A limit <= 0 means no limit.
func (d *Dispatcher) DispatchN(ctx context.Context, s State, limit int) State {
	last, ok := s.Last()
	if !ok || !last.HasToolCalls() {
		return s
	}

	calls := last.ToolCalls
	if limit > 0 && len(calls) > limit {
		d.Logger.Warn("dropping tool calls over the message bound",
			"agent", last.Producer,
			"requested", len(calls),
			"executed", limit,
		)
		calls = calls[:limit]
	}

	run := tool.NewRunContext(s.Context[ContextRequestID], s.Context)
	results := make([]protocol.Message, len(calls))

	var g errgroup.Group
	g.SetLimit(d.concurrency())
	for i, call := range calls {
		g.Go(func() error {
			results[i] = d.call(ctx, last.Producer, call, run)
			return nil
		})
	}
	g.Wait()

	next := s.Append(results...)
	next.Sender = last.Producer
	return next
}

func (d *Dispatcher) call(ctx context.Context, agent string, call protocol.ToolCall, run tool.RunContext) protocol.Message {
	msg := protocol.Message{
		Role:       protocol.RoleTool,
		Producer:   call.Name,
		ToolCallID: call.ID,
	}
	logger := d.Logger.With("request_id", run.RequestID, "agent", agent, "tool", call.Name, "call_id", call.ID)

	if d.Tools == nil || !d.Tools.Has(call.Name) {
		metrics.ToolCalls.WithLabelValues(call.Name, "unknown").Inc()
		logger.Warn("skipping unknown tool")
		msg.Content = fmt.Sprintf("Error: tool %q is not available", call.Name)
		return msg
	}

	logger.Info(fmt.Sprintf("tool call: %s", call.Name))
	start := time.Now()
	res, err := d.execute(ctx, call, run)
	metrics.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ToolCalls.WithLabelValues(call.Name, "error").Inc()
		logger.Warn(fmt.Sprintf("tool error: %s", call.Name), "error", err)
		var execErr *tool.ExecutionError
		if errors.As(err, &execErr) {
			err = execErr.Err
		}
		msg.Content = fmt.Sprintf("Error: %v", err)
		return msg
	}

	metrics.ToolCalls.WithLabelValues(call.Name, "success").Inc()
	logger.Info(fmt.Sprintf("tool result: %s", call.Name), "result_len", len(res.Content))
	msg.Content = res.Content
	msg.Facts = res.Facts
	return msg
}

// execute runs one call under the per-call timeout and turns panics into
// execution errors.
func (d *Dispatcher) execute(ctx context.Context, call protocol.ToolCall, run tool.RunContext) (res tool.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &tool.ExecutionError{Tool: call.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	return d.Tools.Execute(callCtx, call.Name, call.Arguments, run)
}

func (d *Dispatcher) concurrency() int {
	if d.Concurrency <= 0 {
		return defaultToolConcurrency
	}
	return d.Concurrency
}

func (d *Dispatcher) timeout() time.Duration {
	if d.Timeout <= 0 {
		return defaultToolTimeout
	}
	return d.Timeout
}
