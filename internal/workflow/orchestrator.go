package workflow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/triage/internal/metrics"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// Participant is an agent that takes turns in a run.
type Participant interface {
	Name() string
	Turn(ctx context.Context, history []protocol.Message) (protocol.Message, error)
}

// RecordSaver persists finished runs.
type RecordSaver interface {
	Save(rec *ticket.Record) error
}

// Orchestrator resolves tickets by alternating the analysis and resolution
// agents, dispatching their tool calls, until the router stops the run.
// It keeps no per-run state and serves concurrent runs.
type Orchestrator struct {
	Analysis   Participant
	Resolution Participant
	Dispatcher *Dispatcher
	Bounds     Bounds
	// RunTimeout bounds a whole run; zero means no limit beyond ctx.
	RunTimeout time.Duration
	// Store, when set, receives every finished run, failed ones included.
	Store  RecordSaver
	Logger *slog.Logger
}

// Resolve runs the state machine for one ticket. On success it returns the
// outcome; when a model invocation fails or the run is cancelled it returns
// a *Error and no outcome.
func (o *Orchestrator) Resolve(ctx context.Context, req protocol.TicketRequest) (*protocol.TicketOutcome, error) {
	requestID := uuid.NewString()
	start := time.Now()
	logger := o.logger().With("request_id", requestID)

	if o.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.RunTimeout)
		defer cancel()
	}

	seed := req.UserInfoStrings()
	seed[ContextRequestID] = requestID
	state := NewState(req.Format(), seed)

	logger.Info("ticket run started", "description_len", len(req.Description), "user_info", len(req.UserInfo))

	final, reason, err := o.run(ctx, state, logger)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		metrics.RunDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		logger.Error("ticket run failed", "error", err, "duration", elapsed)
		o.save(logger, req, &protocol.TicketOutcome{
			RequestID:      requestID,
			Status:         protocol.StatusError,
			Transcript:     transcript(final.History),
			ProcessingTime: elapsed.Seconds(),
			CreatedAt:      time.Now().UTC(),
		}, err)
		return nil, &Error{RequestID: requestID, Cause: err}
	}

	outcome := o.buildOutcome(requestID, final, elapsed)
	metrics.RunsTotal.WithLabelValues("success").Inc()
	metrics.RunDuration.WithLabelValues("success").Observe(elapsed.Seconds())
	logger.Info("ticket run finished",
		"stop_reason", reason,
		"iterations", final.Iteration,
		"messages", len(final.History),
		"has_solution", outcome.Solution != "",
		"duration", elapsed,
	)
	o.save(logger, req, outcome, nil)
	return outcome, nil
}

func (o *Orchestrator) run(ctx context.Context, state State, logger *slog.Logger) (State, StopReason, error) {
	roster := Roster{Analysis: o.Analysis.Name(), Resolution: o.Resolution.Name()}
	bounds := o.Bounds.normalize()
	stage := StageAnalysis

	for {
		if err := ctx.Err(); err != nil {
			return state, "", err
		}

		switch stage {
		case StageAnalysis, StageResolution:
			agent := o.Analysis
			if stage == StageResolution {
				agent = o.Resolution
			}
			msg, err := agent.Turn(ctx, state.History)
			if err != nil {
				return state, "", err
			}
			state = state.Append(msg)
			state.Sender = agent.Name()
		case StageToolDispatch:
			// Never let one dispatch push the history past the message bound
			// by more than the single message the router stops on.
			state = o.Dispatcher.DispatchN(ctx, state, bounds.MaxMessages+1-len(state.History))
		}

		var decision Decision
		state, decision = Route(state, bounds, roster)
		metrics.RouterDecisions.WithLabelValues(decision.Kind.String(), string(decision.Reason)).Inc()
		stage = roster.Next(decision)
		logger.Debug("router decision",
			"iteration", state.Iteration,
			"decision", decision.Kind.String(),
			"agent", decision.Agent,
			"reason", decision.Reason,
			"next", stage.String(),
		)
		if stage == StageStopped {
			return state, decision.Reason, nil
		}
	}
}

func (o *Orchestrator) buildOutcome(requestID string, s State, elapsed time.Duration) *protocol.TicketOutcome {
	out := &protocol.TicketOutcome{
		RequestID:      requestID,
		Status:         protocol.StatusSuccess,
		Transcript:     transcript(s.History),
		ProcessingTime: elapsed.Seconds(),
		CreatedAt:      time.Now().UTC(),
	}
	analysis := o.Analysis.Name()
	for _, m := range s.History {
		if m.Role != protocol.RoleAgent {
			continue
		}
		if out.Analysis == "" && m.Producer == analysis && strings.TrimSpace(m.Content) != "" {
			out.Analysis = m.Content
		}
		if out.Solution == "" && m.Contains(FinalAnswer) {
			out.Solution = CleanSolution(m.Content)
		}
	}
	return out
}

// CleanSolution returns the text after the first final answer marker with a
// leading colon and surrounding whitespace removed. When nothing follows the
// marker, the text before it is the solution.
func CleanSolution(content string) string {
	before, after, found := strings.Cut(content, FinalAnswer)
	if !found {
		return strings.TrimSpace(content)
	}
	s := strings.TrimSpace(after)
	s = strings.TrimPrefix(s, ":")
	s = strings.TrimPrefix(s, "：")
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return strings.TrimSpace(before)
}

func transcript(history []protocol.Message) []protocol.TranscriptEntry {
	entries := []protocol.TranscriptEntry{}
	for _, m := range history {
		if m.Role == protocol.RoleAgent {
			entries = append(entries, protocol.TranscriptEntry{Role: m.Producer, Content: m.Content})
		}
	}
	return entries
}

func (o *Orchestrator) save(logger *slog.Logger, req protocol.TicketRequest, outcome *protocol.TicketOutcome, runErr error) {
	if o.Store == nil {
		return
	}
	rec := &ticket.Record{
		Outcome:     *outcome,
		Description: strings.TrimSpace(req.Description),
		UserInfo:    req.UserInfoStrings(),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := o.Store.Save(rec); err != nil {
		logger.Warn("failed to persist ticket run", "error", err)
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
