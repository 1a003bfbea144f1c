// Package service assembles the ticket resolution components from a
// configuration: providers, tools, agents, the orchestrator and the stores
// behind them.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/h1v3-io/triage/internal/agent"
	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/correlate"
	"github.com/h1v3-io/triage/internal/logstore"
	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/internal/subject"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/internal/tool"
	"github.com/h1v3-io/triage/internal/workflow"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// Service holds the wired components. Close releases the stores.
type Service struct {
	Config       *config.Config
	Logger       *slog.Logger
	Providers    map[string]*provider.OpenAIProvider
	Tools        *tool.Registry
	Orchestrator *workflow.Orchestrator
	Store        *ticket.SQLiteStore
	Subjects     *subject.SQLiteIndex
	// Correlator is nil when no log store is configured.
	Correlator *correlate.Resolver

	userDB *sql.DB
}

// New builds every component described by cfg. The user lookup tool is
// skipped with a warning when its database cannot be reached.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		Config:    cfg,
		Logger:    logger,
		Providers: make(map[string]*provider.OpenAIProvider, len(cfg.Providers)),
		Tools:     tool.NewRegistry(),
	}

	for name, pcfg := range cfg.Providers {
		s.Providers[name] = NewProvider(pcfg)
		logger.Info("provider initialized", "name", name, "model", pcfg.Model, "streaming", pcfg.Streaming)
	}

	if err := os.MkdirAll(cfg.Service.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := ticket.NewSQLiteStore(cfg.Service.TicketDB)
	if err != nil {
		return nil, fmt.Errorf("open ticket store: %w", err)
	}
	s.Store = store

	if err := s.registerTools(ctx); err != nil {
		s.Close()
		return nil, err
	}

	analysis, err := s.newAgent(cfg.Workflow.AnalysisAgent)
	if err != nil {
		s.Close()
		return nil, err
	}
	resolution, err := s.newAgent(cfg.Workflow.ResolutionAgent)
	if err != nil {
		s.Close()
		return nil, err
	}

	dispatcher := workflow.NewDispatcher(s.Tools, logger.With("component", "dispatch"))
	dispatcher.Concurrency = cfg.Dispatch.Concurrency
	dispatcher.Timeout = cfg.Dispatch.ToolTimeoutDuration()

	s.Orchestrator = &workflow.Orchestrator{
		Analysis:   analysis,
		Resolution: resolution,
		Dispatcher: dispatcher,
		Bounds: workflow.Bounds{
			MaxIterations: cfg.Workflow.MaxIterations,
			MaxMessages:   cfg.Workflow.MaxMessages,
		},
		RunTimeout: cfg.Workflow.RunTimeoutDuration(),
		Store:      store,
		Logger:     logger.With("component", "workflow"),
	}

	logger.Info("service ready",
		"tools", s.Tools.List(),
		"analysis_agent", analysis.Name(),
		"resolution_agent", resolution.Name(),
		"max_iterations", cfg.Workflow.MaxIterations,
		"max_messages", cfg.Workflow.MaxMessages,
	)
	return s, nil
}

// NewProvider creates the OpenAI-compatible client for one provider entry.
func NewProvider(pcfg config.ProviderConfig) *provider.OpenAIProvider {
	opts := []provider.OpenAIOption{provider.WithStreaming(pcfg.Streaming)}
	if pcfg.BaseURL != "" {
		opts = append(opts, provider.WithBaseURL(pcfg.BaseURL))
	}
	if pcfg.Model != "" {
		opts = append(opts, provider.WithModel(pcfg.Model))
	}
	if pcfg.EmbeddingModel != "" {
		opts = append(opts, provider.WithEmbeddingModel(pcfg.EmbeddingModel))
	}
	return provider.NewOpenAI(pcfg.APIKey, opts...)
}

// NewCorrelator creates the log correlation resolver for cfg.
func NewCorrelator(cfg config.LogStoreConfig, logger *slog.Logger) *correlate.Resolver {
	client := logstore.New(logstore.Config{
		URL:       cfg.URL,
		Project:   cfg.Project,
		Cookie:    cfg.Cookie,
		PageSize:  cfg.PageSize,
		Lookback:  cfg.LookbackDuration(),
		RateLimit: cfg.RateLimit,
		Timeout:   cfg.TimeoutDuration(),
	})
	r := correlate.NewResolver(client, logger.With("component", "correlate"))
	r.Concurrency = cfg.Concurrency
	r.MaxTraceIDs = cfg.MaxTraceIDs
	return r
}

// Provider returns the client for a provider reference, resolved like agent
// provider references.
func (s *Service) Provider(name string) (*provider.OpenAIProvider, error) {
	resolved, _, ok := s.Config.ProviderFor(name)
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return s.Providers[resolved], nil
}

func (s *Service) registerTools(ctx context.Context) error {
	cfg := s.Config

	if cfg.LogStore.URL != "" {
		s.Correlator = NewCorrelator(cfg.LogStore, s.Logger)
		s.Tools.Register(&tool.SystemLogsTool{Correlator: s.Correlator})
	} else {
		s.Logger.Warn("log store not configured, query_system_logs disabled")
	}

	if cfg.UserDB.DSN != "" {
		prov, err := s.Provider(cfg.UserDB.Provider)
		if err != nil {
			return fmt.Errorf("user_db: %w", err)
		}
		db, err := tool.OpenUserDB(ctx, cfg.UserDB.DSN)
		if err != nil {
			s.Logger.Warn("user database unavailable, query_user_info disabled", "error", err)
		} else {
			s.userDB = db
			s.Tools.Register(&tool.UserInfoTool{
				DB:       db,
				Provider: prov,
				Schema:   cfg.UserDB.Schema,
				MaxRows:  cfg.UserDB.MaxRows,
				Logger:   s.Logger.With("tool", "query_user_info"),
			})
		}
	}

	if cfg.Subjects.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Subjects.Path), 0o755); err != nil {
			return fmt.Errorf("create subjects dir: %w", err)
		}
		idx, err := subject.OpenSQLiteIndex(cfg.Subjects.Path)
		if err != nil {
			return fmt.Errorf("open subject index: %w", err)
		}
		s.Subjects = idx
		prov, err := s.Provider(cfg.Subjects.Provider)
		if err != nil {
			return fmt.Errorf("subjects: %w", err)
		}
		s.Tools.Register(&tool.SubjectTool{
			Index:    idx,
			Embedder: prov,
			Provider: prov,
			Options: subject.SearchOptions{
				K:      cfg.Subjects.K,
				FetchK: cfg.Subjects.FetchK,
				Lambda: cfg.Subjects.Lambda,
			},
		})
	}

	s.Tools.Register(&tool.BackgroundTool{
		URLTemplate: cfg.Background.URLTemplate,
		Token:       cfg.Background.Token,
	})
	return nil
}

func (s *Service) newAgent(id string) (*agent.Agent, error) {
	spec, ok := s.Config.Agent(id)
	if !ok {
		return nil, fmt.Errorf("agent %q is not configured", id)
	}
	_, pcfg, ok := s.Config.ProviderFor(spec.Provider)
	if !ok {
		return nil, fmt.Errorf("agent %s: no provider", id)
	}
	prov, err := s.Provider(spec.Provider)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	ag := agent.New(spec, prov, s.Tools)
	ag.Logger = s.Logger.With("agent", spec.ID)
	ag.Temperature = pcfg.Temperature
	ag.MaxTokens = pcfg.MaxTokens
	return ag, nil
}

// Resolve runs one ticket through the orchestrator.
func (s *Service) Resolve(ctx context.Context, req protocol.TicketRequest) (*protocol.TicketOutcome, error) {
	return s.Orchestrator.Resolve(ctx, req)
}

// Close releases the stores and database connections.
func (s *Service) Close() error {
	var errs []error
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.Subjects != nil {
		errs = append(errs, s.Subjects.Close())
	}
	if s.userDB != nil {
		errs = append(errs, s.userDB.Close())
	}
	return errors.Join(errs...)
}
