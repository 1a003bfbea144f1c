package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Default agent ids. The router alternates between them.
const (
	AnalysisAgentID   = "analysis_agent"
	ResolutionAgentID = "resolution_agent"
)

// Config is the top-level triage service configuration.
type Config struct {
	Service    ServiceConfig             `json:"service" yaml:"service"`
	Agents     []protocol.AgentSpec      `json:"agents" yaml:"agents"`
	Providers  map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Workflow   WorkflowConfig            `json:"workflow" yaml:"workflow"`
	Dispatch   DispatchConfig            `json:"dispatch" yaml:"dispatch"`
	LogStore   LogStoreConfig            `json:"log_store" yaml:"log_store"`
	UserDB     UserDBConfig              `json:"user_db" yaml:"user_db"`
	Subjects   SubjectsConfig            `json:"subjects" yaml:"subjects"`
	Background BackgroundConfig          `json:"background" yaml:"background"`
	API        APIConfig                 `json:"api" yaml:"api"`
	Intake     IntakeConfig              `json:"intake,omitempty" yaml:"intake,omitempty"`
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name     string `json:"name" yaml:"name"`
	Version  string `json:"version" yaml:"version"`
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	TicketDB string `json:"ticket_db,omitempty" yaml:"ticket_db,omitempty"` // default <data_dir>/tickets.db
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	// LogBuffer is the number of log records kept for GET /api/logs.
	LogBuffer int `json:"log_buffer,omitempty" yaml:"log_buffer,omitempty"`
	// RetentionDays deletes stored runs older than this many days; 0 keeps them.
	RetentionDays     int    `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
	RetentionSchedule string `json:"retention_schedule,omitempty" yaml:"retention_schedule,omitempty"`
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	Type           string  `json:"type,omitempty" yaml:"type,omitempty"` // "openai" (default)
	APIKey         string  `json:"api_key" yaml:"api_key"`
	BaseURL        string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model          string  `json:"model" yaml:"model"`
	EmbeddingModel string  `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
	Streaming      bool    `json:"streaming,omitempty" yaml:"streaming,omitempty"`
	Temperature    float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// WorkflowConfig bounds a ticket run.
type WorkflowConfig struct {
	AnalysisAgent   string `json:"analysis_agent,omitempty" yaml:"analysis_agent,omitempty"`
	ResolutionAgent string `json:"resolution_agent,omitempty" yaml:"resolution_agent,omitempty"`
	MaxIterations   int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MaxMessages     int    `json:"max_messages,omitempty" yaml:"max_messages,omitempty"`
	RunTimeout      int    `json:"run_timeout,omitempty" yaml:"run_timeout,omitempty"` // seconds, 0 = none
}

// DispatchConfig controls tool execution.
type DispatchConfig struct {
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	ToolTimeout int `json:"tool_timeout,omitempty" yaml:"tool_timeout,omitempty"` // seconds
}

// LogStoreConfig holds the log search endpoint settings. The log tool is
// only registered when URL is set.
type LogStoreConfig struct {
	URL         string  `json:"url,omitempty" yaml:"url,omitempty"`
	Project     string  `json:"project,omitempty" yaml:"project,omitempty"`
	Cookie      string  `json:"cookie,omitempty" yaml:"cookie,omitempty"`
	PageSize    int     `json:"page_size,omitempty" yaml:"page_size,omitempty"`
	Lookback    int     `json:"lookback,omitempty" yaml:"lookback,omitempty"` // hours
	RateLimit   float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Concurrency int     `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Timeout     int     `json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds
	MaxTraceIDs int     `json:"max_trace_ids,omitempty" yaml:"max_trace_ids,omitempty"`
}

// UserDBConfig holds the customer database settings for the user lookup tool.
type UserDBConfig struct {
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Schema   string `json:"schema,omitempty" yaml:"schema,omitempty"`
	MaxRows  int    `json:"max_rows,omitempty" yaml:"max_rows,omitempty"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// SubjectsConfig holds the activity index settings.
type SubjectsConfig struct {
	Path      string  `json:"path,omitempty" yaml:"path,omitempty"` // default <data_dir>/subjects.db
	Provider  string  `json:"provider,omitempty" yaml:"provider,omitempty"`
	BatchSize int     `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	K         int     `json:"k,omitempty" yaml:"k,omitempty"`
	FetchK    int     `json:"fetch_k,omitempty" yaml:"fetch_k,omitempty"`
	Lambda    float64 `json:"lambda,omitempty" yaml:"lambda,omitempty"`
}

// BackgroundConfig holds the ticket background service settings.
type BackgroundConfig struct {
	URLTemplate string `json:"url_template,omitempty" yaml:"url_template,omitempty"` // contains {ticket_id}
	Token       string `json:"token,omitempty" yaml:"token,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host        string   `json:"host" yaml:"host"`
	Port        int      `json:"port" yaml:"port"`
	Key         string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// IntakeConfig holds the per-source ticket intake endpoints mounted at
// POST /api/v1/intake/{source}.
type IntakeConfig struct {
	Sources map[string]IntakeSource `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// IntakeSource authenticates one ticket source. Secret enables HMAC-SHA256
// body signatures; BearerToken is used when Secret is empty.
type IntakeSource struct {
	Secret      string `json:"secret,omitempty" yaml:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
	// CallbackURL receives the outcome asynchronously. Without it the
	// request blocks and the outcome is returned inline.
	CallbackURL string `json:"callback_url,omitempty" yaml:"callback_url,omitempty"`
}

// Addr returns host:port.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// DefaultAgents returns the two collaborating agents with their standard
// instructions.
func DefaultAgents() []protocol.AgentSpec {
	return []protocol.AgentSpec{
		{
			ID:           AnalysisAgentID,
			Role:         "Ticket analyst",
			Instructions: "分析工单内容，确定问题所属系统和类型，并调用相应工具获取信息。",
		},
		{
			ID:           ResolutionAgentID,
			Role:         "Resolution specialist",
			Instructions: "结合工单问题和工具返回的信息，分析问题原因并提供解决方案。",
		},
	}
}

// Load reads configuration from a JSON or YAML file, chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with the TRIAGE_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:     getenv("TRIAGE_SERVICE_NAME", "triage"),
			DataDir:  getenv("TRIAGE_DATA_DIR", "/data"),
			TicketDB: os.Getenv("TRIAGE_TICKET_DB"),
			LogLevel: os.Getenv("TRIAGE_LOG_LEVEL"),

			RetentionDays:     getenvInt("TRIAGE_RETENTION_DAYS", 0),
			RetentionSchedule: os.Getenv("TRIAGE_RETENTION_SCHEDULE"),
		},
		Providers: make(map[string]ProviderConfig),
		Workflow: WorkflowConfig{
			MaxIterations: getenvInt("TRIAGE_MAX_ITERATIONS", 0),
			MaxMessages:   getenvInt("TRIAGE_MAX_MESSAGES", 0),
			RunTimeout:    getenvInt("TRIAGE_RUN_TIMEOUT", 0),
		},
		Dispatch: DispatchConfig{
			Concurrency: getenvInt("TRIAGE_TOOL_CONCURRENCY", 0),
			ToolTimeout: getenvInt("TRIAGE_TOOL_TIMEOUT", 0),
		},
		LogStore: LogStoreConfig{
			URL:       os.Getenv("TRIAGE_LOG_STORE_URL"),
			Project:   os.Getenv("TRIAGE_LOG_STORE_PROJECT"),
			Cookie:    os.Getenv("TRIAGE_LOG_STORE_COOKIE"),
			Lookback:  getenvInt("TRIAGE_LOG_STORE_LOOKBACK", 0),
			RateLimit: getenvFloat("TRIAGE_LOG_STORE_RATE_LIMIT", 0),
		},
		UserDB: UserDBConfig{
			DSN:    os.Getenv("TRIAGE_USER_DB_DSN"),
			Schema: os.Getenv("TRIAGE_USER_DB_SCHEMA"),
		},
		Subjects: SubjectsConfig{
			Path: os.Getenv("TRIAGE_SUBJECTS_DB"),
		},
		Background: BackgroundConfig{
			URLTemplate: os.Getenv("TRIAGE_BACKGROUND_URL"),
			Token:       os.Getenv("TRIAGE_BACKGROUND_TOKEN"),
		},
		API: APIConfig{
			Host: getenv("TRIAGE_API_HOST", "0.0.0.0"),
			Port: getenvInt("TRIAGE_API_PORT", 8000),
			Key:  os.Getenv("TRIAGE_API_KEY"),
		},
	}

	if apiKey := os.Getenv("TRIAGE_OPENAI_API_KEY"); apiKey != "" || os.Getenv("TRIAGE_OPENAI_BASE_URL") != "" {
		cfg.Providers["default"] = ProviderConfig{
			Type:           "openai",
			APIKey:         apiKey,
			BaseURL:        os.Getenv("TRIAGE_OPENAI_BASE_URL"),
			Model:          getenv("TRIAGE_MODEL", "gpt-3.5-turbo"),
			EmbeddingModel: os.Getenv("TRIAGE_EMBEDDING_MODEL"),
			Streaming:      getenvBool("TRIAGE_STREAMING"),
		}
	}
	if origins := os.Getenv("TRIAGE_CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "triage"
	}
	if c.Service.Version == "" {
		c.Service.Version = "1.0.0"
	}
	if c.Service.TicketDB == "" && c.Service.DataDir != "" {
		c.Service.TicketDB = filepath.Join(c.Service.DataDir, "tickets.db")
	}
	if c.Service.LogLevel == "" {
		c.Service.LogLevel = "info"
	}
	if c.Service.LogBuffer <= 0 {
		c.Service.LogBuffer = 2000
	}
	if c.Service.RetentionSchedule == "" {
		c.Service.RetentionSchedule = "@daily"
	}
	if len(c.Agents) == 0 {
		c.Agents = DefaultAgents()
	}
	if c.Workflow.AnalysisAgent == "" {
		c.Workflow.AnalysisAgent = AnalysisAgentID
	}
	if c.Workflow.ResolutionAgent == "" {
		c.Workflow.ResolutionAgent = ResolutionAgentID
	}
	if c.Workflow.MaxIterations <= 0 {
		c.Workflow.MaxIterations = 10
	}
	if c.Workflow.MaxMessages <= 0 {
		c.Workflow.MaxMessages = 15
	}
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = 4
	}
	if c.Dispatch.ToolTimeout <= 0 {
		c.Dispatch.ToolTimeout = 60
	}
	if c.LogStore.PageSize <= 0 {
		c.LogStore.PageSize = 100
	}
	if c.LogStore.Lookback <= 0 {
		c.LogStore.Lookback = 48
	}
	if c.LogStore.Concurrency <= 0 {
		c.LogStore.Concurrency = 4
	}
	if c.LogStore.Timeout <= 0 {
		c.LogStore.Timeout = 30
	}
	if c.LogStore.MaxTraceIDs <= 0 {
		c.LogStore.MaxTraceIDs = 20
	}
	if c.UserDB.Schema == "" {
		c.UserDB.Schema = "public"
	}
	if c.UserDB.MaxRows <= 0 {
		c.UserDB.MaxRows = 20
	}
	if c.Subjects.Path == "" && c.Service.DataDir != "" {
		c.Subjects.Path = filepath.Join(c.Service.DataDir, "subjects.db")
	}
	if c.Subjects.BatchSize <= 0 {
		c.Subjects.BatchSize = 16
	}
	if c.Subjects.K <= 0 {
		c.Subjects.K = 10
	}
	if c.Subjects.FetchK <= 0 {
		c.Subjects.FetchK = 15
	}
	if c.Subjects.Lambda == 0 {
		c.Subjects.Lambda = 0.5
	}
	if c.API.Port == 0 {
		c.API.Port = 8000
	}
}

// Agent returns the agent spec with the given id.
func (c *Config) Agent(id string) (protocol.AgentSpec, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return protocol.AgentSpec{}, false
}

// ProviderFor resolves a provider reference, falling back to "default" and
// then to the only configured provider.
func (c *Config) ProviderFor(name string) (string, ProviderConfig, bool) {
	if name != "" {
		p, ok := c.Providers[name]
		return name, p, ok
	}
	if p, ok := c.Providers["default"]; ok {
		return "default", p, true
	}
	if len(c.Providers) == 1 {
		for n, p := range c.Providers {
			return n, p, true
		}
	}
	return "", ProviderConfig{}, false
}

// Retention returns the maximum age of stored runs, zero when kept forever.
func (s ServiceConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// RunTimeoutDuration returns the whole-run timeout, zero when unbounded.
func (w WorkflowConfig) RunTimeoutDuration() time.Duration {
	return time.Duration(w.RunTimeout) * time.Second
}

// ToolTimeoutDuration returns the per-call tool timeout.
func (d DispatchConfig) ToolTimeoutDuration() time.Duration {
	return time.Duration(d.ToolTimeout) * time.Second
}

// LookbackDuration returns the log query window.
func (l LogStoreConfig) LookbackDuration() time.Duration {
	return time.Duration(l.Lookback) * time.Hour
}

// TimeoutDuration returns the log store request timeout.
func (l LogStoreConfig) TimeoutDuration() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}

// Validate checks for required fields and consistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.DataDir == "" {
		errs = append(errs, "service.data_dir is required")
	}
	if c.Service.RetentionDays < 0 {
		errs = append(errs, "service.retention_days must not be negative")
	}

	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider is required")
	}
	for name, p := range c.Providers {
		if p.Type != "" && p.Type != "openai" {
			errs = append(errs, fmt.Sprintf("providers.%s.type %q is not supported", name, p.Type))
		}
		if p.APIKey == "" && p.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.api_key is required", name))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Sprintf("providers.%s.model is required", name))
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d].id is required", i))
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("agents[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		if a.Provider != "" {
			if _, ok := c.Providers[a.Provider]; !ok {
				errs = append(errs, fmt.Sprintf("agents[%d].provider references unknown provider %q", i, a.Provider))
			}
		}
	}
	if !seen[c.Workflow.AnalysisAgent] {
		errs = append(errs, fmt.Sprintf("workflow.analysis_agent %q is not defined in agents", c.Workflow.AnalysisAgent))
	}
	if !seen[c.Workflow.ResolutionAgent] {
		errs = append(errs, fmt.Sprintf("workflow.resolution_agent %q is not defined in agents", c.Workflow.ResolutionAgent))
	}
	if c.Workflow.AnalysisAgent == c.Workflow.ResolutionAgent {
		errs = append(errs, "workflow.analysis_agent and workflow.resolution_agent must differ")
	}
	if c.Workflow.RunTimeout < 0 {
		errs = append(errs, "workflow.run_timeout must not be negative")
	}

	if c.LogStore.URL != "" {
		if u, err := url.Parse(c.LogStore.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("log_store.url %q is not a valid URL", c.LogStore.URL))
		}
		if c.LogStore.Project == "" {
			errs = append(errs, "log_store.project is required when log_store.url is set")
		}
	}
	if c.LogStore.RateLimit < 0 {
		errs = append(errs, "log_store.rate_limit must not be negative")
	}

	for _, ref := range []struct{ field, name string }{
		{"user_db.provider", c.UserDB.Provider},
		{"subjects.provider", c.Subjects.Provider},
	} {
		if ref.name == "" {
			continue
		}
		if _, ok := c.Providers[ref.name]; !ok {
			errs = append(errs, fmt.Sprintf("%s references unknown provider %q", ref.field, ref.name))
		}
	}

	if c.Subjects.Lambda < 0 || c.Subjects.Lambda > 1 {
		errs = append(errs, "subjects.lambda must be between 0 and 1")
	}
	if c.Subjects.FetchK < c.Subjects.K {
		errs = append(errs, "subjects.fetch_k must be at least subjects.k")
	}

	if c.Background.URLTemplate != "" && !strings.Contains(c.Background.URLTemplate, "{ticket_id}") {
		errs = append(errs, "background.url_template must contain {ticket_id}")
	}

	for name, src := range c.Intake.Sources {
		if name == "" || strings.Contains(name, "/") {
			errs = append(errs, fmt.Sprintf("intake.sources key %q is not a valid source name", name))
		}
		if src.CallbackURL != "" {
			if u, err := url.Parse(src.CallbackURL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Sprintf("intake.sources.%s.callback_url %q is not a valid URL", name, src.CallbackURL))
			}
		}
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d is out of range", c.API.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
