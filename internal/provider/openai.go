package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// OpenAIProvider implements Provider and Embedder for any OpenAI-compatible
// API (OpenAI, DeepSeek, Qwen, vLLM, etc.).
type OpenAIProvider struct {
	client         *http.Client
	baseURL        string
	apiKey         string
	model          string
	embeddingModel string
	stream         bool
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithBaseURL sets a custom API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the default model.
func WithModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.model = model }
}

// WithEmbeddingModel sets the default embedding model.
func WithEmbeddingModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.embeddingModel = model }
}

// WithStreaming makes Chat request a server-sent event stream. The stream is
// accumulated and Chat still returns one complete response.
func WithStreaming(enabled bool) OpenAIOption {
	return func(p *OpenAIProvider) { p.stream = enabled }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.client = c }
}

// NewOpenAI creates a new OpenAI-compatible provider.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		client:         &http.Client{Timeout: 120 * time.Second},
		baseURL:        "https://api.openai.com/v1",
		apiKey:         apiKey,
		model:          "gpt-4o",
		embeddingModel: "text-embedding-3-small",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	temperature := req.Temperature
	body := openaiRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: &temperature,
	}
	if len(req.Tools) > 0 {
		body.Tools = req.Tools
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}
	if p.stream {
		body.Stream = true
		body.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if p.stream {
		return readStream(resp.Body)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return parseResponse(&oaiResp)
}

// Embed calls the embeddings endpoint. Vectors are returned in input order.
func (p *OpenAIProvider) Embed(ctx context.Context, req protocol.EmbeddingRequest) ([][]float64, error) {
	if len(req.Input) == 0 {
		return nil, nil
	}
	if req.Model == "" {
		req.Model = p.embeddingModel
	}

	resp, err := p.post(ctx, "/embeddings", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out openaiEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("unmarshal embeddings: %w", err)
	}
	if len(out.Data) != len(req.Input) {
		return nil, fmt.Errorf("embeddings: expected %d vectors, got %d", len(req.Input), len(out.Data))
	}

	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float64, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// post sends a JSON body and returns the response when the status is 200.
func (p *OpenAIProvider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// --- OpenAI wire format types ---

type openaiRequest struct {
	Model         string                    `json:"model"`
	Messages      []openaiMessage           `json:"messages"`
	Tools         []protocol.ToolDefinition `json:"tools,omitempty"`
	MaxTokens     *int                      `json:"max_tokens,omitempty"`
	Temperature   *float64                  `json:"temperature,omitempty"`
	Stream        bool                      `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions      `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openaiToolCall struct {
	Index    int                `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	Delta        openaiMessage `json:"delta"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// --- Conversion helpers ---

func toOpenAIMessages(msgs []protocol.ChatMessage) []openaiMessage {
	out := make([]openaiMessage, len(msgs))
	for i, m := range msgs {
		om := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolFunction{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out[i] = om
	}
	return out
}

func parseResponse(resp *openaiResponse) (*protocol.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	choice := resp.Choices[0]
	return &protocol.ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    parseToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
		Usage: protocol.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func parseToolCalls(calls []openaiToolCall) []protocol.ToolCall {
	var toolCalls []protocol.ToolCall
	for _, tc := range calls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{"_raw": tc.Function.Arguments}
		}
		toolCalls = append(toolCalls, protocol.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return toolCalls
}

// readStream accumulates a chat completion event stream into one response.
// Tool call fragments are keyed by their index; the stream ends at
// "data: [DONE]" or EOF.
func readStream(r io.Reader) (*protocol.ChatResponse, error) {
	var (
		content strings.Builder
		calls   = make(map[int]*openaiToolCall)
		order   []int
		out     protocol.ChatResponse
		sawData bool
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		sawData = true

		var chunk openaiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("unmarshal stream chunk: %w", err)
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			out.Usage = protocol.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		content.WriteString(choice.Delta.Content)
		for _, d := range choice.Delta.ToolCalls {
			tc, ok := calls[d.Index]
			if !ok {
				tc = &openaiToolCall{Index: d.Index}
				calls[d.Index] = tc
				order = append(order, d.Index)
			}
			if d.ID != "" {
				tc.ID = d.ID
			}
			if d.Function.Name != "" {
				tc.Function.Name += d.Function.Name
			}
			tc.Function.Arguments += d.Function.Arguments
		}
		if choice.FinishReason != "" {
			out.FinishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if !sawData {
		return nil, fmt.Errorf("empty stream")
	}

	sort.Ints(order)
	assembled := make([]openaiToolCall, 0, len(order))
	for _, idx := range order {
		assembled = append(assembled, *calls[idx])
	}
	out.Content = content.String()
	out.ToolCalls = parseToolCalls(assembled)
	return &out, nil
}
