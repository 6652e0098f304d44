package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	// DefaultModel is used when neither the descriptor nor the config names one
	DefaultModel = anthropic.ModelClaudeSonnet4_20250514

	defaultMaxTokens = 4096
)

// Config holds Anthropic client configuration
// RequestTimeout bounds each HTTP attempt; zero leaves it to ctx.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxTokens      int64
	MaxRetries     int
	RequestTimeout time.Duration
	SystemPrompt   string
}

// Transport executes tasks as single-turn Claude Messages API calls.
//
// The prompt is the "prompt" input field when present, otherwise the whole
// input rendered as JSON. A "system" input field overrides the configured
// system prompt.
type Transport struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
	hasKey    bool
	metrics   ports.MetricsCollector
	logger    *zap.Logger
}

// NewTransport creates a new Anthropic transport
func NewTransport(cfg Config, metrics ports.MetricsCollector, logger *zap.Logger) (*Transport, error) {
	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	logger.Info("Anthropic transport created",
		zap.String("model", string(model)),
		zap.Int64("max_tokens", maxTokens))

	return &Transport{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		system:    cfg.SystemPrompt,
		hasKey:    cfg.APIKey != "",
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Model returns the model used for every call
func (t *Transport) Model() string {
	return string(t.model)
}

// Execute sends the task prompt and returns the completion
func (t *Transport) Execute(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
	prompt, err := buildPrompt(req.Input)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     t.model,
		MaxTokens: t.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	system := t.system
	if s, ok := req.Input["system"].(string); ok && s != "" {
		system = s
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	started := time.Now()
	resp, err := t.client.Messages.New(ctx, params)
	latency := time.Since(started)
	if err != nil {
		t.metrics.RecordLLMCall(string(t.model), 0, 0, latency, err)
		t.logger.Warn("Anthropic call failed",
			zap.String("task_id", req.TaskID),
			zap.Duration("latency", latency),
			zap.Error(err))
		return nil, fmt.Errorf("anthropic call failed: %w", err)
	}

	t.metrics.RecordLLMCall(string(t.model), resp.Usage.InputTokens, resp.Usage.OutputTokens, latency, nil)

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	t.logger.Debug("Anthropic call completed",
		zap.String("task_id", req.TaskID),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("latency", latency))

	return &ports.TaskResult{Output: map[string]interface{}{
		"text":          text.String(),
		"model":         string(resp.Model),
		"stop_reason":   string(resp.StopReason),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	}}, nil
}

// HealthProbe reports healthy when an API key is configured.
// It does not call the API.
func (t *Transport) HealthProbe(ctx context.Context) domain.HealthStatus {
	if !t.hasKey {
		return domain.HealthStatusUnhealthy
	}
	return domain.HealthStatusHealthy
}

func buildPrompt(input map[string]interface{}) (string, error) {
	if p, ok := input["prompt"].(string); ok && p != "" {
		return p, nil
	}
	if len(input) == 0 {
		return "", domain.NewError(domain.CodeInvalidInput, "task input has no prompt", nil)
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode task input: %w", err)
	}
	return string(data), nil
}
