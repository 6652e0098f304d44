package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"github.com/aescanero/agentflow/pkg/adapters/transport/anthropic"
	"github.com/aescanero/agentflow/pkg/adapters/transport/builtin"
	httptransport "github.com/aescanero/agentflow/pkg/adapters/transport/http"
	"go.uber.org/zap"
)

// Agent kinds understood by the factory
const (
	KindBuiltin   = "builtin"
	KindAnthropic = "anthropic"
	KindHTTP      = "http"
)

// Config holds transport configuration shared by every agent
type Config struct {
	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicMaxTokens int64
	AnthropicTimeout   time.Duration
	HTTPTimeout        time.Duration
	Metrics            ports.MetricsCollector
	Logger             *zap.Logger
}

// Factory builds agent transports from descriptors
type Factory struct {
	cfg        Config
	httpClient *http.Client
}

// NewFactory creates a new transport factory
func NewFactory(cfg Config) *Factory {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Minute
	}
	return &Factory{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// NewTransport creates a transport based on the descriptor kind.
//
// Anthropic agents take their model from the descriptor, falling back to the
// configured default; a descriptor endpoint overrides the API base URL.
// Descriptor metadata is sent as request headers to http agents.
func (f *Factory) NewTransport(desc *domain.AgentDescriptor) (ports.AgentTransport, error) {
	logger := f.cfg.Logger.With(zap.String("agent_id", desc.ID), zap.String("kind", desc.Kind))

	var (
		t   ports.AgentTransport
		err error
	)
	switch desc.Kind {
	case KindBuiltin:
		t, err = builtin.NewTransport(desc, logger)
	case KindAnthropic:
		model := desc.Model
		if model == "" {
			model = f.cfg.AnthropicModel
		}
		t, err = anthropic.NewTransport(anthropic.Config{
			APIKey:         f.cfg.AnthropicAPIKey,
			BaseURL:        desc.Endpoint,
			Model:          model,
			MaxTokens:      f.cfg.AnthropicMaxTokens,
			RequestTimeout: f.cfg.AnthropicTimeout,
			SystemPrompt:   desc.Metadata["system_prompt"],
		}, f.cfg.Metrics, logger)
	case KindHTTP:
		t, err = httptransport.NewTransport(desc.Endpoint, f.httpClient, desc.Metadata, logger)
	default:
		return nil, fmt.Errorf("unsupported agent kind: %s", desc.Kind)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
