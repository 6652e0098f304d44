package transport

import (
	"testing"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/pkg/adapters/metrics/noop"
	"github.com/aescanero/agentflow/pkg/adapters/transport/anthropic"
	"github.com/aescanero/agentflow/pkg/adapters/transport/builtin"
	httptransport "github.com/aescanero/agentflow/pkg/adapters/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newFactory(t *testing.T) *Factory {
	return NewFactory(Config{
		AnthropicAPIKey: "k",
		AnthropicModel:  "claude-3-5-haiku-latest",
		Metrics:         noop.NewCollector(),
		Logger:          zaptest.NewLogger(t),
	})
}

func TestFactoryBuildsEachKind(t *testing.T) {
	f := newFactory(t)

	tr, err := f.NewTransport(&domain.AgentDescriptor{ID: "a1", Kind: KindBuiltin, Metadata: map[string]string{"operation": "noop"}})
	require.NoError(t, err)
	require.IsType(t, &builtin.Transport{}, tr)
	assert.Equal(t, builtin.OperationNoop, tr.(*builtin.Transport).Operation())

	tr, err = f.NewTransport(&domain.AgentDescriptor{ID: "a2", Kind: KindAnthropic})
	require.NoError(t, err)
	require.IsType(t, &anthropic.Transport{}, tr)
	assert.Equal(t, "claude-3-5-haiku-latest", tr.(*anthropic.Transport).Model())

	tr, err = f.NewTransport(&domain.AgentDescriptor{ID: "a3", Kind: KindAnthropic, Model: "claude-opus-4-0"})
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-0", tr.(*anthropic.Transport).Model())

	tr, err = f.NewTransport(&domain.AgentDescriptor{ID: "a4", Kind: KindHTTP, Endpoint: "http://agent:8080/"})
	require.NoError(t, err)
	require.IsType(t, &httptransport.Transport{}, tr)
	assert.Equal(t, "http://agent:8080", tr.(*httptransport.Transport).Endpoint())
}

func TestFactoryRejectsBadDescriptors(t *testing.T) {
	f := newFactory(t)

	_, err := f.NewTransport(&domain.AgentDescriptor{ID: "a1", Kind: "grpc"})
	assert.ErrorContains(t, err, "unsupported agent kind")

	_, err = f.NewTransport(&domain.AgentDescriptor{ID: "a2", Kind: KindHTTP})
	assert.Error(t, err)

	_, err = f.NewTransport(&domain.AgentDescriptor{ID: "a3", Kind: KindBuiltin, Metadata: map[string]string{"operation": "explode"}})
	assert.Error(t, err)
}
