package builtin

import (
	"context"
	"fmt"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"go.uber.org/zap"
)

// Operations supported by the in-process agent
const (
	OperationEcho = "echo"
	OperationSet  = "set"
	OperationNoop = "noop"
)

// MetadataOperation selects the operation on an agent descriptor
const MetadataOperation = "operation"

// Transport runs a fixed operation synchronously inside the orchestrator.
//
// echo returns the task input unchanged. set returns the descriptor
// metadata (minus the operation key) overlaid with the "values" map of the
// input. noop returns an empty output.
type Transport struct {
	operation string
	values    map[string]interface{}
	logger    *zap.Logger
}

// NewTransport builds a builtin transport for desc
func NewTransport(desc *domain.AgentDescriptor, logger *zap.Logger) (*Transport, error) {
	op := OperationEcho
	if v, ok := desc.Metadata[MetadataOperation]; ok && v != "" {
		op = v
	}

	switch op {
	case OperationEcho, OperationSet, OperationNoop:
	default:
		return nil, fmt.Errorf("unsupported builtin operation: %s", op)
	}

	values := make(map[string]interface{})
	for k, v := range desc.Metadata {
		if k == MetadataOperation {
			continue
		}
		values[k] = v
	}

	return &Transport{
		operation: op,
		values:    values,
		logger:    logger,
	}, nil
}

// Operation returns the configured operation
func (t *Transport) Operation() string {
	return t.operation
}

// Execute runs the operation against req
func (t *Transport) Execute(ctx context.Context, req *ports.TaskRequest) (*ports.TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.logger.Debug("Executing builtin task",
		zap.String("task_id", req.TaskID),
		zap.String("operation", t.operation),
		zap.Int("attempt", req.Attempt))

	switch t.operation {
	case OperationEcho:
		out := domain.CloneMap(req.Input)
		if out == nil {
			out = map[string]interface{}{}
		}
		return &ports.TaskResult{Output: out}, nil
	case OperationSet:
		out := domain.CloneMap(t.values)
		if values, ok := req.Input["values"].(map[string]interface{}); ok {
			for k, v := range values {
				out[k] = v
			}
		}
		return &ports.TaskResult{Output: out}, nil
	default:
		return &ports.TaskResult{Output: map[string]interface{}{}}, nil
	}
}

// HealthProbe always reports healthy; the agent lives in-process
func (t *Transport) HealthProbe(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatusHealthy
}
