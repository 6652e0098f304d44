package domain

import (
	"errors"
	"fmt"
)

// Code is a stable, user-visible error code
type Code string

const (
	CodeDefinitionInvalid    Code = "DEFINITION_INVALID"
	CodeNodeNotFound         Code = "NODE_NOT_FOUND"
	CodeGraphParse           Code = "GRAPH_PARSE_ERROR"
	CodeDefinitionNotFound   Code = "DEFINITION_NOT_FOUND"
	CodeDefinitionNotActive  Code = "DEFINITION_NOT_ACTIVE"
	CodeInstanceNotFound     Code = "INSTANCE_NOT_FOUND"
	CodeTaskNotFound         Code = "TASK_NOT_FOUND"
	CodeAgentNotFound        Code = "AGENT_NOT_FOUND"
	CodeDuplicateAgentID     Code = "DUPLICATE_AGENT_ID"
	CodeNoAgentAvailable     Code = "NO_AGENT_AVAILABLE"
	CodeQueueFull            Code = "QUEUE_FULL"
	CodeAgentExecutionFailed Code = "AGENT_EXECUTION_FAILED"
	CodeTaskTimeout          Code = "TASK_TIMEOUT"
	CodeTaskCancelled        Code = "TASK_CANCELLED"
	CodeNoGatewayMatch       Code = "NO_GATEWAY_MATCH"
	CodeInvalidState         Code = "INVALID_STATE"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeInstanceTimeout      Code = "INSTANCE_TIMEOUT"
	CodeInvalidInput         Code = "INVALID_INPUT"
)

// Category groups codes by how the core reacts to them
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryScheduling Category = "scheduling"
	CategoryExecution  Category = "execution"
	CategoryFatal      Category = "fatal"
	CategoryNotFound   Category = "not_found"
	CategoryConflict   Category = "conflict"
)

var codeCategories = map[Code]Category{
	CodeDefinitionInvalid:    CategoryValidation,
	CodeNodeNotFound:         CategoryValidation,
	CodeGraphParse:           CategoryValidation,
	CodeInvalidInput:         CategoryValidation,
	CodeDefinitionNotFound:   CategoryNotFound,
	CodeInstanceNotFound:     CategoryNotFound,
	CodeTaskNotFound:         CategoryNotFound,
	CodeAgentNotFound:        CategoryNotFound,
	CodeDuplicateAgentID:     CategoryConflict,
	CodeDefinitionNotActive:  CategoryConflict,
	CodeInvalidTransition:    CategoryConflict,
	CodeNoAgentAvailable:     CategoryScheduling,
	CodeQueueFull:            CategoryScheduling,
	CodeAgentExecutionFailed: CategoryExecution,
	CodeTaskTimeout:          CategoryExecution,
	CodeTaskCancelled:        CategoryExecution,
	CodeNoGatewayMatch:       CategoryFatal,
	CodeInvalidState:         CategoryFatal,
	CodeInstanceTimeout:      CategoryFatal,
}

// Error is the only error shape that crosses the core boundary
type Error struct {
	Code     Code
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError builds an Error for code
func NewError(code Code, message string, err error) *Error {
	category, ok := codeCategories[code]
	if !ok {
		category = CategoryFatal
	}
	return &Error{
		Code:     code,
		Category: category,
		Message:  message,
		Err:      err,
	}
}

// Errorf builds an Error for code with a formatted message
func Errorf(code Code, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...), nil)
}

// Sentinels for errors.Is
var (
	ErrDefinitionInvalid   = NewError(CodeDefinitionInvalid, "invalid definition", nil)
	ErrNodeNotFound        = NewError(CodeNodeNotFound, "node not found", nil)
	ErrGraphParse          = NewError(CodeGraphParse, "graph parse error", nil)
	ErrDefinitionNotFound  = NewError(CodeDefinitionNotFound, "definition not found", nil)
	ErrDefinitionNotActive = NewError(CodeDefinitionNotActive, "definition not active", nil)
	ErrInstanceNotFound    = NewError(CodeInstanceNotFound, "instance not found", nil)
	ErrTaskNotFound        = NewError(CodeTaskNotFound, "task not found", nil)
	ErrAgentNotFound       = NewError(CodeAgentNotFound, "agent not found", nil)
	ErrDuplicateAgentID    = NewError(CodeDuplicateAgentID, "duplicate agent id", nil)
	ErrNoAgentAvailable    = NewError(CodeNoAgentAvailable, "no agent available", nil)
	ErrQueueFull           = NewError(CodeQueueFull, "ready queue is full", nil)
	ErrAgentExecution      = NewError(CodeAgentExecutionFailed, "agent execution failed", nil)
	ErrTaskTimeout         = NewError(CodeTaskTimeout, "task timed out", nil)
	ErrTaskCancelled       = NewError(CodeTaskCancelled, "task cancelled", nil)
	ErrNoGatewayMatch      = NewError(CodeNoGatewayMatch, "no gateway match", nil)
	ErrInvalidState        = NewError(CodeInvalidState, "invalid state", nil)
	ErrInvalidTransition   = NewError(CodeInvalidTransition, "invalid transition", nil)
	ErrInstanceTimeout     = NewError(CodeInstanceTimeout, "instance timed out", nil)
	ErrInvalidInput        = NewError(CodeInvalidInput, "invalid input", nil)
)

// AsError extracts the *Error from err, wrapping unknown errors as fatal
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return NewError(CodeInvalidState, err.Error(), err)
}

// CodeOf returns the code carried by err, or empty
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
