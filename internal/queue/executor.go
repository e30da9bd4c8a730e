package queue

import (
	"context"
)

// Result is what the ingestion collaborator reports for a successful job.
type Result struct {
	// Summary carries collaborator-defined facts (title, bytes, language) for logging.
	Summary map[string]any
}

// Executor is the ingestion collaborator invoked once per claimed item.
// Implementations must be safe for concurrent use and must return promptly
// once ctx is done. Errors may wrap a *retry.ClassifiedError.
type Executor interface {
	Execute(ctx context.Context, sourceReference string) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, sourceReference string) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, sourceReference string) (*Result, error) {
	return f(ctx, sourceReference)
}
