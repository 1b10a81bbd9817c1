package agent

import (
	"context"
	"errors"

	"github.com/lontar-ai/lontar/pkg/httpclient"
)

// ErrorKind classifies terminal errors for clients and for the HTTP
// status mapping.
type ErrorKind string

const (
	// ErrKindInput covers malformed or empty requests.
	ErrKindInput ErrorKind = "input"
	// ErrKindRetrieval covers undegradable storage failures.
	ErrKindRetrieval ErrorKind = "retrieval"
	// ErrKindTool covers tool-layer failures that escaped the
	// observation path.
	ErrKindTool ErrorKind = "tool"
	// ErrKindProvider covers an exhausted LLM fallback chain.
	ErrKindProvider ErrorKind = "provider"
	// ErrKindBudget covers step- or token-budget exhaustion that
	// could not even produce a best-effort answer.
	ErrKindBudget ErrorKind = "budget"
	// ErrKindCancelled covers caller cancellation and deadlines.
	ErrKindCancelled ErrorKind = "cancelled"
	// ErrKindFatal is everything else.
	ErrKindFatal ErrorKind = "fatal"
)

// inputError marks request validation failures.
type inputError struct{ err error }

func (e *inputError) Error() string { return e.err.Error() }
func (e *inputError) Unwrap() error { return e.err }

func badInput(err error) error { return &inputError{err: err} }

// Classify maps an error to its kind. Provider errors are recognized
// by the retryable marker the gateway attaches; anything unknown is
// fatal so operators see it.
func Classify(err error) ErrorKind {
	var in *inputError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &in):
		return ErrKindInput
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrKindCancelled
	case httpclient.IsRetryable(err):
		return ErrKindProvider
	default:
		return ErrKindFatal
	}
}
