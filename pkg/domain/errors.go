package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrInputTooLarge    = errors.New("input exceeds maximum length")
	ErrTimedOut         = errors.New("task did not complete within the call deadline")
	ErrRetryExhausted   = errors.New("fallback path exhausted its retry ceiling")
	ErrHandlerFatal     = errors.New("handler reported a non-retryable failure")
	ErrUnknownHandler   = errors.New("handler is not registered")
	ErrRegistryEmpty    = errors.New("registry has never been successfully loaded")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrCacheUnavailable = errors.New("result cache backend unavailable")
)

// MalformedDescriptorError identifies the offending record of a failed batch
// load. Loads are all-or-nothing: one malformed descriptor rejects the batch.
type MalformedDescriptorError struct {
	Source string // file or source label the record came from
	Name   string // descriptor name, if one was present
	Reason string
}

func (e *MalformedDescriptorError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("malformed descriptor %q in %s: %s", e.Name, e.Source, e.Reason)
	}
	return fmt.Sprintf("malformed descriptor in %s: %s", e.Source, e.Reason)
}

// ErrorKind converts an error into the stable machine-readable kind reported
// in handler outcomes.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimedOut):
		return "timed_out"
	case errors.Is(err, ErrRetryExhausted):
		return "retry_exhausted"
	case errors.Is(err, ErrHandlerFatal):
		return "handler_fatal"
	case errors.Is(err, ErrUnknownHandler):
		return "unknown_handler"
	case errors.Is(err, ErrInputTooLarge):
		return "input_too_large"
	default:
		return "error"
	}
}
