// Copyright 2025 James Ross
package rollout

import (
	"errors"
	"fmt"
)

// Code names one of the rollout specification's error kinds (§7).
type Code string

const (
	CodeInvalidConfig        Code = "INVALID_CONFIG"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeInsufficientSamples  Code = "INSUFFICIENT_SAMPLES"
	CodeQueryTransient       Code = "QUERY_TRANSIENT"
	CodeQueryFatal           Code = "QUERY_FATAL"
	CodeStoreFatal           Code = "STORE_FATAL"
	CodePromotionNotReady    Code = "PROMOTION_NOT_READY"
)

// Error is the structured error type threaded through the rollout
// package, adapted from CanaryError in internal/canary-deployments/errors.go:
// same Code/Message/Details/Underlying shape and Is/Unwrap support,
// renamed to the spec's own error kinds instead of the teacher's
// deployment/worker/queue vocabulary.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]string
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Underlying }

func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	if e.Underlying != nil {
		return errors.Is(e.Underlying, target)
	}
	return false
}

// WithDetail attaches a key/value detail and returns the receiver for
// chaining at the construction site.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewInvalidConfig reports a construction-time configuration defect.
func NewInvalidConfig(reason string) *Error {
	return newError(CodeInvalidConfig, "invalid configuration").WithDetail("reason", reason)
}

// NewInvalidTransition reports an attempt to move the state machine
// along an edge §4.6 does not allow.
func NewInvalidTransition(from, to State) *Error {
	return newError(CodeInvalidTransition, "invalid state transition").
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// NewInsufficientSamples reports that a scorer's gate could not be
// evaluated for lack of samples. It records only the scorer name; it
// carries no underlying error.
func NewInsufficientSamples(scorer string) *Error {
	return newError(CodeInsufficientSamples, "insufficient samples for gate evaluation").
		WithDetail("scorer", scorer)
}

// NewQueryTransient wraps a retryable QueryClient failure.
func NewQueryTransient(err error) *Error {
	return &Error{Code: CodeQueryTransient, Message: "query backend transient failure", Underlying: err}
}

// NewQueryFatal wraps a non-retryable QueryClient failure surfaced to
// the monitor, which degrades rather than propagating it further.
func NewQueryFatal(err error) *Error {
	return &Error{Code: CodeQueryFatal, Message: "query backend fatal failure", Underlying: err}
}

// NewStoreFatal wraps a persistence failure that aborts an in-progress
// snapshot mutation; the caller must not emit the event for that
// mutation since the durable and in-memory views would then disagree.
func NewStoreFatal(err error) *Error {
	return &Error{Code: CodeStoreFatal, Message: "store operation failed", Underlying: err}
}

// NewPromotionNotReady reports that a non-forced promote was requested
// while the stage's gates have not yet reached auto_promote.
func NewPromotionNotReady(stageIndex int) *Error {
	return newError(CodePromotionNotReady, "promotion conditions not met").
		WithDetail("stage_index", fmt.Sprintf("%d", stageIndex))
}

// IsCode reports whether err is a rollout Error with the given code.
func IsCode(err error, code Code) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}
