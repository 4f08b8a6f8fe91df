// Package provider classifies failures of external model providers into the
// kinds the pipeline reacts to: rate limited, unauthorized, or transient.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

// Error kinds at the provider boundary.
var (
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTransient    = errors.New("transient provider error")
	ErrEmpty        = errors.New("empty provider response")
)

// Error is a classified provider failure.
type Error struct {
	Provider string
	Op       string
	Kind     error
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: %s (status %d): %v", e.Provider, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

// Unwrap exposes the kind, the domain kind it maps to, and the cause.
func (e *Error) Unwrap() []error {
	out := []error{e.Kind}
	if errors.Is(e.Kind, ErrUnauthorized) {
		out = append(out, domain.ErrUnauthorized)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IsRetryable reports whether err is worth another attempt. Rate-limit and
// authorization failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnauthorized) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// KindForStatus maps an HTTP status code to a provider error kind.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	default:
		return ErrTransient
	}
}

// FromStatus builds a classified error from an HTTP status code.
func FromStatus(name, op string, code int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(code))
	}
	return &Error{Provider: name, Op: op, Kind: KindForStatus(code), Status: code, Err: err}
}

// FromGRPC classifies err by its gRPC status code. Errors without a status are
// classified by Classify.
func FromGRPC(name, op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return Classify(name, op, err)
	}
	kind := ErrTransient
	switch st.Code() {
	case codes.ResourceExhausted:
		kind = ErrRateLimited
	case codes.Unauthenticated, codes.PermissionDenied:
		kind = ErrUnauthorized
	case codes.Canceled:
		kind = context.Canceled
	}
	return &Error{Provider: name, Op: op, Kind: kind, Err: err}
}

// Classify wraps an unclassified transport error as transient. Cancellation
// keeps its own kind so callers can tell it apart from provider failures.
func Classify(name, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Provider: name, Op: op, Kind: context.Canceled, Err: err}
	}
	return &Error{Provider: name, Op: op, Kind: ErrTransient, Err: err}
}

// Empty reports a response that carried no usable content.
func Empty(name, op string) error {
	return &Error{Provider: name, Op: op, Kind: ErrTransient, Err: ErrEmpty}
}
