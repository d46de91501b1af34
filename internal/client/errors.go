package client

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against a *ProviderError of the same kind.
var (
	ErrLocationNotFound = errors.New("location not found")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstreamFailure  = errors.New("upstream failure")
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindInvalidKey
	KindRateLimited
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidKey:
		return "invalid_key"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrLocationNotFound
	case KindInvalidKey:
		return ErrInvalidAPIKey
	case KindRateLimited:
		return ErrRateLimited
	default:
		return ErrUpstreamFailure
	}
}

// ProviderError is returned by every client operation that fails. Message is
// safe to show to API clients; Err holds the underlying cause, if any.
type ProviderError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newProviderError(kind ErrorKind, msg string, cause error) *ProviderError {
	return &ProviderError{Kind: kind, Message: msg, Err: cause}
}

// AsProviderError returns the *ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
