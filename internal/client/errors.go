package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	// KindNetwork covers transport failures and an open circuit breaker.
	KindNetwork ErrorKind = iota
	// KindBadResponse covers non-2xx statuses and unreadable or incomplete payloads.
	KindBadResponse
	// KindTimeout is a network failure caused by exceeding the client timeout.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindBadResponse:
		return "bad_response"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidLocation is returned when a location is malformed or the provider cannot resolve it.
	ErrInvalidLocation = errors.New("invalid location")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrCircuitOpen     = errors.New("circuit breaker open")
)

// ProviderError is returned for every failure after location validation passed.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("weather provider %s (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("weather provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *ProviderError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == k
}

func newProviderError(kind ErrorKind, status int, err error) *ProviderError {
	return &ProviderError{Kind: kind, StatusCode: status, Err: err}
}
