// Package errs defines the error taxonomy shared by the allocator, the
// reconciler and the store/cluster adapters. Raw transport errors never cross
// an adapter boundary; they are wrapped into one of these kinds first.
package errs

import (
	goerrors "github.com/pkg/errors"
)

// Sentinel errors, matched with errors.Is through the wrap chain.
var (
	// ErrNoCapacity means no free partition satisfies the constraints.
	// User visible, retryable later.
	ErrNoCapacity = goerrors.New("no capacity")

	// ErrContention means a race for a partition was lost. Retryable
	// immediately.
	ErrContention = goerrors.New("contention")

	// ErrTimeout means an external dependency did not answer in time.
	// Retryable with backoff.
	ErrTimeout = goerrors.New("timeout")

	// ErrNotFound means the referenced lease does not exist. Terminal for
	// the call.
	ErrNotFound = goerrors.New("not found")

	// ErrExpired means the lease already reached a terminal state and can
	// not be renewed or transitioned.
	ErrExpired = goerrors.New("lease expired")

	// ErrDrift means cluster facts and lease records disagree. Internal
	// only, surfaced to operators via reconciler logs and metrics, never to
	// callers.
	ErrDrift = goerrors.New("drift")
)

func NoCapacity(format string, args ...any) error {
	return goerrors.WithMessagef(ErrNoCapacity, format, args...)
}

func Contention(format string, args ...any) error {
	return goerrors.WithMessagef(ErrContention, format, args...)
}

func Timeout(format string, args ...any) error {
	return goerrors.WithMessagef(ErrTimeout, format, args...)
}

func NotFound(format string, args ...any) error {
	return goerrors.WithMessagef(ErrNotFound, format, args...)
}

func Expired(format string, args ...any) error {
	return goerrors.WithMessagef(ErrExpired, format, args...)
}

func Drift(format string, args ...any) error {
	return goerrors.WithMessagef(ErrDrift, format, args...)
}

func IsNoCapacity(err error) bool { return goerrors.Is(err, ErrNoCapacity) }
func IsContention(err error) bool { return goerrors.Is(err, ErrContention) }
func IsTimeout(err error) bool    { return goerrors.Is(err, ErrTimeout) }
func IsNotFound(err error) bool   { return goerrors.Is(err, ErrNotFound) }
func IsExpired(err error) bool    { return goerrors.Is(err, ErrExpired) }
func IsDrift(err error) bool      { return goerrors.Is(err, ErrDrift) }

// Kind returns a short stable name for metrics labels and API payloads.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNoCapacity(err):
		return "NoCapacity"
	case IsContention(err):
		return "Contention"
	case IsTimeout(err):
		return "Timeout"
	case IsNotFound(err):
		return "NotFound"
	case IsExpired(err):
		return "Expired"
	case IsDrift(err):
		return "Drift"
	default:
		return "Internal"
	}
}
