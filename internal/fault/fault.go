// Package fault defines the error kinds surfaced by the orchestration layer.
//
// Every failure returned to a caller wraps exactly one kind, so the serving
// runtime can tell configuration mistakes from distributed setup failures,
// resource exhaustion and misuse with errors.Is.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig reports an invalid plan or model configuration. Detected
	// before any collective operation is attempted.
	ErrConfig = errors.New("configuration error")
	// ErrDistributed reports a failed collective setup (peer missing,
	// inconsistent plan, transport timeout). Fatal to the whole deployment.
	ErrDistributed = errors.New("distributed setup error")
	// ErrResource reports a missing checkpoint tensor or exhausted device memory.
	ErrResource = errors.New("resource error")
	// ErrUsage reports an API call made out of order or an unknown lookup key.
	ErrUsage = errors.New("usage error")
)

// Error pairs a kind with the underlying cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap attaches kind to err. A nil err yields nil.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

func Configf(format string, args ...any) error {
	return &Error{Kind: ErrConfig, Err: fmt.Errorf(format, args...)}
}

func Distributedf(format string, args ...any) error {
	return &Error{Kind: ErrDistributed, Err: fmt.Errorf(format, args...)}
}

func Resourcef(format string, args ...any) error {
	return &Error{Kind: ErrResource, Err: fmt.Errorf(format, args...)}
}

func Usagef(format string, args ...any) error {
	return &Error{Kind: ErrUsage, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind wrapped by err, or nil when err carries none.
func KindOf(err error) error {
	for _, k := range []error{ErrConfig, ErrDistributed, ErrResource, ErrUsage} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
