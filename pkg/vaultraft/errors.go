package vaultraft

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds surfaced to RPC callers.
type Kind string

const (
	KindNotRegistered     Kind = "NOT_REGISTERED"
	KindAlreadyRegistered Kind = "ALREADY_REGISTERED"
	KindBadNonce          Kind = "BAD_NONCE"
	KindBadSignature      Kind = "BAD_SIGNATURE"
	KindNotFound          Kind = "NOT_FOUND"
	KindVersionConflict   Kind = "VERSION_CONFLICT"
	KindNotLeader         Kind = "NOT_LEADER"
	KindUnavailable       Kind = "UNAVAILABLE"
	KindInternal          Kind = "INTERNAL"
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	KindInvalidArgument   Kind = "INVALID_ARGUMENT"
)

// StatusError is the uniform error type returned across the auth
// protocol, state machine apply results, and the RPC surface.
type StatusError struct {
	Kind       Kind
	Message    string
	LeaderHint string // only meaningful for KindNotLeader
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is makes errors.Is(err, Status(KindX)) work for sentinel comparisons
// without requiring an exact Message match.
func (e *StatusError) Is(target error) bool {
	var t *StatusError
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Status constructs a bare StatusError of the given kind, used as an
// errors.Is comparison target.
func Status(kind Kind) *StatusError {
	return &StatusError{Kind: kind}
}

// Statusf constructs a StatusError with a formatted message.
func Statusf(kind Kind, format string, args ...interface{}) *StatusError {
	return &StatusError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotLeader constructs a KindNotLeader error, optionally carrying a
// hint at the current leader's node ID.
func NotLeader(hint string) *StatusError {
	return &StatusError{Kind: KindNotLeader, LeaderHint: hint}
}

var (
	ErrNotRegistered     = Status(KindNotRegistered)
	ErrAlreadyRegistered = Status(KindAlreadyRegistered)
	ErrBadNonce          = Status(KindBadNonce)
	ErrBadSignature      = Status(KindBadSignature)
	ErrNotFound          = Status(KindNotFound)
	ErrVersionConflict   = Status(KindVersionConflict)
	ErrUnavailable       = Status(KindUnavailable)
	ErrInternal          = Status(KindInternal)
	ErrQuotaExceeded     = Status(KindResourceExhausted)
	ErrInvalidArgument   = Status(KindInvalidArgument)
)
