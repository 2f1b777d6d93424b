package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies transport and lifecycle failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindLaunch means the worker process could not be created.
	KindLaunch
	// KindHandshake means initialize failed or timed out.
	KindHandshake
	// KindWrite means the worker's stdin rejected a write.
	KindWrite
	// KindTimeout means no response arrived before the deadline.
	KindTimeout
	// KindUnexpectedExit means the worker died with the call outstanding.
	KindUnexpectedExit
	// KindStopped means the worker was stopped with the call outstanding.
	KindStopped
	// KindNotReady means the worker is in the error state.
	KindNotReady
)

// Sentinels for errors.Is checks against a classified *Error.
var (
	ErrLaunch         = errors.New("launch failure")
	ErrHandshake      = errors.New("handshake failure")
	ErrWrite          = errors.New("write failure")
	ErrTimeout        = errors.New("request timed out")
	ErrUnexpectedExit = errors.New("worker exited unexpectedly")
	ErrStopped        = errors.New("worker stopped")
	ErrNotReady       = errors.New("worker not ready")
)

func (k Kind) String() string {
	switch k {
	case KindLaunch:
		return "launch"
	case KindHandshake:
		return "handshake"
	case KindWrite:
		return "write"
	case KindTimeout:
		return "timeout"
	case KindUnexpectedExit:
		return "unexpected_exit"
	case KindStopped:
		return "stopped"
	case KindNotReady:
		return "not_ready"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindLaunch:
		return ErrLaunch
	case KindHandshake:
		return ErrHandshake
	case KindWrite:
		return ErrWrite
	case KindTimeout:
		return ErrTimeout
	case KindUnexpectedExit:
		return ErrUnexpectedExit
	case KindStopped:
		return ErrStopped
	case KindNotReady:
		return ErrNotReady
	default:
		return nil
	}
}

// Error is a classified failure of a call or a lifecycle operation.
type Error struct {
	Kind   Kind
	Server string
	Method string
	ID     string
	Err    error
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind Kind, server, format string, args ...any) *Error {
	return &Error{Kind: kind, Server: server, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if s := e.Kind.sentinel(); s != nil {
		b.WriteString(s.Error())
	} else {
		b.WriteString("rpc error")
	}
	if e.Server != "" {
		fmt.Fprintf(&b, " (server=%s", e.Server)
		if e.Method != "" {
			fmt.Fprintf(&b, " method=%s", e.Method)
		}
		if e.ID != "" {
			fmt.Fprintf(&b, " id=%s", e.ID)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf extracts the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return KindUnknown
}

// withCall returns a copy of err annotated with the call it rejected.
func withCall(err error, method, id string) error {
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	annotated := *rpcErr
	if annotated.Method == "" {
		annotated.Method = method
	}
	if annotated.ID == "" {
		annotated.ID = id
	}
	return &annotated
}
