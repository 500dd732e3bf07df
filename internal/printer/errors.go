package printer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed print call.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindConnection
	KindPermission
	KindSend
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConnection:
		return "connection"
	case KindPermission:
		return "permission"
	case KindSend:
		return "send"
	default:
		return "unknown"
	}
}

// Error is the failure reported for a print call.
type Error struct {
	Kind      ErrorKind
	Transport TransportKind
	Op        string
	Err       error
}

// Sentinels for errors.Is; they match any Error of the same kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrConnection = &Error{Kind: KindConnection}
	ErrPermission = &Error{Kind: KindPermission}
	ErrSend       = &Error{Kind: KindSend}
)

// ErrDispatcherStopped is returned for calls submitted to, or still queued
// in, a stopped dispatcher.
var ErrDispatcherStopped = errors.New("printer: dispatcher stopped")

func (e *Error) Error() string {
	var b strings.Builder
	if e.Transport != "" {
		b.WriteString(string(e.Transport))
		b.WriteByte(' ')
	}
	if e.Op != "" {
		b.WriteString(e.Op)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind; a sentinel with a transport also requires
// the same transport.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Err != nil || t.Op != "" {
		return false
	}
	return t.Kind == e.Kind && (t.Transport == "" || t.Transport == e.Transport)
}

// Code is the stable label reported to callers, e.g. TCP_CONNECTION_ERROR.
func (e *Error) Code() string {
	if e.Kind == KindValidation || e.Transport == "" {
		return strings.ToUpper(e.Kind.String()) + "_ERROR"
	}
	return strings.ToUpper(string(e.Transport)) + "_" + strings.ToUpper(e.Kind.String()) + "_ERROR"
}

// CodeOf returns the code for any error produced by this package.
func CodeOf(err error) string {
	var pe *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Code()
	case errors.Is(err, ErrDispatcherStopped):
		return "DISPATCHER_STOPPED"
	default:
		return "PRINT_ERROR"
	}
}

func validationError(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: "invalid request", Err: fmt.Errorf(format, args...)}
}

func connectionError(transport TransportKind, op string, err error) error {
	return &Error{Kind: KindConnection, Transport: transport, Op: op, Err: err}
}

// asPrintError keeps an existing Error and classifies anything else as a
// connection failure.
func asPrintError(transport TransportKind, op string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return connectionError(transport, op, err)
}
