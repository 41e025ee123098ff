// Package apierr defines the error taxonomy shared by every endpoint of the
// test server.
//
// Every failure that reaches the dispatcher is one of three kinds:
//
//   - Client: the request was malformed or asked for something illegal
//     (unknown key, missing field, bad URI, unknown session id). HTTP 400.
//   - Server: the server itself is misconfigured or its environment failed.
//     HTTP 500.
//   - Engine: the replication engine reported a native failure carrying its
//     own domain and numeric code. HTTP 500 when raised by an operation.
//
// Validation code returns these errors at the point of detection and callers
// pass them up unchanged. Classify wraps anything else as a Server error so
// nothing is ever dropped.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dreamware/testserver/internal/engine"
)

// Kind classifies an Error for status mapping.
type Kind int

const (
	// Client errors are caused by the request.
	Client Kind = iota
	// Server errors are caused by the server or its environment.
	Server
	// Engine errors originate in the replication engine.
	Engine
)

// Envelope domains for errors that do not come from the engine.
const (
	DomainClient = "client"
	DomainServer = "server"
)

func (k Kind) String() string {
	switch k {
	case Client:
		return "client"
	case Server:
		return "server"
	case Engine:
		return "engine"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Domain and Code are what the error envelope
// reports; Cause is kept for logging and errors.Unwrap.
type Error struct {
	Cause   error
	Domain  string
	Message string
	Code    int
	Kind    Kind
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	if e.Kind == Client {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Clientf returns a client error with a formatted message.
func Clientf(format string, args ...any) *Error {
	return &Error{
		Kind:    Client,
		Domain:  DomainClient,
		Code:    http.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

// ClientWrap returns a client error caused by err.
func ClientWrap(err error, format string, args ...any) *Error {
	e := Clientf(format, args...)
	e.Cause = err
	return e
}

// Serverf returns a server error with a formatted message.
func Serverf(format string, args ...any) *Error {
	return &Error{
		Kind:    Server,
		Domain:  DomainServer,
		Code:    http.StatusInternalServerError,
		Message: fmt.Sprintf(format, args...),
	}
}

// ServerWrap returns a server error caused by err.
func ServerWrap(err error, format string, args ...any) *Error {
	e := Serverf(format, args...)
	e.Cause = err
	return e
}

// FromEngine converts a native engine failure into an Engine error that
// keeps the engine's domain and code.
func FromEngine(f *engine.Failure) *Error {
	return &Error{
		Kind:    Engine,
		Domain:  f.Domain,
		Code:    f.Code,
		Message: f.Message,
		Cause:   f,
	}
}

// Classify returns err as an *Error. Errors that are already classified come
// back unchanged, engine failures become Engine errors, and everything else
// is wrapped as an internal server error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var f *engine.Failure
	if errors.As(err, &f) {
		return FromEngine(f)
	}
	return ServerWrap(err, "Internal server error")
}

// IsClient reports whether err is classified as a client error.
func IsClient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Client
}

// IsServer reports whether err is classified as a server error.
func IsServer(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Server
}
