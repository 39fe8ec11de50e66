package microprocessor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fxsml/microprocessor/uow"
)

var (
	// ErrPublishNotAllowed is returned when publishing to an event buffer
	// that does not accept events, such as the output stream of a query.
	ErrPublishNotAllowed = errors.New("microprocessor: publishing events is not allowed here")

	// ErrMaxDepthExceeded is returned when a cascade of events nests deeper
	// than Config.MaxDepth.
	ErrMaxDepthExceeded = errors.New("microprocessor: maximum handling depth exceeded")

	// ErrUnexpectedResult is returned when a query pipeline produces a value
	// of a different type than the query declares.
	ErrUnexpectedResult = errors.New("microprocessor: unexpected query result type")
)

// PanicError wraps the value of a recovered panic with the stack trace.
// The processor recovers panics of handlers and queries, which are then
// classified like any other unexpected failure.
type PanicError struct {
	// PanicValue is the original value that was passed to panic().
	PanicValue any
	// StackTrace contains the full stack trace at the point of panic.
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.PanicValue)
}

// RecoverInto stores a *PanicError in err if the calling goroutine is
// panicking. It must be deferred directly.
func RecoverInto(err *error) {
	if r := recover(); r != nil {
		*err = &PanicError{PanicValue: r, StackTrace: string(debug.Stack())}
	}
}

// ErrorKind classifies failures. The kinds map onto HTTP status codes.
type ErrorKind uint8

const (
	// KindBadRequest marks a generic client fault.
	KindBadRequest ErrorKind = iota
	// KindUnauthorized marks a missing or insufficient principal.
	KindUnauthorized
	// KindNotFound marks a missing resource.
	KindNotFound
	// KindConflict marks a concurrency conflict.
	KindConflict
	// KindUnprocessableEntity marks a message that failed validation.
	KindUnprocessableEntity
	// KindInternalServerError marks a server fault.
	KindInternalServerError
)

// StatusCode returns the HTTP status code of the kind.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessableEntity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad request"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindUnprocessableEntity:
		return "unprocessable entity"
	case KindInternalServerError:
		return "internal server error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// InternalError is raised by handlers, queries and filters to report a
// failure of application logic. It never leaves the processor: depending on
// what was being handled it is turned into a GatewayError.
//
// Kind is the classification used when the failure can be attributed to the
// caller, i.e. while handling a command or executing a query.
type InternalError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// NewBusinessRuleError reports a violated business rule.
func NewBusinessRuleError(msg string, err ...error) *InternalError {
	return &InternalError{Kind: KindBadRequest, Message: msg, Err: errors.Join(err...)}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(msg string, err ...error) *InternalError {
	return &InternalError{Kind: KindNotFound, Message: msg, Err: errors.Join(err...)}
}

// NewUnauthorizedError reports an operation the principal may not perform.
func NewUnauthorizedError(msg string, err ...error) *InternalError {
	return &InternalError{Kind: KindUnauthorized, Message: msg, Err: errors.Join(err...)}
}

// NewUnprocessableError reports a message that failed validation.
func NewUnprocessableError(msg string, err ...error) *InternalError {
	return &InternalError{Kind: KindUnprocessableEntity, Message: msg, Err: errors.Join(err...)}
}

// GatewayError is the only kind of failure, apart from cancellation, that
// Processor operations return. Err holds the original cause.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code of the error's kind.
func (e *GatewayError) StatusCode() int {
	return e.Kind.StatusCode()
}

func newGatewayError(kind ErrorKind, msg string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: msg, Err: err}
}

// AsGatewayError returns the GatewayError in err's chain, if any.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr, true
	}
	return nil, false
}

// IsCanceled reports whether err stems from a canceled or expired context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classify turns err into the external taxonomy. clientFault tells whether
// the message on top of the stack trace was sent by the caller (a command
// or a query), in which case application failures are the caller's fault.
func classify(err error, clientFault bool) error {
	if err == nil || IsCanceled(err) {
		return err
	}
	if _, ok := AsGatewayError(err); ok {
		return err
	}
	if !clientFault {
		return newGatewayError(KindInternalServerError, "handling event failed", err)
	}
	var ierr *InternalError
	if errors.As(err, &ierr) {
		return newGatewayError(ierr.Kind, ierr.Error(), err)
	}
	if uow.IsConcurrencyConflict(err) {
		return newGatewayError(KindConflict, "concurrency conflict", err)
	}
	return newGatewayError(KindInternalServerError, "unexpected failure", err)
}
