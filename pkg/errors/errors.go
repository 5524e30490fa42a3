package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies where a failure came from
type Kind int

const (
	// KindValidation is a client-side rule violation; no request was sent.
	KindValidation Kind = iota + 1
	// KindTransport means the request never reached the server or no response came back.
	KindTransport
	// KindServer is a non-2xx response from the patient service.
	KindServer
	// KindPartialLoad marks one failed fetch among several independent ones.
	KindPartialLoad
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	case KindPartialLoad:
		return "partial_load"
	default:
		return "unknown"
	}
}

// AppError represents an application error
type AppError struct {
	Kind    Kind   `json:"kind"`
	Status  int    `json:"status,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`

	// ServerMessage is the text the patient service sent, empty when Message
	// is a default.
	ServerMessage string `json:"-"`
	Err           error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error onto the status the console reports to the browser.
func (e *AppError) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindTransport:
		return http.StatusBadGateway
	case KindServer:
		if e.Status >= 400 {
			return e.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error constructors
func NewValidation(field, message string) *AppError {
	return &AppError{
		Kind:    KindValidation,
		Field:   field,
		Message: message,
	}
}

// NewTransport wraps a failure that produced no HTTP response. The message is
// always the network default; the cause stays in Err for logs.
func NewTransport(err error) *AppError {
	return &AppError{
		Kind:    KindTransport,
		Message: DefaultMessage(0),
		Err:     err,
	}
}

// NewServer builds the error for a non-2xx response. An empty message falls
// back to the default for the status.
func NewServer(status int, message string) *AppError {
	text := message
	if text == "" {
		text = DefaultMessage(status)
	}
	return &AppError{
		Kind:          KindServer,
		Status:        status,
		Message:       text,
		ServerMessage: message,
	}
}

func NewPartialLoad(message string, err error) *AppError {
	return &AppError{
		Kind:    KindPartialLoad,
		Message: message,
		Err:     err,
	}
}

// DefaultMessage is the human-readable text for a status when the server sent none.
func DefaultMessage(status int) string {
	switch status {
	case 0:
		return "Network error - please check your connection"
	case http.StatusBadRequest:
		return "Invalid request"
	case http.StatusUnauthorized:
		return "Unauthorized - please log in"
	case http.StatusForbidden:
		return "Access denied"
	case http.StatusNotFound:
		return "Resource not found"
	case http.StatusConflict:
		return "Conflict - data already exists"
	case http.StatusInternalServerError:
		return "Server error - please try again later"
	default:
		return "An error occurred"
	}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err carries an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// ServerMessage returns the text the patient service sent with err, or
// fallback when it sent none or err never reached it.
func ServerMessage(err error, fallback string) string {
	if appErr, ok := As(err); ok && appErr.ServerMessage != "" {
		return appErr.ServerMessage
	}
	return fallback
}

// Message returns the user-facing text of err, or fallback.
func Message(err error, fallback string) string {
	if appErr, ok := As(err); ok && appErr.Message != "" {
		return appErr.Message
	}
	return fallback
}
