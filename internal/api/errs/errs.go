// Package errs provides the error type every handler returns and its
// mapping onto HTTP status codes.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrCode represents an error code in the system.
type ErrCode struct {
	value int
	name  string
}

// Value returns the HTTP status of the code.
func (ec ErrCode) Value() int { return ec.value }

// String returns the name of the code.
func (ec ErrCode) String() string { return ec.name }

var (
	InvalidArgument   = ErrCode{http.StatusBadRequest, "invalid_argument"}
	Unauthenticated   = ErrCode{http.StatusUnauthorized, "unauthenticated"}
	PermissionDenied  = ErrCode{http.StatusForbidden, "permission_denied"}
	NotFound          = ErrCode{http.StatusNotFound, "not_found"}
	Conflict          = ErrCode{http.StatusConflict, "conflict"}
	ResourceExhausted = ErrCode{http.StatusTooManyRequests, "resource_exhausted"}
	Internal          = ErrCode{http.StatusInternalServerError, "internal"}
	Unavailable       = ErrCode{http.StatusServiceUnavailable, "unavailable"}
)

// Error represents an error in the system.
type Error struct {
	Code    ErrCode     `json:"-"`
	Message string      `json:"error"`
	Fields  FieldErrors `json:"fields,omitempty"`
	cause   error
}

// New constructs an error based on an app error.
func New(code ErrCode, err error) *Error {
	e := &Error{Code: code, Message: err.Error(), cause: err}
	var fe FieldErrors
	if errors.As(err, &fe) {
		e.Message = "request validation failed"
		e.Fields = fe
	}
	return e
}

// Newf constructs an error based on an error message.
func Newf(code ErrCode, format string, v ...any) *Error {
	return New(code, fmt.Errorf(format, v...))
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.cause }

// Encode implements the web.Encoder interface.
func (e *Error) Encode() ([]byte, string, error) {
	data, err := json.Marshal(e)
	return data, "application/json", err
}

// HTTPStatus implements the web package httpStatus interface.
func (e *Error) HTTPStatus() int { return e.Code.Value() }

// IsError tests the concrete error is of the Error type.
func IsError(err error) bool {
	var er *Error
	return errors.As(err, &er)
}

// GetError returns a copy of the Error pointer.
func GetError(err error) *Error {
	var er *Error
	if !errors.As(err, &er) {
		return nil
	}
	return er
}
