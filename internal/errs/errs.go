// Package errs attaches numeric status codes to errors.
//
// Queue acknowledgement uses the status to decide delivery: an error with
// status >= 500 is retryable and the message is redelivered, anything lower
// is terminal and the message is dropped.
package errs

import (
	"errors"
	"fmt"
)

const (
	StatusBadRequest  = 400
	StatusNotFound    = 404
	StatusTimeout     = 408
	StatusTooMany     = 429
	StatusInternal    = 500
	StatusUnavailable = 503
)

// Error is an error with a status code, the normalized error reported to
// job submitters and CLI callers.
type Error struct {
	Status int    `json:"status"`
	Msg    string `json:"message"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("status %d", e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, msg string) error {
	return &Error{Status: status, Msg: msg}
}

func Errorf(status int, format string, args ...any) error {
	return &Error{Status: status, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches status to err. A nil err stays nil.
func Wrap(status int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Status: status, Err: err}
}

// Status returns the status of the outermost *Error in the chain, 0 if none.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// Retryable reports whether err asks for redelivery.
func Retryable(err error) bool {
	return err != nil && Status(err) >= StatusInternal
}

// Normalize turns any error into an *Error; errors without a status get def.
func Normalize(err error, def int) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Msg == "" && e.Err != nil {
			return &Error{Status: e.Status, Msg: e.Err.Error(), Err: e.Err}
		}
		return e
	}
	return &Error{Status: def, Msg: err.Error(), Err: err}
}
