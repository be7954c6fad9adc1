package domain

import "errors"

// ErrorClass decides how a failure is propagated.
type ErrorClass string

const (
	// ClassIgnorable failures are never surfaced.
	ClassIgnorable ErrorClass = "ignorable"
	// ClassRecoverable failures are surfaced and restart the affected sub-session.
	ClassRecoverable ErrorClass = "recoverable"
	// ClassFatal failures are surfaced and stop the affected sub-session.
	ClassFatal ErrorClass = "fatal"
)

// Error wraps a failure with its class, a short machine-readable code and the
// component that raised it.
type Error struct {
	Component Component
	Class     ErrorClass
	Code      string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify attaches a class and code to err. An error that is already
// classified is returned unchanged.
func Classify(err error, component Component, class ErrorClass, code string) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Component: component, Class: class, Code: code, Err: err}
}

// ClassOf extracts the class of err, defaulting to recoverable.
func ClassOf(err error) ErrorClass {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassRecoverable
}

// CodeOf extracts the code of err, or "unknown".
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return "unknown"
}
