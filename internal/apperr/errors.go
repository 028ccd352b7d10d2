package apperr

import "errors"

// ValidationError reports a malformed workload, plan or request.
// It is raised before anything is executed.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func NewValidation(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

func NewValidationWrap(msg string, err error) *ValidationError {
	return &ValidationError{Message: msg, Err: err}
}

// FatalError marks a backend as unusable for the rest of the run:
// unreachable host, rejected credentials, closed pool.
type FatalError struct {
	Backend string
	Err     error
}

func (e *FatalError) Error() string {
	if e.Backend == "" {
		return "fatal: " + e.Err.Error()
	}
	return "fatal (" + e.Backend + "): " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func NewFatal(backend string, err error) *FatalError {
	return &FatalError{Backend: backend, Err: err}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsValidation reports whether err carries a ValidationError anywhere in its chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
