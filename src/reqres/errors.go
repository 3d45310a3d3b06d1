package reqres

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a request was not answered within its
// deadline. It is the only error that RequestIndefinitely retries on.
var ErrTimeout = errors.New("request timed out")

// ErrShutdown is returned for operations attempted after Close.
var ErrShutdown = errors.New("protocol is shut down")

// InvalidRequestError marks a request that failed validation. Incoming
// requests carrying this error are dropped without a response.
type InvalidRequestError struct {
	Msg string
}

// NewInvalidRequestError creates an InvalidRequestError.
func NewInvalidRequestError(msg string) *InvalidRequestError {
	return &InvalidRequestError{Msg: msg}
}

// Error implements the error interface.
func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Msg)
}
