package service

import (
	"net/http"
)

// ErrModelNotLoaded is returned while the classifier is not ready.
var ErrModelNotLoaded = &Error{Status: http.StatusServiceUnavailable, Detail: "Model not loaded"}

// Error is a failure that should reach the client with Status.
type Error struct {
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Detail + ": " + e.Err.Error()
	}
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

func BadRequest(detail string, err error) *Error {
	return &Error{Status: http.StatusBadRequest, Detail: detail, Err: err}
}
