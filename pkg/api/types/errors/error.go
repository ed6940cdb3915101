// Package errors is errors of the HTTP API, passed through echo's error handler.
package errors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
	Advice string `json:"advice,omitempty"`

	// names of missing template arguments.
	Missing []string `json:"missing,omitempty"`

	Cause error `json:"-"`
}

func (e ErrorMessage) String() string {
	lines := []string{e.Reason}
	if e.Advice != "" {
		lines = append(lines, e.Advice)
	}
	if e.Cause != nil {
		lines = append(lines, fmt.Sprint(" caused by:", e.Cause.Error()))
	}
	return strings.Join(lines, "\n")
}

func (e ErrorMessage) Error() string {
	return e.String()
}

func (e ErrorMessage) Unwrap() error {
	return e.Cause
}

type ErrorMessageOption func(in *ErrorMessage) *ErrorMessage

func WithAdvice(advice string) ErrorMessageOption {
	return func(in *ErrorMessage) *ErrorMessage {
		if advice != "" {
			in.Advice = advice
		}
		return in
	}
}

func WithError(err error) ErrorMessageOption {
	return func(in *ErrorMessage) *ErrorMessage {
		if err != nil {
			in.Cause = err
		}
		return in
	}
}

func WithMissing(names ...string) ErrorMessageOption {
	return func(in *ErrorMessage) *ErrorMessage {
		in.Missing = append(in.Missing, names...)
		return in
	}
}

func NewErrorMessage(code int, reason string, opts ...ErrorMessageOption) *echo.HTTPError {
	msg := ErrorMessage{Reason: reason}
	for _, opt := range opts {
		msg = *opt(&msg)
	}

	return echo.NewHTTPError(code, ErrorResponse{Message: msg}).SetInternal(msg)
}

func NotFound(reason string, err error) *echo.HTTPError {
	return NewErrorMessage(http.StatusNotFound, reason, WithError(err))
}

func BadRequest(advice string, err error, opts ...ErrorMessageOption) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusBadRequest,
		"bad request",
		append([]ErrorMessageOption{WithAdvice(advice), WithError(err)}, opts...)...,
	)
}

func BadGateway(advice string, err error) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusBadGateway,
		"cluster or queue is not available",
		WithAdvice(advice),
		WithError(err),
	)
}

func InternalServerError(err error) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusInternalServerError,
		"unexpected error",
		WithError(err),
	)
}
