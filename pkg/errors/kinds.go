package errors

import (
	"errors"
	"fmt"
)

type wrappingError struct {
	message  string
	causedBy error
}

func as[E error](err error) bool {
	if err == nil {
		return false
	}
	p := new(E)
	return errors.As(err, p)
}

func format(kind string, e struct {
	message  string
	causedBy error
}) string {
	if e.causedBy == nil {
		return kind + ": " + e.message
	}
	if e.message == "" {
		return fmt.Sprintf("%s: caused by: %v", kind, e.causedBy)
	}
	return fmt.Sprintf("%s: %s / caused by: %v", kind, e.message, e.causedBy)
}

// Misconfiguration found at startup: missing signature, duplicated definitions,
// dangling queue bindings and so on. It is fatal.
type ErrConfiguration wrappingError

var AsConfiguration = as[*ErrConfiguration]

func NewConfiguration(message string) error {
	return wrapAt(&ErrConfiguration{message: message}, "", 1)
}

func NewConfigurationCausedBy(message string, err error) error {
	return wrapAt(&ErrConfiguration{message: message, causedBy: err}, "", 1)
}

func (e *ErrConfiguration) Error() string { return format("configuration error", *e) }
func (e *ErrConfiguration) Unwrap() error { return e.causedBy }

// Requested job definition or job does not exist.
type ErrNotFound wrappingError

var AsNotFound = as[*ErrNotFound]

func NewNotFound(message string) error {
	return wrapAt(&ErrNotFound{message: message}, "", 1)
}

func NewNotFoundCausedBy(message string, err error) error {
	return wrapAt(&ErrNotFound{message: message, causedBy: err}, "", 1)
}

func (e *ErrNotFound) Error() string { return format("not found", *e) }
func (e *ErrNotFound) Unwrap() error { return e.causedBy }

// Template could not be rendered with given arguments.
type ErrTemplateRender struct {
	message  string
	causedBy error

	// placeholders which have no arguments.
	Missing []string
}

func AsTemplateRender(err error) (*ErrTemplateRender, bool) {
	var e *ErrTemplateRender
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func NewTemplateRender(message string, missing ...string) error {
	return wrapAt(&ErrTemplateRender{message: message, Missing: missing}, "", 1)
}

func NewTemplateRenderCausedBy(message string, err error) error {
	return wrapAt(&ErrTemplateRender{message: message, causedBy: err}, "", 1)
}

func (e *ErrTemplateRender) Error() string {
	msg := format("template render error", struct {
		message  string
		causedBy error
	}{message: e.message, causedBy: e.causedBy})
	if len(e.Missing) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (missing: %v)", msg, e.Missing)
}

func (e *ErrTemplateRender) Unwrap() error { return e.causedBy }

// Cluster API call failed.
//
// Transient errors may succeed when retried; others (e.g. authorization failure) never do.
type ErrClusterAPI struct {
	message   string
	causedBy  error
	Transient bool
}

func AsClusterAPI(err error) (*ErrClusterAPI, bool) {
	var e *ErrClusterAPI
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func NewClusterAPI(message string, transient bool, err error) error {
	return wrapAt(&ErrClusterAPI{message: message, causedBy: err, Transient: transient}, "", 1)
}

func (e *ErrClusterAPI) Error() string {
	kind := "cluster api error (permanent)"
	if e.Transient {
		kind = "cluster api error (transient)"
	}
	return format(kind, struct {
		message  string
		causedBy error
	}{message: e.message, causedBy: e.causedBy})
}

func (e *ErrClusterAPI) Unwrap() error { return e.causedBy }

// Message handler failed. It is scoped to a single message.
type ErrHandler wrappingError

var AsHandler = as[*ErrHandler]

func NewHandlerCausedBy(message string, err error) error {
	return wrapAt(&ErrHandler{message: message, causedBy: err}, "", 1)
}

func (e *ErrHandler) Error() string { return format("handler error", *e) }
func (e *ErrHandler) Unwrap() error { return e.causedBy }

// Queue (or other infrastructure) is unreachable. It is scoped to a worker run.
type ErrInfrastructure wrappingError

var AsInfrastructure = as[*ErrInfrastructure]

func NewInfrastructureCausedBy(message string, err error) error {
	return wrapAt(&ErrInfrastructure{message: message, causedBy: err}, "", 1)
}

func (e *ErrInfrastructure) Error() string { return format("infrastructure error", *e) }
func (e *ErrInfrastructure) Unwrap() error { return e.causedBy }
