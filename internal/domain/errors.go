package domain

import "errors"

// Common domain errors.
var (
	// ErrNotFound is returned when a genome or run is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrConfiguration is returned for unknown strategy types, parameters
	// without an evolvable range or default, and unregistered asset classes.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyPopulation is returned when an operation needs a population
	// and none has been started.
	ErrEmptyPopulation = errors.New("population is empty")

	// ErrPoolUnavailable is returned when the evaluation pool could not start.
	// The generation is considered not attempted.
	ErrPoolUnavailable = errors.New("evaluation pool unavailable")
)

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return e.Resource + " not found: " + e.ID
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) NotFoundError {
	return NotFoundError{Resource: resource, ID: id}
}

// ConfigurationError wraps ErrConfiguration with the offending subject.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e ConfigurationError) Error() string {
	return "configuration error: " + e.Subject + ": " + e.Reason
}

func (e ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(subject, reason string) ConfigurationError {
	return ConfigurationError{Subject: subject, Reason: reason}
}
