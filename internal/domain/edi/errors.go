package edi

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ehr/claimsedi/internal/domain/claim"
)

// ConfigurationError reports payer or claim configuration that prevents a
// submission. It is always raised before any network call.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }

// MissingDependencyError is a configuration error naming the entity a claim
// does not resolve: provider, patient, patient insurance or insurance plan.
type MissingDependencyError struct {
	Entity string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("claim has no associated %s", e.Entity)
}

// TransportError wraps a delivery failure on one channel. StatusCode and
// Body are set for non-success HTTP responses.
type TransportError struct {
	Channel    string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s submission failed: HTTP %d: %s", e.Channel, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s transport failed: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError lists the required connection fields a payer is missing
// for a channel.
type ValidationError struct {
	Channel string
	Fields  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s configuration incomplete: invalid or missing %s", e.Channel, strings.Join(e.Fields, ", "))
}

// validationError converts validator output into a ValidationError. Other
// errors are returned unchanged.
func validationError(channel string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	sort.Strings(fields)
	return &ValidationError{Channel: channel, Fields: fields}
}

// FailureKind classifies why a submission failed.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureNotFound      FailureKind = "not_found"
	FailureConfiguration FailureKind = "configuration"
	FailureValidation    FailureKind = "validation"
	FailureTransport     FailureKind = "transport"
	FailureInternal      FailureKind = "internal"
)

// ErrorKind classifies err. A nil error is FailureNone.
func ErrorKind(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var (
		cfgErr   *ConfigurationError
		depErr   *MissingDependencyError
		valErr   *ValidationError
		transErr *TransportError
	)
	switch {
	case errors.Is(err, claim.ErrNotFound):
		return FailureNotFound
	case errors.As(err, &cfgErr), errors.As(err, &depErr):
		return FailureConfiguration
	case errors.As(err, &valErr):
		return FailureValidation
	case errors.As(err, &transErr):
		return FailureTransport
	default:
		return FailureInternal
	}
}
