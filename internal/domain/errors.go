package domain

import (
	"errors"
	"fmt"
)

// ParseError reports a document that is malformed or is not an amplitude
// document. The document is skipped and no state changes.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingTimeError reports a document without any usable timestamp. Callers
// treat it as a soft skip.
type MissingTimeError struct {
	Source string
}

func (e *MissingTimeError) Error() string {
	return fmt.Sprintf("no time data for %s", e.Source)
}

// ValidationError reports an entity write that violates the store contract.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Entity, e.Field, e.Reason)
}

// IsSkippable reports whether err is a per-document failure that must not be
// retried: re-delivering the same bytes would fail the same way.
func IsSkippable(err error) bool {
	var pe *ParseError
	var me *MissingTimeError
	var ve *ValidationError
	return errors.As(err, &pe) || errors.As(err, &me) || errors.As(err, &ve)
}
