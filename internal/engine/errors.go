package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrPathNotFound means a field path is not declared by the form shape.
	ErrPathNotFound = errors.New("field path not found")
	// ErrMapping means a value does not have its leaf's declared type.
	ErrMapping = errors.New("value does not match declared field type")
	// ErrRuleFailed wraps a rule that returned an error or panicked.
	ErrRuleFailed = errors.New("rule evaluation failed")
	// ErrInvalidContext means the submission context is incomplete.
	ErrInvalidContext = errors.New("invalid submission context")
)

// PathError reports a path that does not resolve to a declared leaf.
type PathError struct {
	Path Path
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// MappingError reports a value whose type does not fit the shape.
type MappingError struct {
	Path   Path
	Column string
	Want   Kind
	Got    any
	Reason string
}

func (e *MappingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("mapping %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("mapping %s: want %s, got %T", e.Path, e.Want, e.Got)
}

func (e *MappingError) Unwrap() error { return ErrMapping }

// RuleError carries the failure of a single rule to the error-reporting
// channel. It never aborts an evaluation.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q: %v", e.Rule, e.Err)
}

func (e *RuleError) Unwrap() []error { return []error{ErrRuleFailed, e.Err} }
