// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors carries the error taxonomy of the detection pipeline.
//
// Every component reports failures as an *Error with a Kind, so that the
// pipeline can tell a record-level failure (skip the record and carry on)
// from a configuration problem or a fatal startup condition.
package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindUnavailable
	KindTimeout
	KindConfig
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindConfig:
		return "config"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a categorized error with optional structured attributes.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err as a new Error of the specified kind. A nil err yields nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches an attribute to an error. Errors that are not an *Error are
// wrapped as KindInternal first.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error(), Underlying: err}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the outermost *Error in err's chain, or
// KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes collects attributes along the chain. Outer values win.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)

	for cur := err; cur != nil; {
		var e *Error
		if !errors.As(cur, &e) {
			break
		}
		for k, v := range e.Attributes {
			if _, ok := attrs[k]; !ok {
				attrs[k] = v
			}
		}
		cur = e.Underlying
	}

	return attrs
}

// IsRecoverable reports whether err only affects the current unit of work.
// Unavailable and timeout failures of a collaborator (store, resolver,
// classifier, reporter) are recoverable: the caller logs, skips and
// continues. Configuration and fatal errors are not.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	switch GetKind(err) {
	case KindConfig, KindFatal:
		return false
	default:
		return true
	}
}

// IsFatal reports whether err must abort the pipeline.
func IsFatal(err error) bool {
	switch GetKind(err) {
	case KindConfig, KindFatal:
		return true
	}
	return false
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
