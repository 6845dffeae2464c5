// Package common - error kinds and logging shared by every decoder package.
package common

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrArgument marks a caller-supplied parameter that is out of contract, e.g. mismatched
	// embedding lengths or an invalid region of interest.
	ErrArgument = errors.New("argument error")
	// ErrModelInconsistent marks model metadata that does not match what a decoder expects:
	// missing quantization parameters, output byte count mismatch, unsupported layouts.
	ErrModelInconsistent = errors.New("model inconsistent error")
)

// Error is a classified decode error. Use errors.Is against ErrArgument or
// ErrModelInconsistent to tell the kinds apart.
type Error struct {
	// Kind is one of the sentinel errors above.
	Kind error
	// Msg describes what was wrong.
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

// Unwrap exposes the kind to errors.Is.
func (e *Error) Unwrap() error {
	return e.Kind
}

// ArgumentErrorf builds an ErrArgument error with a stack trace attached.
//
// Arguments:
//   - format: The fmt format string.
//   - args: The format arguments.
//
// Returns:
//   - error: The classified error.
//
// @example
// return common.ArgumentErrorf("embedding sizes differ (%d vs. %d)", len(a), len(b))
func ArgumentErrorf(format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: ErrArgument, Msg: fmt.Sprintf(format, args...)})
}

// ModelInconsistentErrorf builds an ErrModelInconsistent error with a stack trace attached.
//
// Arguments:
//   - format: The fmt format string.
//   - args: The format arguments.
//
// Returns:
//   - error: The classified error.
func ModelInconsistentErrorf(format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: ErrModelInconsistent, Msg: fmt.Sprintf(format, args...)})
}

// IsArgument reports whether err (or anything it wraps) is an argument error.
func IsArgument(err error) bool {
	return errors.Is(err, ErrArgument)
}

// IsModelInconsistent reports whether err (or anything it wraps) is a model inconsistency.
func IsModelInconsistent(err error) bool {
	return errors.Is(err, ErrModelInconsistent)
}
