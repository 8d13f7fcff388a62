// Package errors provides error wrapping utilities for context-aware error messages.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// detailer is implemented by errors that carry a human-readable message
// produced by the remote server.
type detailer interface {
	Detail() string
}

// Detail returns the server-provided message carried anywhere in err's chain,
// falling back to err.Error(). Operators see this string verbatim.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var d detailer
	if stderrors.As(err, &d) && d.Detail() != "" {
		return d.Detail()
	}
	return err.Error()
}
