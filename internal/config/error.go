package config

import (
	"errors"
	"fmt"
)

// Error reports a malformed or inconsistent configuration. It is detected
// before any volume is touched.
type Error struct {
	// Volume is the name of the offending entry, empty for global settings.
	Volume string
	// Field is the configuration key at fault, if known.
	Field string
	Err   error
}

func (e *Error) Error() string {
	where := "config"
	if e.Volume != "" {
		where = fmt.Sprintf("volume %q", e.Volume)
	}
	if e.Field != "" {
		where = fmt.Sprintf("%s: %s", where, e.Field)
	}
	return fmt.Sprintf("%s: %v", where, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is, or wraps, an *Error.
func IsConfigError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

func newError(volume, field string, format string, args ...any) *Error {
	return &Error{Volume: volume, Field: field, Err: fmt.Errorf(format, args...)}
}
