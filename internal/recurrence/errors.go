package recurrence

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminated reports that a series has no further occurrences.
	// It is not a failure: the caller disables the rule.
	ErrTerminated = errors.New("recurrence terminated")

	// ErrConfig is matched by every *ConfigError via errors.Is.
	ErrConfig = errors.New("invalid recurrence config")
)

// ConfigError describes an invalid or incomplete recurrence configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "recurrence: " + e.Reason
	}
	return fmt.Sprintf("recurrence: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
