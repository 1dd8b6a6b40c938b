package config

import "fmt"

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("option '%s' in section '%s': %s", e.Option, e.Section, e.Message)
	}
	if e.Section != "" {
		return fmt.Sprintf("section '%s': %s", e.Section, e.Message)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new ConfigError.
func NewConfigError(section, option, message string) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: message,
	}
}

// WrapError wraps an existing error with config context.
func WrapError(section, option string, err error) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: err.Error(),
		Cause:   err,
	}
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: fmt.Sprintf("value %v %s", value, constraint),
	}
}

// ErrInvalidChoice returns an error for an invalid choice value.
func ErrInvalidChoice(section, option, value string, choices []string) *ConfigError {
	return &ConfigError{
		Section: section,
		Option:  option,
		Message: fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices),
	}
}
