package study

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid or missing node of the study configuration
type ConfigError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s %q: %s", e.Entity, e.ID, e.Reason)
}

// IsConfigError reports whether err is or wraps a *ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func notFound(entity, id string) *ConfigError {
	return &ConfigError{Entity: entity, ID: id, Reason: "not found"}
}
