package config

import "fmt"

// ConfigurationError reports configuration whose timing or shape is
// incompatible with the acquisition settings. It is raised at construction
// time; nothing is partially built when it is returned.
type ConfigurationError struct {
	Component string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s", e.Component, e.Reason)
}

// Errorf builds a ConfigurationError for component.
func Errorf(component, format string, args ...interface{}) error {
	return &ConfigurationError{Component: component, Reason: fmt.Sprintf(format, args...)}
}
