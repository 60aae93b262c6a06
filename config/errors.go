package config

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProperty = errors.New("config: unknown property")
	ErrInvalidProperty = errors.New("config: invalid property value")
)

// PropertyError reports a key that could not be bound or resolved.
type PropertyError struct {
	Key   string
	Value string
	Err   error
}

func (e *PropertyError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config: property %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("config: property %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *PropertyError) Unwrap() error {
	return e.Err
}

func invalid(key, reason string) error {
	return &PropertyError{Key: key, Err: fmt.Errorf("%w: %s", ErrInvalidProperty, reason)}
}
