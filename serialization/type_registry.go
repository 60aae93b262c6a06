package serialization

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ErrTypeNotRegistered is returned when a type name or Go type is unknown.
var ErrTypeNotRegistered = errors.New("serialization: type not registered")

// TypeRegistry maps payload type names, carried in the AMQP "type" property,
// to Go struct types.
type TypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers a payload type with a type name
func (r *TypeRegistry) Register(typeName string, payload any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if payload == nil {
		return fmt.Errorf("payload type cannot be nil")
	}

	t := structType(payload)
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("payload type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers a payload type under its package-qualified struct name.
func (r *TypeRegistry) RegisterType(payload any) error {
	if payload == nil {
		return fmt.Errorf("payload type cannot be nil")
	}

	t := structType(payload)
	typeName := t.Name()
	if typeName == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}
	if t.PkgPath() != "" {
		typeName = t.PkgPath() + "." + typeName
	}
	return r.Register(typeName, payload)
}

// New returns a pointer to a fresh value of the type registered as typeName.
func (r *TypeRegistry) New(typeName string) (any, error) {
	r.mu.RLock()
	t, exists := r.types[typeName]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, typeName)
	}
	return reflect.New(t).Interface(), nil
}

// TypeName returns the registered name for a value or pointer to it.
func (r *TypeRegistry) TypeName(payload any) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload cannot be nil")
	}

	t := structType(payload)

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("%w: %v", ErrTypeNotRegistered, t)
	}
	return name, nil
}

// IsRegistered checks if a type name is registered
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns all registered type names in sorted order.
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}

func structType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
