package message

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/kat-co/vala"
)

// Validator checks a decoded payload value and returns a non-nil error when
// the payload fails its schema; ValidatePayload wraps that error in
// ErrInvalidMessage. Reactors
// register one per message type alongside the Go type used to decode it.
type Validator func(payload any) error

type registration struct {
	goType    reflect.Type
	validator Validator
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

// Register associates a message type string with the Go struct used to
// decode its payload and an optional validator. Calling Register twice for
// the same type is a programmer error and panics, matching the teacher's
// fail-fast init()-time registration style.
func Register(msgType string, sample any, validator Validator) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[msgType]; exists {
		panic(fmt.Sprintf("message: type %q already registered", msgType))
	}
	registry[msgType] = registration{
		goType:    reflect.TypeOf(sample),
		validator: validator,
	}
}

// Lookup returns the registered Go type for msgType, or ErrUnknownMessage.
func Lookup(msgType string) (reflect.Type, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	reg, ok := registry[msgType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, msgType)
	}
	return reg.goType, nil
}

// NewPayload returns a pointer to a new zero value of the type registered
// for msgType, or ErrUnknownMessage.
func NewPayload(msgType string) (any, error) {
	t, err := Lookup(msgType)
	if err != nil {
		return nil, err
	}
	return reflect.New(t).Interface(), nil
}

// ValidatePayload runs the registered validator, if any, for msgType.
// Unregistered types are allowed through unvalidated (the registry is for
// deserialization and schema checks, not an allowlist of every type ever
// sent — unit tests build ad hoc messages without registering them).
func ValidatePayload(msgType string, payload any) error {
	registryMu.RLock()
	reg, ok := registry[msgType]
	registryMu.RUnlock()
	if !ok || reg.validator == nil {
		return nil
	}
	if err := reg.validator(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, msgType, err)
	}
	return nil
}

// RequireFields is a small vala-based helper for the common case of
// validating that a set of named fields are non-empty. It is meant to be
// called from a type's Validator with its own field values, e.g.:
//
//	message.Register("AddItem", AddItem{}, func(p any) error {
//	    c := p.(*AddItem)
//	    return message.RequireFields(
//	        vala.StringNotEmpty(c.SKU, "sku"),
//	    )
//	})
func RequireFields(checks ...vala.Checker) error {
	return vala.BeginValidation().Validate(checks...).Check()
}
