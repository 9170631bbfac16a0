package envelope

import (
	"encoding/json"
	"fmt"
)

// Validator checks an opaque payload against an application-supplied
// schema before it is handed to user code. Failures are non-fatal: the
// caller logs and drops (for requests) or rejects the waiting promise
// (for responses) — see peer.ErrInvalidResponseData.
type Validator[T any] interface {
	Validate(payload json.RawMessage) (T, error)
}

// ValidatorFunc adapts a plain function to Validator.
type ValidatorFunc[T any] func(payload json.RawMessage) (T, error)

func (f ValidatorFunc[T]) Validate(payload json.RawMessage) (T, error) {
	return f(payload)
}

// NopValidator decodes the payload as plain JSON into T without imposing
// any further schema. It is the default when the application has not
// supplied one.
type NopValidator[T any] struct{}

func (NopValidator[T]) Validate(payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("envelope: decode payload: %w", err)
	}
	return v, nil
}
