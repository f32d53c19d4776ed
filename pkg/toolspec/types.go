package toolspec

import (
	"context"
	"fmt"
)

// ParamType is the wire-level type of a tool parameter
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// ParameterSpec describes one parameter of a tool. Composite parameters
// carry their full shape: object parameters list their fields in Fields,
// array parameters describe their element type in Items.
type ParameterSpec struct {
	Name        string          `json:"name"`
	Type        ParamType       `json:"type"`
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required"`
	Default     any             `json:"default,omitempty"`
	Fields      []ParameterSpec `json:"fields,omitempty"`
	Items       *ParameterSpec  `json:"items,omitempty"`
}

// ReturnSpec describes the shape of a tool's result. It is documentation
// for the model and for basic shape checks, not a wire-level contract.
type ReturnSpec struct {
	Type        ParamType       `json:"type"`
	Description string          `json:"description,omitempty"`
	Fields      []ParameterSpec `json:"fields,omitempty"`
	Items       *ParameterSpec  `json:"items,omitempty"`
}

// Descriptor is the immutable schema of a registered tool. It is produced
// once by Infer at registration time and never mutated afterwards;
// re-registering a name replaces the descriptor wholesale.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Params      []ParameterSpec `json:"params"`
	Returns     *ReturnSpec     `json:"returns,omitempty"`
}

// Definition is the registration surface: everything a tool author supplies
// to declare a callable as a tool. Func must have the shape
// func(context.Context, Args) (Ret, error) where Args is a struct; its
// fields become the tool's parameters.
type Definition struct {
	// Name is the unique tool name used in model tool calls
	Name string

	// Doc is the human-readable purpose text shown to the model
	Doc string

	// ParamDocs maps parameter names to documentation text. Nested fields
	// use dotted paths ("filter.limit"). Every key must name a parameter
	// that exists in the signature; a dangling key is a SchemaError.
	ParamDocs map[string]string

	// Func is the callable executed inside the worker process
	Func any

	// Setup runs once in the worker before the first call
	Setup func(ctx context.Context) error

	// Teardown runs in the worker during graceful shutdown
	Teardown func(ctx context.Context) error
}

// SchemaError reports a bad tool definition. It is fatal at registration:
// a definition that fails inference is not registered.
type SchemaError struct {
	Tool   string
	Param  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("tool %q: parameter %q: %s", e.Tool, e.Param, e.Reason)
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
}

func schemaErr(tool, param, format string, args ...any) *SchemaError {
	return &SchemaError{Tool: tool, Param: param, Reason: fmt.Sprintf(format, args...)}
}
