package dispatch

import "fmt"

// FailureKind classifies invocation failures. Every kind is
// distinguishable by the caller; nothing is collapsed into a generic
// error, so the model-facing layer can decide how to report each one.
type FailureKind string

const (
	// FailNotFound: no tool registered under the requested name
	FailNotFound FailureKind = "not_found"

	// FailValidation: the arguments do not satisfy the tool's schema.
	// Local to one call; the caller may retry with corrected arguments.
	FailValidation FailureKind = "validation"

	// FailStartupTimeout: the worker did not become ready in time
	FailStartupTimeout FailureKind = "startup_timeout"

	// FailWorkerCrashed: the worker process died before responding. If
	// the tool acted before dying the side effect may have happened;
	// delivery is at-most-once and the caller sees the failure rather
	// than a silent retry.
	FailWorkerCrashed FailureKind = "worker_crashed"

	// FailTimeout: the call deadline expired. The worker is marked for
	// replacement since it cannot be trusted to be idle.
	FailTimeout FailureKind = "timeout"

	// FailProtocol: the worker sent a malformed or unmatched message
	FailProtocol FailureKind = "protocol_violation"

	// FailTool: the tool itself returned an error
	FailTool FailureKind = "tool_error"
)

// Failure is a typed invocation failure
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Result is the outcome of one invocation. Failure is nil on success.
type Result struct {
	// ID is the correlation id assigned to the call
	ID string `json:"id"`

	// Value is the tool's result, decoded from JSON
	Value any `json:"value,omitempty"`

	// Failure describes why the call did not succeed
	Failure *Failure `json:"failure,omitempty"`
}

// Ok reports whether the invocation succeeded
func (r Result) Ok() bool { return r.Failure == nil }

func failure(id string, kind FailureKind, format string, args ...any) Result {
	return Result{ID: id, Failure: &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}
