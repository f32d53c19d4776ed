// Package bridge is the seam between the tool runtime and a
// language-model client. It exposes the catalogue and invocation surface
// and translates descriptors into the structured tool-call shapes the
// model SDKs expect. It performs no business logic of its own.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/spindleworks/spindle/pkg/dispatch"
	"github.com/spindleworks/spindle/pkg/registry"
	"github.com/spindleworks/spindle/pkg/toolspec"
)

// Adapter exposes the runtime to an orchestrating model client
type Adapter struct {
	reg  *registry.Registry
	disp *dispatch.Dispatcher
}

// New creates an adapter over a registry and dispatcher
func New(reg *registry.Registry, disp *dispatch.Dispatcher) *Adapter {
	return &Adapter{reg: reg, disp: disp}
}

// Catalogue returns every registered tool's descriptor, sorted by name.
// Field names and nesting are lossless relative to the descriptors, so
// the listing can be embedded directly in a tool-calling prompt context.
func (a *Adapter) Catalogue() []toolspec.Descriptor {
	return a.reg.List()
}

// Invoke executes a model's tool-call intent. Its contract is identical
// to the dispatcher's Call.
func (a *Adapter) Invoke(ctx context.Context, name string, args map[string]any) dispatch.Result {
	return a.disp.Call(ctx, name, args)
}

// ResultText renders an invocation result into the text a conversation
// layer feeds back to the model. Failures render as their kind and
// message so the model can decide whether to retry with different
// arguments or report the error.
func ResultText(res dispatch.Result) string {
	if res.Failure != nil {
		return "error (" + string(res.Failure.Kind) + "): " + res.Failure.Message
	}
	raw, err := json.Marshal(res.Value)
	if err != nil {
		return "error (encoding): result not representable as JSON"
	}
	return string(raw)
}
