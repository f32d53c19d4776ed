// Package dispatch implements the call/response protocol between the
// orchestrator and tool workers: argument validation, correlation,
// deadlines, and typed failure propagation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/spindleworks/spindle/pkg/registry"
	"github.com/spindleworks/spindle/pkg/wire"
	"github.com/spindleworks/spindle/pkg/worker"
)

// Observer receives per-call measurements, typically for metrics
type Observer interface {
	CallFinished(tool, status string, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) CallFinished(string, string, time.Duration) {}

// Dispatcher routes invocations to tool workers
type Dispatcher struct {
	reg            *registry.Registry
	logger         zerolog.Logger
	observer       Observer
	defaultTimeout time.Duration
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithDefaultTimeout bounds calls whose context carries no deadline
func WithDefaultTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.defaultTimeout = d }
}

// WithObserver installs a call observer
func WithObserver(o Observer) Option {
	return func(disp *Dispatcher) {
		if o != nil {
			disp.observer = o
		}
	}
}

// New creates a dispatcher over a registry
func New(reg *registry.Registry, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:      reg,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call invokes a tool and blocks for its correlated result, the context
// deadline, or the death of the worker, whichever comes first.
// Arguments are validated against the tool's schema before the worker is
// contacted, so a malformed call costs no process round trip.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) Result {
	start := time.Now()
	res := d.call(ctx, name, args)

	status := "success"
	if res.Failure != nil {
		status = string(res.Failure.Kind)
	}
	d.observer.CallFinished(name, status, time.Since(start))

	evt := d.logger.Debug()
	if res.Failure != nil {
		evt = d.logger.Warn().Str("failure", res.Failure.Error())
	}
	evt.Str("tool", name).Str("correlation_id", res.ID).Dur("elapsed", time.Since(start)).Msg("call finished")

	return res
}

func (d *Dispatcher) call(ctx context.Context, name string, args map[string]any) Result {
	entry, err := d.reg.Resolve(name)
	if err != nil {
		return failure("", FailNotFound, "no tool registered as %q", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if res := validateArgs(entry.Schema, args); res != nil {
		return *res
	}

	if d.defaultTimeout > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.defaultTimeout)
			defer cancel()
		}
	}

	h, err := entry.Supervisor.Acquire(ctx)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrStartupTimeout):
			return failure("", FailStartupTimeout, "worker for %q: %v", name, err)
		case errors.Is(err, worker.ErrWorkerCrashed):
			return failure("", FailWorkerCrashed, "worker for %q: %v", name, err)
		case errors.Is(err, context.DeadlineExceeded):
			return failure("", FailTimeout, "deadline expired waiting for worker %q", name)
		case errors.Is(err, context.Canceled):
			return failure("", FailTimeout, "call to %q canceled by caller", name)
		default:
			return failure("", FailWorkerCrashed, "acquire worker for %q: %v", name, err)
		}
	}
	defer entry.Supervisor.Release(h)

	id := uuid.NewString()

	payload := wire.CallPayload{Tool: name, Args: args, DeadlineMillis: deadlineMillis(ctx)}

	msg, err := wire.NewMessage(id, wire.KindCall, payload)
	if err != nil {
		return failure(id, FailValidation, "arguments not encodable: %v", err)
	}

	resultCh, cancel := h.Expect(id)
	defer cancel()

	if err := h.Send(msg); err != nil {
		h.MarkUnclean()
		return failure(id, FailWorkerCrashed, "worker %q unreachable: %v", name, err)
	}

	select {
	case m := <-resultCh:
		return decodeResult(id, name, h, m)

	case <-ctx.Done():
		// The worker may still be executing. It cannot be trusted to be
		// idle, so it is replaced rather than reused; any late response
		// is discarded by the supervisor.
		h.MarkUnclean()
		if errors.Is(ctx.Err(), context.Canceled) {
			return failure(id, FailTimeout, "call to %q canceled by caller", name)
		}
		return failure(id, FailTimeout, "call to %q exceeded its deadline", name)

	case <-h.Done():
		// The result may have raced the exit notification
		select {
		case m := <-resultCh:
			return decodeResult(id, name, h, m)
		default:
		}
		return failure(id, FailWorkerCrashed, "worker for %q (pid %d) died mid-call: %v", name, h.Pid(), h.ExitErr())
	}
}

// deadlineMillis converts the caller's deadline into the advisory hint
// forwarded to the worker. Zero means no deadline. A deadline under a
// millisecond away, or already behind us, still forwards 1: the worker
// treats non-positive values as "no deadline", and an expiring call is
// exactly when the hint matters.
func deadlineMillis(ctx context.Context) int64 {
	deadline, has := ctx.Deadline()
	if !has {
		return 0
	}
	ms := time.Until(deadline).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// decodeResult turns a correlated wire result into a Result
func decodeResult(id, name string, h *worker.Handle, msg wire.Message) Result {
	var payload wire.ResultPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.MarkUnclean()
		return failure(id, FailProtocol, "worker %q sent undecodable result: %v", name, err)
	}

	if payload.Error != nil {
		kind := FailTool
		if payload.Error.Kind == string(FailValidation) {
			kind = FailValidation
		}
		return failure(id, kind, "%s", payload.Error.Message)
	}

	var value any
	if len(payload.Value) > 0 {
		if err := json.Unmarshal(payload.Value, &value); err != nil {
			h.MarkUnclean()
			return failure(id, FailProtocol, "worker %q sent undecodable value: %v", name, err)
		}
	}
	return Result{ID: id, Value: value}
}

// validateArgs checks arguments against the tool's compiled schema and
// returns a validation failure listing every violated constraint.
func validateArgs(schema *gojsonschema.Schema, args map[string]any) *Result {
	outcome, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		res := failure("", FailValidation, "arguments not validatable: %v", err)
		return &res
	}
	if outcome.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(outcome.Errors()))
	for _, issue := range outcome.Errors() {
		msgs = append(msgs, issue.String())
	}
	res := failure("", FailValidation, "%s", strings.Join(msgs, "; "))
	return &res
}
