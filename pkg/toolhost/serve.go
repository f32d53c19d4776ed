// Package toolhost is the worker-side half of the runtime: it turns a
// tool definition into a process that speaks the wire protocol over its
// stdio pipes. A worker binary is a main that calls Serve with its
// definition; the host spawns it, waits for the ready handshake, and
// drives it with call messages.
//
// Stdout belongs to the protocol. Tools must log to stderr (the host
// streams it into its own log) and never print to stdout.
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/spindleworks/spindle/pkg/toolspec"
	"github.com/spindleworks/spindle/pkg/wire"
)

// ErrNotWorker is returned when the binary is run outside a spindle
// host. The handshake cookie is how a worker knows its stdio carries
// frames rather than a terminal.
var ErrNotWorker = errors.New(
	"this binary is a spindle tool worker; it is meant to be launched by a spindle host, not run directly")

// Option configures Serve
type Option func(*server)

// WithLogger sets the worker's logger. The default writes to stderr,
// which the host forwards into its own log.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *server) { s.logger = logger }
}

type server struct {
	def     toolspec.Definition
	logger  zerolog.Logger
	conn    *wire.Conn
	invoke  toolspec.InvokeFunc
	desc    *toolspec.Descriptor
}

// Serve runs the worker loop: handshake, then one call at a time until
// shutdown. It returns once a shutdown message arrives, the host closes
// the pipe, or SIGTERM/SIGINT is delivered; Teardown runs in all three
// cases.
func Serve(def toolspec.Definition, opts ...Option) error {
	if os.Getenv(wire.CookieKey) != wire.CookieValue {
		return ErrNotWorker
	}

	s := &server{
		def:    def,
		logger: zerolog.New(os.Stderr).With().Timestamp().Str("tool", def.Name).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	desc, err := toolspec.Infer(def)
	if err != nil {
		return fmt.Errorf("toolhost: %w", err)
	}
	s.desc = desc

	invoke, err := toolspec.NewInvoker(def)
	if err != nil {
		return fmt.Errorf("toolhost: %w", err)
	}
	s.invoke = invoke

	s.conn = wire.NewConn(os.Stdin, os.Stdout, 0)
	return s.run()
}

func (s *server) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if s.def.Setup != nil {
		if err := s.def.Setup(ctx); err != nil {
			return fmt.Errorf("toolhost: setup: %w", err)
		}
	}
	defer s.teardown()

	ready, err := wire.NewMessage("", wire.KindReady, wire.ReadyPayload{
		Pid:        os.Getpid(),
		Protocol:   wire.ProtocolVersion,
		Descriptor: s.desc,
	})
	if err != nil {
		return fmt.Errorf("toolhost: encode ready: %w", err)
	}
	if err := s.conn.Write(ready); err != nil {
		return fmt.Errorf("toolhost: announce ready: %w", err)
	}

	// Reads happen on their own goroutine so a signal can interrupt the
	// blocking read.
	msgs := make(chan wire.Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			msg, err := s.conn.Read()
			if err != nil {
				readErr <- err
				return
			}
			msgs <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("signal received, shutting down")
			return nil

		case msg, ok := <-msgs:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) {
					// Host went away; nothing left to serve
					return nil
				}
				return fmt.Errorf("toolhost: read: %w", err)
			}

			switch msg.Kind {
			case wire.KindShutdown:
				return nil

			case wire.KindCall:
				s.handleCall(ctx, msg)

			default:
				s.logger.Warn().Str("kind", string(msg.Kind)).Msg("ignoring unexpected message kind")
			}
		}
	}
}

// handleCall executes one invocation and writes its correlated result.
// A panicking tool produces a tool_error result instead of killing the
// worker.
func (s *server) handleCall(ctx context.Context, msg wire.Message) {
	var call wire.CallPayload
	if err := json.Unmarshal(msg.Payload, &call); err != nil {
		s.writeError(msg.ID, "tool_error", fmt.Sprintf("undecodable call payload: %v", err))
		return
	}

	callCtx := ctx
	if call.DeadlineMillis > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(call.DeadlineMillis)*time.Millisecond)
		defer cancel()
	}

	value, err := s.safeInvoke(callCtx, call.Args)
	if err != nil {
		s.writeError(msg.ID, "tool_error", err.Error())
		return
	}

	raw, err := json.Marshal(value)
	if err != nil {
		s.writeError(msg.ID, "tool_error", fmt.Sprintf("result not encodable: %v", err))
		return
	}

	result, err := wire.NewMessage(msg.ID, wire.KindResult, wire.ResultPayload{Value: raw})
	if err != nil {
		s.writeError(msg.ID, "tool_error", fmt.Sprintf("result not encodable: %v", err))
		return
	}
	if err := s.conn.Write(result); err != nil {
		s.logger.Error().Err(err).Msg("result write failed")
	}
}

func (s *server) safeInvoke(ctx context.Context, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("tool panicked")
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return s.invoke(ctx, args)
}

func (s *server) writeError(id, kind, message string) {
	msg, err := wire.NewMessage(id, wire.KindResult, wire.ResultPayload{
		Error: &wire.CallError{Kind: kind, Message: message},
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("error result not encodable")
		return
	}
	if err := s.conn.Write(msg); err != nil {
		s.logger.Error().Err(err).Msg("error result write failed")
	}
}

func (s *server) teardown() {
	if s.def.Teardown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.def.Teardown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("teardown failed")
	}
}
