package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/spindleworks/spindle/pkg/toolspec"
	"github.com/spindleworks/spindle/pkg/wire"
)

var (
	// ErrStartupTimeout is returned when a spawned worker does not
	// announce readiness within the startup timeout
	ErrStartupTimeout = errors.New("worker: startup timeout")

	// ErrWorkerCrashed is returned when the worker process exits while
	// it was expected to be alive
	ErrWorkerCrashed = errors.New("worker: process crashed")

	// ErrSupervisorClosed is returned by Acquire after Close
	ErrSupervisorClosed = errors.New("worker: supervisor closed")
)

// Config tunes worker lifecycle timing
type Config struct {
	// StartupTimeout bounds the wait for the ready handshake
	StartupTimeout time.Duration

	// GracePeriod is how long Terminate waits after the shutdown message
	// before force-killing the process
	GracePeriod time.Duration

	// MaxFrameSize caps a single wire message from the worker
	MaxFrameSize int
}

// DefaultConfig returns the default lifecycle timing
func DefaultConfig() Config {
	return Config{
		StartupTimeout: 10 * time.Second,
		GracePeriod:    5 * time.Second,
		MaxFrameSize:   wire.DefaultMaxFrameSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}

// Observer receives worker lifecycle events, typically for metrics
type Observer interface {
	WorkerSpawned(tool string)
	WorkerExited(tool, reason string)
}

type noopObserver struct{}

func (noopObserver) WorkerSpawned(string)        {}
func (noopObserver) WorkerExited(string, string) {}

// Supervisor owns the single worker process for one tool. Concurrent
// calls to the same tool serialize through its slot: Acquire hands the
// worker to exactly one caller at a time, spawning lazily when no live
// worker exists. A crashed worker is replaced on the next Acquire, so a
// crash is isolated to the call that observed it.
type Supervisor struct {
	name     string
	launcher Launcher
	cfg      Config
	logger   zerolog.Logger
	observer Observer

	// slot serializes ownership of the worker (capacity 1)
	slot chan struct{}

	mu        sync.Mutex
	handle    *Handle
	announced *toolspec.Descriptor
	closed    bool
}

// NewSupervisor creates a supervisor for one tool
func NewSupervisor(name string, launcher Launcher, cfg Config, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		name:     name,
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "worker").Str("tool", name).Logger(),
		observer: noopObserver{},
		slot:     make(chan struct{}, 1),
	}
	s.slot <- struct{}{}
	return s
}

// SetObserver installs a lifecycle observer. Must be called before the
// first Acquire.
func (s *Supervisor) SetObserver(o Observer) {
	if o != nil {
		s.observer = o
	}
}

// Name returns the tool name this supervisor serves
func (s *Supervisor) Name() string { return s.name }

// Descriptor returns the descriptor announced by the worker in its ready
// handshake, if any. Populated after the first successful spawn.
func (s *Supervisor) Descriptor() *toolspec.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announced
}

// Start eagerly spawns the worker so the first call does not pay the
// startup cost. Lazy spawning is the default; eager is a configuration
// choice.
func (s *Supervisor) Start(ctx context.Context) error {
	h, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	s.Release(h)
	return nil
}

// Acquire returns the tool's worker in the busy state, spawning a fresh
// process when none is alive. It blocks while another call holds the
// worker, and while a spawned process works through its handshake, up to
// the startup timeout.
func (s *Supervisor) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case <-s.slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.slot <- struct{}{}
		return nil, ErrSupervisorClosed
	}
	h := s.handle
	s.mu.Unlock()

	// Replace a dead or tainted worker before handing it out
	if h != nil && (h.State() == StateDead || h.Unclean() || h.exited()) {
		s.terminateHandle(h)
		h = nil
	}

	if h == nil {
		spawned, err := s.spawn(ctx)
		if err != nil {
			s.slot <- struct{}{}
			return nil, err
		}
		h = spawned
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	h.setState(StateBusy)
	return h, nil
}

// Release returns the worker slot after a call completes. A handle that
// died or was marked unclean is torn down so the next Acquire spawns a
// replacement; teardown happens off the caller's goroutine, since a
// caller whose deadline already expired must not also wait out the grace
// period. The slot stays held until cleanup finishes.
func (s *Supervisor) Release(h *Handle) {
	if h.State() == StateDead || h.Unclean() || h.exited() {
		go func() {
			s.terminateHandle(h)
			s.mu.Lock()
			if s.handle == h {
				s.handle = nil
			}
			s.mu.Unlock()
			s.slot <- struct{}{}
		}()
		return
	}
	h.setState(StateReady)
	s.slot <- struct{}{}
}

// Retire tears down the current worker as soon as it is idle, so the
// next Acquire spawns a fresh process. If a call is in flight the worker
// is only marked and replaced on release. Used when the worker
// executable changes on disk.
func (s *Supervisor) Retire() {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return
	}

	h.MarkUnclean()

	// Grab the slot without blocking: if a call holds it, Release will
	// see the unclean mark.
	select {
	case <-s.slot:
	default:
		return
	}
	s.terminateHandle(h)
	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	s.mu.Unlock()
	s.slot <- struct{}{}
}

// Close terminates the worker and rejects further Acquires
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h != nil {
		s.terminateHandle(h)
	}
}

// spawn starts the worker process and waits for its ready handshake
func (s *Supervisor) spawn(ctx context.Context) (*Handle, error) {
	cmd := s.launcher.cmd()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %q: stdin pipe: %w", s.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %q: stdout pipe: %w", s.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %q: stderr pipe: %w", s.name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker %q: start %s: %w", s.name, s.launcher.Path, err)
	}

	h := &Handle{
		tool:    s.name,
		pid:     cmd.Process.Pid,
		cmd:     cmd,
		conn:    wire.NewConn(stdout, stdin, s.cfg.MaxFrameSize),
		done:    make(chan struct{}),
		readyCh: make(chan wire.ReadyPayload, 1),
		pending: map[string]chan wire.Message{},
	}
	h.setState(StateStarting)

	go s.logStderr(h, stderr)
	go s.waitExit(h)
	go s.readLoop(h)

	select {
	case ready := <-h.readyCh:
		if ready.Protocol != wire.ProtocolVersion {
			s.kill(h)
			return nil, fmt.Errorf("worker %q: protocol version %d, want %d", s.name, ready.Protocol, wire.ProtocolVersion)
		}
		if ready.Descriptor != nil {
			s.mu.Lock()
			s.announced = ready.Descriptor
			s.mu.Unlock()
		}
		h.setState(StateReady)
		s.observer.WorkerSpawned(s.name)
		s.logger.Info().Int("pid", h.pid).Msg("worker ready")
		return h, nil

	case <-h.done:
		return nil, fmt.Errorf("worker %q exited during startup: %w", s.name, ErrWorkerCrashed)

	case <-time.After(s.cfg.StartupTimeout):
		s.kill(h)
		return nil, fmt.Errorf("worker %q: no ready handshake within %s: %w", s.name, s.cfg.StartupTimeout, ErrStartupTimeout)

	case <-ctx.Done():
		s.kill(h)
		return nil, ctx.Err()
	}
}

// readLoop routes inbound messages for the lifetime of one worker
// process. A frame that cannot be decoded, or a result no call is
// waiting for, is a protocol violation: the channel state is no longer
// trustworthy, so the worker is retired.
func (s *Supervisor) readLoop(h *Handle) {
	for {
		msg, err := h.conn.Read()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return
			}
			select {
			case <-h.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("protocol violation: unreadable frame, retiring worker")
			h.MarkUnclean()
			s.killProcess(h)
			return
		}

		switch msg.Kind {
		case wire.KindReady:
			var ready wire.ReadyPayload
			if err := unmarshalPayload(msg.Payload, &ready); err != nil {
				s.logger.Error().Err(err).Msg("protocol violation: bad ready payload, retiring worker")
				h.MarkUnclean()
				s.killProcess(h)
				return
			}
			select {
			case h.readyCh <- ready:
			default:
				s.logger.Error().Msg("protocol violation: duplicate ready handshake, retiring worker")
				h.MarkUnclean()
				s.killProcess(h)
				return
			}

		case wire.KindResult:
			if !h.deliver(msg) {
				if h.Unclean() {
					// Response to a call that already timed out. The
					// worker is marked for replacement; never deliver
					// this to a later caller.
					s.logger.Warn().Str("correlation_id", msg.ID).Msg("discarding stale result")
					continue
				}
				s.logger.Error().Str("correlation_id", msg.ID).Msg("protocol violation: unmatched correlation id, retiring worker")
				h.MarkUnclean()
				s.killProcess(h)
				return
			}

		default:
			s.logger.Error().Str("kind", string(msg.Kind)).Msg("protocol violation: unexpected message kind, retiring worker")
			h.MarkUnclean()
			s.killProcess(h)
			return
		}
	}
}

// waitExit reaps the process and flips the handle to dead
func (s *Supervisor) waitExit(h *Handle) {
	err := h.cmd.Wait()
	h.exitErr = err

	prev := h.State()
	h.setState(StateDead)
	close(h.done)

	reason := "exit"
	if prev == StateTerminating {
		reason = "terminated"
	} else if err != nil {
		reason = "crash"
	}
	s.observer.WorkerExited(s.name, reason)

	evt := s.logger.Info()
	if reason == "crash" {
		evt = s.logger.Warn().Err(err)
	}
	evt.Int("pid", h.pid).Str("reason", reason).Msg("worker exited")
}

// logStderr streams the worker's stderr into the host log
func (s *Supervisor) logStderr(h *Handle, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug().Int("pid", h.pid).Str("stream", "stderr").Msg(scanner.Text())
	}
}

// terminateHandle shuts a worker down: shutdown message, grace period,
// then SIGKILL.
func (s *Supervisor) terminateHandle(h *Handle) {
	select {
	case <-h.done:
		return
	default:
	}

	h.setState(StateTerminating)

	msg, err := wire.NewMessage("", wire.KindShutdown, nil)
	if err == nil {
		if werr := h.Send(msg); werr != nil {
			s.logger.Debug().Err(werr).Msg("shutdown message not delivered")
		}
	}
	_ = h.conn.Close()

	select {
	case <-h.done:
	case <-time.After(s.cfg.GracePeriod):
		s.logger.Warn().Int("pid", h.pid).Dur("grace", s.cfg.GracePeriod).Msg("worker ignored shutdown, killing")
		s.killProcess(h)
		<-h.done
	}
}

// kill force-stops a worker that never became ready
func (s *Supervisor) kill(h *Handle) {
	s.killProcess(h)
	<-h.done
}

func (s *Supervisor) killProcess(h *Handle) {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

func unmarshalPayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, v)
}
