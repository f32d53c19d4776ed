package worker

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/spindleworks/spindle/pkg/wire"
)

// State is the lifecycle state of a worker process
type State int32

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateTerminating
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateTerminating:
		return "terminating"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handle is the host-side identity of one live worker process. While a
// call holds it in StateBusy the handle is exclusively owned by that
// call; nothing else writes to its channel.
type Handle struct {
	tool string
	pid  int
	cmd  *exec.Cmd
	conn *wire.Conn

	state   atomic.Int32
	unclean atomic.Bool

	// done is closed by the wait goroutine once the process has exited
	done    chan struct{}
	exitErr error

	// readyCh receives the worker's handshake exactly once
	readyCh chan wire.ReadyPayload

	pendingMu sync.Mutex
	pending   map[string]chan wire.Message
}

// Tool returns the tool name this worker serves
func (h *Handle) Tool() string { return h.tool }

// Pid returns the worker's OS process id
func (h *Handle) Pid() int { return h.pid }

// State returns the current lifecycle state
func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) setState(s State) { h.state.Store(int32(s)) }

// Done is closed once the worker process has exited, for any reason
func (h *Handle) Done() <-chan struct{} { return h.done }

// exited reports whether the process is known to be gone, regardless of
// what the state field says. State writes race the exit notification, so
// the done channel is the authority.
func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr reports why the process exited. Only valid after Done is
// closed.
func (h *Handle) ExitErr() error { return h.exitErr }

// MarkUnclean flags the worker as untrustworthy for reuse. The
// supervisor terminates it on release instead of returning it to the
// ready state. Used after a call deadline expires mid-execution.
func (h *Handle) MarkUnclean() { h.unclean.Store(true) }

// Unclean reports whether the handle was marked for replacement
func (h *Handle) Unclean() bool { return h.unclean.Load() }

// Send writes one message to the worker
func (h *Handle) Send(msg wire.Message) error {
	return h.conn.Write(msg)
}

// Expect registers interest in the result for a correlation id. The
// returned cancel func must be called when the caller stops waiting;
// a result arriving afterwards is treated as stale and discarded.
func (h *Handle) Expect(id string) (<-chan wire.Message, func()) {
	ch := make(chan wire.Message, 1)
	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()

	cancel := func() {
		h.pendingMu.Lock()
		delete(h.pending, id)
		h.pendingMu.Unlock()
	}
	return ch, cancel
}

// deliver routes an inbound result to its waiter. It reports false when
// no call is waiting on the correlation id.
func (h *Handle) deliver(msg wire.Message) bool {
	h.pendingMu.Lock()
	ch, ok := h.pending[msg.ID]
	if ok {
		delete(h.pending, msg.ID)
	}
	h.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}
