package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/pkg/wire"
)

func testConfig() Config {
	return Config{
		StartupTimeout: 5 * time.Second,
		GracePeriod:    time.Second,
	}
}

// recordingObserver collects lifecycle events for assertions
type recordingObserver struct {
	mu      sync.Mutex
	spawned []string
	exited  []string // "tool/reason"
	exitCh  chan string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{exitCh: make(chan string, 16)}
}

func (o *recordingObserver) WorkerSpawned(tool string) {
	o.mu.Lock()
	o.spawned = append(o.spawned, tool)
	o.mu.Unlock()
}

func (o *recordingObserver) WorkerExited(tool, reason string) {
	o.mu.Lock()
	o.exited = append(o.exited, tool+"/"+reason)
	o.mu.Unlock()
	o.exitCh <- tool + "/" + reason
}

func TestSupervisor_AcquireSpawnsWorker(t *testing.T) {
	s := NewSupervisor("add", helperLauncher("add"), testConfig(), zerolog.Nop())
	defer s.Close()

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateBusy, h.State())
	assert.Greater(t, h.Pid(), 0)

	desc := s.Descriptor()
	require.NotNil(t, desc, "worker must announce its descriptor")
	assert.Equal(t, "add", desc.Name)
	assert.Len(t, desc.Params, 2)

	s.Release(h)
	assert.Equal(t, StateReady, h.State())
}

func TestSupervisor_ReleaseTreatsExitedHandleAsDead(t *testing.T) {
	s := NewSupervisor("exitearly", helperLauncher("exitearly"), testConfig(), zerolog.Nop())
	defer s.Close()

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit")
	}

	// A state write can land after the exit notification; the done
	// channel, not the state field, decides whether the worker is gone.
	h.setState(StateBusy)
	s.Release(h)

	h2, err := s.Acquire(context.Background())
	require.NoError(t, err, "release must not cache a dead worker")
	assert.NotEqual(t, h.Pid(), h2.Pid(), "a fresh process must replace the dead one")
	s.Release(h2)
}

func TestSupervisor_ReusesLiveWorker(t *testing.T) {
	s := NewSupervisor("add", helperLauncher("add"), testConfig(), zerolog.Nop())
	defer s.Close()

	h1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	pid := h1.Pid()
	s.Release(h1)

	h2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pid, h2.Pid(), "idle worker must be reused, not respawned")
	s.Release(h2)
}

func TestSupervisor_RoundTripCall(t *testing.T) {
	s := NewSupervisor("add", helperLauncher("add"), testConfig(), zerolog.Nop())
	defer s.Close()

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	defer s.Release(h)

	ch, cancel := h.Expect("corr-1")
	defer cancel()

	msg, err := wire.NewMessage("corr-1", wire.KindCall, wire.CallPayload{
		Tool: "add",
		Args: map[string]any{"a": 2, "b": 3},
	})
	require.NoError(t, err)
	require.NoError(t, h.Send(msg))

	select {
	case res := <-ch:
		var payload wire.ResultPayload
		require.NoError(t, json.Unmarshal(res.Payload, &payload))
		require.Nil(t, payload.Error)
		assert.Equal(t, json.RawMessage("5"), payload.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("no result within deadline")
	}
}

func TestSupervisor_StartupTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StartupTimeout = 300 * time.Millisecond

	s := NewSupervisor("noready", helperLauncher("noready"), cfg, zerolog.Nop())
	defer s.Close()

	_, err := s.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartupTimeout)
}

func TestSupervisor_CrashedWorkerIsReplaced(t *testing.T) {
	obs := newRecordingObserver()
	s := NewSupervisor("exitearly", helperLauncher("exitearly"), testConfig(), zerolog.Nop())
	s.SetObserver(obs)
	defer s.Close()

	h1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	pid := h1.Pid()
	s.Release(h1)

	// The helper dies shortly after becoming ready
	select {
	case reason := <-obs.exitCh:
		assert.Equal(t, "exitearly/crash", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}

	h2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, pid, h2.Pid(), "crashed worker must be replaced by a fresh process")
	s.Release(h2)
}

func TestSupervisor_SerializesCallers(t *testing.T) {
	s := NewSupervisor("add", helperLauncher("add"), testConfig(), zerolog.Nop())
	defer s.Close()

	h1, err := s.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Handle, 1)
	go func() {
		h, err := s.Acquire(context.Background())
		if err == nil {
			acquired <- h
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the worker is busy")
	case <-time.After(150 * time.Millisecond):
	}

	s.Release(h1)

	select {
	case h2 := <-acquired:
		s.Release(h2)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestSupervisor_AcquireRespectsContext(t *testing.T) {
	s := NewSupervisor("add", helperLauncher("add"), testConfig(), zerolog.Nop())
	defer s.Close()

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Release(h)
}

func TestSupervisor_GracefulTerminate(t *testing.T) {
	obs := newRecordingObserver()
	s := NewSupervisor("add", helperLauncher("add"), testConfig(), zerolog.Nop())
	s.SetObserver(obs)

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	s.Release(h)

	s.Close()

	select {
	case reason := <-obs.exitCh:
		assert.Equal(t, "add/terminated", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on close")
	}
}

func TestSupervisor_ForceKillAfterGrace(t *testing.T) {
	obs := newRecordingObserver()
	cfg := testConfig()
	cfg.GracePeriod = 200 * time.Millisecond

	s := NewSupervisor("ignoreshutdown", helperLauncher("ignoreshutdown"), cfg, zerolog.Nop())
	s.SetObserver(obs)

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	s.Release(h)

	start := time.Now()
	s.Close()

	select {
	case reason := <-obs.exitCh:
		assert.Equal(t, "ignoreshutdown/terminated", reason)
		assert.Less(t, time.Since(start), 3*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("worker survived force kill")
	}
}

func TestSupervisor_ProtocolViolationRetiresWorker(t *testing.T) {
	s := NewSupervisor("garbage", helperLauncher("garbage"), testConfig(), zerolog.Nop())
	defer s.Close()

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	_, cancel := h.Expect("corr-1")
	defer cancel()

	msg, err := wire.NewMessage("corr-1", wire.KindCall, wire.CallPayload{Tool: "garbage"})
	require.NoError(t, err)
	require.NoError(t, h.Send(msg))

	select {
	case <-h.Done():
		assert.True(t, h.Unclean())
	case <-time.After(5 * time.Second):
		t.Fatal("misbehaving worker was not terminated")
	}
	s.Release(h)
}

func TestSupervisor_DuplicateCorrelationID(t *testing.T) {
	s := NewSupervisor("dupid", helperLauncher("dupid"), testConfig(), zerolog.Nop())
	defer s.Close()

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ch, cancel := h.Expect("corr-dup")
	defer cancel()

	msg, err := wire.NewMessage("corr-dup", wire.KindCall, wire.CallPayload{Tool: "dupid"})
	require.NoError(t, err)
	require.NoError(t, h.Send(msg))

	// The first result is delivered normally
	select {
	case res := <-ch:
		assert.Equal(t, "corr-dup", res.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}

	// The duplicate is a protocol violation: the worker is retired
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker not terminated after duplicate correlation id")
	}
	s.Release(h)
}

func TestSupervisor_ClosedRejectsAcquire(t *testing.T) {
	s := NewSupervisor("add", helperLauncher("add"), testConfig(), zerolog.Nop())
	s.Close()

	_, err := s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrSupervisorClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "busy", StateBusy.String())
	assert.Equal(t, "terminating", StateTerminating.String())
	assert.Equal(t, "dead", StateDead.String())
}
