package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/pkg/dispatch"
)

// fakeCaller records invocations and answers with a canned result
type fakeCaller struct {
	mu     sync.Mutex
	calls  []string
	result dispatch.Result
	fired  chan struct{}
}

func newFakeCaller(result dispatch.Result) *fakeCaller {
	return &fakeCaller{result: result, fired: make(chan struct{}, 16)}
}

func (c *fakeCaller) Call(_ context.Context, name string, _ map[string]any) dispatch.Result {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
	c.fired <- struct{}{}
	return c.result
}

func (c *fakeCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func okResult() dispatch.Result {
	return dispatch.Result{ID: "x", Value: "ok"}
}

func waitFired(t *testing.T, c *fakeCaller) {
	t.Helper()
	select {
	case <-c.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled call never fired")
	}
}

func TestScheduler_IntervalJobRepeats(t *testing.T) {
	caller := newFakeCaller(okResult())
	s, err := NewScheduler(caller, zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	job, err := s.Add(AddParams{
		Tool:    "cleanup",
		Spec:    Spec{Kind: KindEvery, Every: 50 * time.Millisecond},
		Enabled: true,
	})
	require.NoError(t, err)

	waitFired(t, caller)
	waitFired(t, caller)

	jobs := s.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, "ok", jobs[0].State.LastStatus)
	assert.NotNil(t, jobs[0].State.NextRun)
}

func TestScheduler_OneShotJobRetires(t *testing.T) {
	caller := newFakeCaller(okResult())
	s, err := NewScheduler(caller, zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	at := time.Now().Add(50 * time.Millisecond).Format(time.RFC3339Nano)
	_, err = s.Add(AddParams{
		Tool:    "report",
		Spec:    Spec{Kind: KindAt, At: at},
		Enabled: true,
	})
	require.NoError(t, err)

	waitFired(t, caller)

	assert.Eventually(t, func() bool { return len(s.List()) == 0 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, caller.callCount())
}

func TestScheduler_FailureTracked(t *testing.T) {
	caller := newFakeCaller(dispatch.Result{Failure: &dispatch.Failure{
		Kind:    dispatch.FailTimeout,
		Message: "call to \"slow\" exceeded its deadline",
	}})
	s, err := NewScheduler(caller, zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Add(AddParams{
		Tool:    "slow",
		Spec:    Spec{Kind: KindEvery, Every: 50 * time.Millisecond},
		Enabled: true,
	})
	require.NoError(t, err)

	waitFired(t, caller)
	waitFired(t, caller)

	jobs := s.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "timeout", jobs[0].State.LastStatus)
	assert.GreaterOrEqual(t, jobs[0].State.ErrorStreak, 1)
}

func TestScheduler_DisabledJobDoesNotFire(t *testing.T) {
	caller := newFakeCaller(okResult())
	s, err := NewScheduler(caller, zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Add(AddParams{
		Tool: "cleanup",
		Spec: Spec{Kind: KindEvery, Every: 30 * time.Millisecond},
	})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, caller.callCount())
}

func TestScheduler_RemoveCancelsPendingRun(t *testing.T) {
	caller := newFakeCaller(okResult())
	s, err := NewScheduler(caller, zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	job, err := s.Add(AddParams{
		Tool:    "cleanup",
		Spec:    Spec{Kind: KindEvery, Every: 200 * time.Millisecond},
		Enabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Remove(job.ID))

	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, caller.callCount())

	assert.Error(t, s.Remove(job.ID))
}

func TestScheduler_RunFiresImmediately(t *testing.T) {
	caller := newFakeCaller(okResult())
	s, err := NewScheduler(caller, zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	job, err := s.Add(AddParams{
		Tool:    "cleanup",
		Spec:    Spec{Kind: KindEvery, Every: time.Hour},
		Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, s.Run(job.ID))
	waitFired(t, caller)
	assert.Error(t, s.Run("nope"))
}

func TestScheduler_PersistsAcrossRestart(t *testing.T) {
	store := filepath.Join(t.TempDir(), "jobs.json")
	caller := newFakeCaller(okResult())

	s, err := NewScheduler(caller, zerolog.Nop(), WithStorePath(store))
	require.NoError(t, err)
	_, err = s.Add(AddParams{
		Tool:    "cleanup",
		Args:    map[string]any{"older_than": "24h"},
		Spec:    Spec{Kind: KindEvery, Every: time.Hour},
		Enabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	restored, err := NewScheduler(caller, zerolog.Nop(), WithStorePath(store))
	require.NoError(t, err)
	defer restored.Stop()

	jobs := restored.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "cleanup", jobs[0].Tool)
	assert.Equal(t, map[string]any{"older_than": "24h"}, jobs[0].Args)
	assert.NotNil(t, jobs[0].State.NextRun)
}

func TestScheduler_AddRejectsBadSpec(t *testing.T) {
	s, err := NewScheduler(newFakeCaller(okResult()), zerolog.Nop())
	require.NoError(t, err)
	defer s.Stop()

	_, err = s.Add(AddParams{Tool: "x", Spec: Spec{Kind: KindEvery}})
	assert.Error(t, err)

	_, err = s.Add(AddParams{Spec: Spec{Kind: KindEvery, Every: time.Second}})
	assert.ErrorContains(t, err, "tool name")
}
