package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spindleworks/spindle/pkg/dispatch"
)

// Caller invokes a tool by name. *dispatch.Dispatcher satisfies it.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any) dispatch.Result
}

// JobState tracks one job's execution history
type JobState struct {
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"` // "ok" or a failure kind
	LastError   string     `json:"last_error,omitempty"`
	ErrorStreak int        `json:"error_streak,omitempty"`
}

// Job is one recurring tool invocation
type Job struct {
	ID      string         `json:"id"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Spec    Spec           `json:"spec"`
	Enabled bool           `json:"enabled"`
	Created time.Time      `json:"created"`
	State   JobState       `json:"state"`
}

// AddParams describes a new job
type AddParams struct {
	Tool    string
	Args    map[string]any
	Spec    Spec
	Enabled bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithStorePath persists jobs and their state as JSON at the given path
func WithStorePath(path string) Option {
	return func(s *Scheduler) { s.storePath = path }
}

// WithCallTimeout bounds each scheduled invocation
func WithCallTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.callTimeout = d }
}

// Scheduler fires jobs through a Caller. One-shot jobs are removed after
// a successful run; interval and cron jobs reschedule themselves.
type Scheduler struct {
	caller      Caller
	logger      zerolog.Logger
	storePath   string
	callTimeout time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	stopped bool
}

// NewScheduler creates a scheduler. Jobs persisted at the store path are
// loaded and rescheduled; one-shot jobs whose time passed while the host
// was down are dropped.
func NewScheduler(caller Caller, logger zerolog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		caller:      caller,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		callTimeout: 2 * time.Minute,
		jobs:        make(map[string]*Job),
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleLocked(job)
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	if count > 0 {
		s.logger.Info().Int("jobs", count).Msg("scheduler restored persisted jobs")
	}
	return s, nil
}

// Add registers a job and schedules it if enabled
func (s *Scheduler) Add(params AddParams) (*Job, error) {
	if params.Tool == "" {
		return nil, fmt.Errorf("schedule: job needs a tool name")
	}

	now := time.Now()
	next, err := NextRun(params.Spec, now)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:      uuid.NewString(),
		Tool:    params.Tool,
		Args:    params.Args,
		Spec:    params.Spec,
		Enabled: params.Enabled,
		Created: now,
		State:   JobState{NextRun: &next},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("schedule: scheduler is stopped")
	}

	s.jobs[job.ID] = job
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, job.ID)
		return nil, err
	}
	if job.Enabled {
		s.scheduleLocked(job)
	}

	s.logger.Info().Str("job_id", job.ID).Str("tool", job.Tool).Time("next_run", next).Msg("job added")
	return job, nil
}

// Remove deletes a job and cancels its pending run
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("schedule: no job %q", id)
	}
	s.cancelLocked(id)
	delete(s.jobs, id)
	if err := s.persistLocked(); err != nil {
		return err
	}

	s.logger.Info().Str("job_id", id).Msg("job removed")
	return nil
}

// Run fires a job immediately, regardless of its schedule
func (s *Scheduler) Run(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule: no job %q", id)
	}
	go s.execute(job.ID)
	return nil
}

// List returns all jobs ordered by creation time
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Created.Before(jobs[j].Created) })
	return jobs
}

// Stop cancels all pending runs and persists final state
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	for id := range s.timers {
		s.cancelLocked(id)
	}
	return s.persistLocked()
}

func (s *Scheduler) scheduleLocked(job *Job) {
	if job.State.NextRun == nil {
		return
	}
	delay := time.Until(*job.State.NextRun)
	if delay < 0 {
		delay = 0
	}

	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.execute(id) })
	s.logger.Debug().Str("job_id", id).Dur("delay", delay).Msg("job scheduled")
}

func (s *Scheduler) cancelLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// execute runs one job occurrence and reschedules or retires the job
func (s *Scheduler) execute(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	tool, args := job.Tool, job.Args
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
	start := time.Now()
	res := s.caller.Call(ctx, tool, args)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok = s.jobs[id]
	if !ok {
		return
	}

	job.State.LastRun = &start
	if res.Ok() {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		job.State.ErrorStreak = 0
	} else {
		job.State.LastStatus = string(res.Failure.Kind)
		job.State.LastError = res.Failure.Message
		job.State.ErrorStreak++
		s.logger.Warn().Str("job_id", id).Str("tool", tool).
			Int("error_streak", job.State.ErrorStreak).
			Str("failure", res.Failure.Error()).Msg("scheduled call failed")
	}

	if job.Spec.Kind == KindAt {
		// One-shot: retire whatever the outcome
		s.cancelLocked(id)
		delete(s.jobs, id)
		if err := s.persistLocked(); err != nil {
			s.logger.Error().Err(err).Msg("job store write failed")
		}
		return
	}

	next, err := NextRun(job.Spec, time.Now())
	if err != nil {
		s.logger.Error().Str("job_id", id).Err(err).Msg("next run not computable, job disabled")
		job.Enabled = false
		job.State.NextRun = nil
	} else {
		job.State.NextRun = &next
		if job.Enabled {
			s.scheduleLocked(job)
		}
	}

	if err := s.persistLocked(); err != nil {
		s.logger.Error().Err(err).Msg("job store write failed")
	}
}

// load reads persisted jobs, dropping any whose one-shot time has passed
func (s *Scheduler) load() error {
	if s.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.storePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("schedule: read job store: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("schedule: parse job store: %w", err)
	}

	now := time.Now()
	for _, job := range jobs {
		next, err := NextRun(job.Spec, now)
		if err != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("persisted job dropped")
			continue
		}
		job.State.NextRun = &next
		s.jobs[job.ID] = job
	}
	return nil
}

// persistLocked writes the job store with an atomic rename
func (s *Scheduler) persistLocked() error {
	if s.storePath == "" {
		return nil
	}

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Created.Before(jobs[j].Created) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("schedule: encode job store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return fmt.Errorf("schedule: create job store dir: %w", err)
	}

	tmp := s.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("schedule: write job store: %w", err)
	}
	if err := os.Rename(tmp, s.storePath); err != nil {
		return fmt.Errorf("schedule: replace job store: %w", err)
	}
	return nil
}
