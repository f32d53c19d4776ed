// Package schedule runs recurring tool invocations: each job names a
// registered tool, its arguments, and a time specification, and the
// scheduler drives the calls through the dispatcher.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind selects how a job's run times are computed
type Kind string

const (
	// KindAt runs once at a fixed timestamp
	KindAt Kind = "at"

	// KindEvery runs on a fixed interval
	KindEvery Kind = "every"

	// KindCron runs per a 5-field cron expression
	KindCron Kind = "cron"
)

// Spec is a job's time specification. Exactly one of At, Every or Expr
// is set, matching Kind.
type Spec struct {
	Kind Kind `json:"kind"`

	// At is the RFC 3339 timestamp for one-shot jobs
	At string `json:"at,omitempty"`

	// Every is the interval between runs
	Every time.Duration `json:"every,omitempty"`

	// Anchor aligns interval runs to a fixed origin instead of the
	// scheduler's start time
	Anchor *time.Time `json:"anchor,omitempty"`

	// Expr is a 5-field cron expression
	Expr string `json:"expr,omitempty"`

	// TZ names the zone cron expressions evaluate in; empty means local
	TZ string `json:"tz,omitempty"`
}

// NextRun computes the first run time at or after now. A one-shot spec
// whose timestamp has passed returns an error rather than firing late.
func NextRun(spec Spec, now time.Time) (time.Time, error) {
	switch spec.Kind {
	case KindAt:
		return nextAt(spec, now)
	case KindEvery:
		return nextEvery(spec, now)
	case KindCron:
		return nextCron(spec, now)
	default:
		return time.Time{}, fmt.Errorf("schedule: unknown kind %q", spec.Kind)
	}
}

func nextAt(spec Spec, now time.Time) (time.Time, error) {
	if spec.At == "" {
		return time.Time{}, fmt.Errorf("schedule: %q spec requires an 'at' timestamp", KindAt)
	}
	t, err := time.Parse(time.RFC3339, spec.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule: invalid timestamp: %w", err)
	}
	if t.Before(now) {
		return time.Time{}, fmt.Errorf("schedule: timestamp %s is in the past", spec.At)
	}
	return t, nil
}

func nextEvery(spec Spec, now time.Time) (time.Time, error) {
	if spec.Every <= 0 {
		return time.Time{}, fmt.Errorf("schedule: %q spec requires a positive interval", KindEvery)
	}

	if spec.Anchor == nil {
		return now.Add(spec.Every), nil
	}

	anchor := *spec.Anchor
	if anchor.After(now) {
		return anchor, nil
	}

	// Next aligned tick after now
	elapsed := now.Sub(anchor)
	periods := elapsed/spec.Every + 1
	return anchor.Add(periods * spec.Every), nil
}

func nextCron(spec Spec, now time.Time) (time.Time, error) {
	if spec.Expr == "" {
		return time.Time{}, fmt.Errorf("schedule: %q spec requires an expression", KindCron)
	}

	expr := spec.Expr
	if spec.TZ != "" {
		if _, err := time.LoadLocation(spec.TZ); err != nil {
			return time.Time{}, fmt.Errorf("schedule: invalid timezone %q: %w", spec.TZ, err)
		}
		expr = "TZ=" + spec.TZ + " " + expr
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule: invalid cron expression %q: %w", spec.Expr, err)
	}
	return sched.Next(now), nil
}
