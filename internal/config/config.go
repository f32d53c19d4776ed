package config

import (
	"fmt"
	"time"
)

// Config is the runtime configuration for a spindle host
type Config struct {
	// Tools lists the worker binaries to register at startup
	Tools []ToolConfig `json:"tools" mapstructure:"tools"`

	// Worker tunes process lifecycle timing
	Worker WorkerConfig `json:"worker" mapstructure:"worker"`

	// Schedules lists recurring tool invocations run by the serve command
	Schedules []ScheduleConfig `json:"schedules" mapstructure:"schedules"`

	// Logging configures the host log
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Watch retires workers when their executable changes on disk
	Watch bool `json:"watch" mapstructure:"watch"`

	// MetricsAddr is the listen address of the Prometheus endpoint served
	// by the serve command; empty disables it
	MetricsAddr string `json:"metrics_addr" mapstructure:"metrics_addr"`
}

// ScheduleConfig describes one recurring tool invocation. Exactly one of
// Every, At or Cron selects the schedule kind.
type ScheduleConfig struct {
	Tool string         `json:"tool" mapstructure:"tool"`
	Args map[string]any `json:"args" mapstructure:"args"`

	Every time.Duration `json:"every" mapstructure:"every"`
	At    string        `json:"at" mapstructure:"at"`
	Cron  string        `json:"cron" mapstructure:"cron"`
	TZ    string        `json:"tz" mapstructure:"tz"`
}

// ToolConfig describes one external worker binary
type ToolConfig struct {
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	Env     []string `json:"env" mapstructure:"env"`

	// Eager spawns the worker at registration instead of on first call
	Eager bool `json:"eager" mapstructure:"eager"`
}

// WorkerConfig tunes worker lifecycle timing
type WorkerConfig struct {
	// StartupTimeout bounds the wait for a worker's ready handshake
	StartupTimeout time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`

	// GracePeriod is the wait between the shutdown message and SIGKILL
	GracePeriod time.Duration `json:"grace_period" mapstructure:"grace_period"`

	// CallTimeout bounds calls that carry no deadline of their own
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call_timeout"`

	// MaxFrameSize caps a single wire message in bytes
	MaxFrameSize int `json:"max_frame_size" mapstructure:"max_frame_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			StartupTimeout: 10 * time.Second,
			GracePeriod:    5 * time.Second,
			CallTimeout:    2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if tool.Command == "" {
			return fmt.Errorf("tools[%d] (%s): command is required", i, tool.Name)
		}
		if seen[tool.Name] {
			return fmt.Errorf("tools[%d]: duplicate tool name %q", i, tool.Name)
		}
		seen[tool.Name] = true
	}

	for i, sched := range c.Schedules {
		if sched.Tool == "" {
			return fmt.Errorf("schedules[%d]: tool is required", i)
		}
		set := 0
		if sched.Every > 0 {
			set++
		}
		if sched.At != "" {
			set++
		}
		if sched.Cron != "" {
			set++
		}
		if set != 1 {
			return fmt.Errorf("schedules[%d] (%s): exactly one of every, at or cron must be set", i, sched.Tool)
		}
	}

	if c.Worker.StartupTimeout < 0 {
		return fmt.Errorf("worker.startup_timeout must not be negative")
	}
	if c.Worker.GracePeriod < 0 {
		return fmt.Errorf("worker.grace_period must not be negative")
	}
	if c.Worker.CallTimeout < 0 {
		return fmt.Errorf("worker.call_timeout must not be negative")
	}
	if c.Worker.MaxFrameSize < 0 {
		return fmt.Errorf("worker.max_frame_size must not be negative")
	}
	return nil
}
