// Package config carries the kernel's typed options surface: gate
// severities, evidence-mode tolerances, VM dispatcher limits, and
// scratch-schema timeouts. Loading (env/file/CLI) is explicitly out of
// scope here — a caller populates a Config and passes it to whichever
// component needs it.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/semregistry/kernel/pkg/resolution"
)

// GateConfig tunes the publish gate pipeline.
type GateConfig struct {
	// Enforce mirrors gates.Run's enforce flag: true short-circuits on
	// the first Block failure, false collects every outcome.
	Enforce bool

	// DemotionRequiresRole names a role for governed→operational
	// demotion. No component reads it: gates.GovernanceTierCompatible
	// accepts any non-empty Candidate.DemotionToken.
	DemotionRequiresRole string `validate:"omitempty,min=1"`
}

// EvidenceConfig tunes Context Resolution's evidence-freshness gap
// detection (spec.md §4.5 step 9).
type EvidenceConfig struct {
	// DefaultMode is used when a resolution request doesn't pin one.
	DefaultMode resolution.EvidenceMode `validate:"required,oneof=strict normal exploratory governance"`

	// MaxEvidenceAge is a validated default evidence age. No component
	// reads it: resolution takes each attribute's maximum age from its
	// EvidenceRequirement.
	MaxEvidenceAge time.Duration `validate:"required,gt=0"`
}

// VMConfig tunes the workflow VM dispatcher (C8).
type VMConfig struct {
	// MaxConcurrentInstances bounds the dispatcher's semaphore.Weighted
	// pool — spec.md §5's "small pool" the one-task-per-instance model
	// is multiplexed over.
	MaxConcurrentInstances int64 `validate:"required,gt=0"`

	// MaxCycleTimerFires is a default fire cap for cyclic boundary
	// timers (compiler.CycleSpec.MaxFires). No component reads it; the
	// VM treats an unset MaxFires as 1.
	MaxCycleTimerFires int `validate:"required,gt=0"`

	// InstructionTimeout is a validated per-job wait bound. No component
	// reads it; an ExecNative job wait ends only on completion, a
	// boundary-timer race, or ctx cancellation.
	InstructionTimeout time.Duration `validate:"required,gt=0"`
}

// ScratchSchemaConfig tunes C5's dry-run scratch store.
type ScratchSchemaConfig struct {
	// Timeout is a validated bound for a dry_run's scratch-schema
	// replay. No component reads it; a dry_run runs until it finishes or
	// its ctx is done.
	Timeout time.Duration `validate:"required,gt=0"`
}

// OutboxConfig tunes C9's projector worker.
type OutboxConfig struct {
	// PollInterval is how long the worker waits between empty-outbox
	// polls (projector.Worker.PollInterval).
	PollInterval time.Duration `validate:"required,gt=0"`
}

// Config is the kernel's full set of runtime tunables.
type Config struct {
	Gate     GateConfig
	Evidence EvidenceConfig      `validate:"required"`
	VM       VMConfig            `validate:"required"`
	Scratch  ScratchSchemaConfig `validate:"required"`
	Outbox   OutboxConfig        `validate:"required"`
}

// DefaultConfig returns a Config with conservative defaults for every
// tunable, ready to use as-is or selectively overridden by the caller
// before Validate.
func DefaultConfig() Config {
	return Config{
		Gate: GateConfig{Enforce: true},
		Evidence: EvidenceConfig{
			DefaultMode:    resolution.Normal,
			MaxEvidenceAge: 24 * time.Hour,
		},
		VM: VMConfig{
			MaxConcurrentInstances: 64,
			MaxCycleTimerFires:     10,
			InstructionTimeout:     30 * time.Second,
		},
		Scratch: ScratchSchemaConfig{Timeout: 2 * time.Minute},
		Outbox:  OutboxConfig{PollInterval: 50 * time.Millisecond},
	}
}

var cfgValidator = validator.New()

// Validate reports whether c satisfies every struct tag above.
func (c Config) Validate() error {
	return cfgValidator.Struct(c)
}
