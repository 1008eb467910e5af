// Package experiments implements deterministic A/B assignment of users
// to prompt variants, with an error-rate guard that pauses a misbehaving
// experiment and routes its traffic back to control.
package experiments

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/guanpeibj/family-ai-assistant/internal/observability"
)

// Experiment statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Defaults for the error-rate guard.
const (
	DefaultWindowSize   = 50
	DefaultMaxErrorRate = 0.30
)

// Allocation maps a contiguous percentage band to a variant. Bands are
// laid out in declaration order; users hash into [0,100).
type Allocation struct {
	Variant string `yaml:"variant" json:"variant"`
	Percent int    `yaml:"percent" json:"percent"`
}

// Experiment declares one A/B test over prompt variants.
type Experiment struct {
	ID          string       `yaml:"id" json:"id"`
	Status      string       `yaml:"status" json:"status"`
	Control     string       `yaml:"control" json:"control"`
	Allocations []Allocation `yaml:"allocations" json:"allocations"`

	// Channels restricts the experiment; empty means all channels.
	Channels []string `yaml:"channels,omitempty" json:"channels,omitempty"`

	// WindowSize and MaxErrorRate tune the pause guard.
	WindowSize   int     `yaml:"window_size,omitempty" json:"window_size,omitempty"`
	MaxErrorRate float64 `yaml:"max_error_rate,omitempty" json:"max_error_rate,omitempty"`
}

// Validate checks the allocation bands fit in 100%.
func (e *Experiment) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("experiment id must not be empty")
	}
	if e.Control == "" {
		return fmt.Errorf("experiment %s: control variant must be set", e.ID)
	}
	total := 0
	for _, a := range e.Allocations {
		if a.Percent < 0 {
			return fmt.Errorf("experiment %s: negative allocation for %s", e.ID, a.Variant)
		}
		total += a.Percent
	}
	if total > 100 {
		return fmt.Errorf("experiment %s: allocations sum to %d%%", e.ID, total)
	}
	return nil
}

// runtimeExperiment adds the mutable error window to the static config.
type runtimeExperiment struct {
	Experiment

	mu      sync.Mutex
	window  []bool // true = error
	next    int
	filled  int
	errored int
}

// Assignment is the result of routing one user.
type Assignment struct {
	ExperimentID string
	Variant      string

	// Treatment is false when the user landed on control (by hash,
	// channel filter, or pause).
	Treatment bool
}

// Assigner routes users to variants. Assignment is a pure function of
// (user_id, experiment_id) except for the pause guard.
type Assigner struct {
	mu          sync.RWMutex
	experiments []*runtimeExperiment
	logger      *observability.Logger
}

// NewAssigner creates an assigner over the declared experiments.
func NewAssigner(experiments []Experiment, logger *observability.Logger) (*Assigner, error) {
	rts := make([]*runtimeExperiment, 0, len(experiments))
	for _, e := range experiments {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if e.WindowSize <= 0 {
			e.WindowSize = DefaultWindowSize
		}
		if e.MaxErrorRate <= 0 {
			e.MaxErrorRate = DefaultMaxErrorRate
		}
		rts = append(rts, &runtimeExperiment{
			Experiment: e,
			window:     make([]bool, e.WindowSize),
		})
	}
	return &Assigner{experiments: rts, logger: logger}, nil
}

// Bucket returns the stable hash bucket in [0,100) for one user and
// experiment. Same input, same bucket, across processes.
func Bucket(userID, experimentID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte(":"))
	h.Write([]byte(experimentID))
	return int(h.Sum32() % 100)
}

// Assign routes a user on a channel to a variant. The first active
// experiment matching the channel wins; with none, fallback names the
// variant to use.
func (a *Assigner) Assign(userID, channel, fallback string) Assignment {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, e := range a.experiments {
		e.mu.Lock()
		status := e.Status
		e.mu.Unlock()
		if status != StatusActive || !e.matchesChannel(channel) {
			continue
		}

		bucket := Bucket(userID, e.ID)
		variant := e.variantForBucket(bucket)
		if variant == "" || variant == e.Control {
			return Assignment{ExperimentID: e.ID, Variant: e.Control}
		}
		return Assignment{ExperimentID: e.ID, Variant: variant, Treatment: true}
	}
	return Assignment{Variant: fallback}
}

// RecordOutcome feeds the error-rate guard for treatment traffic. When
// the rolling error rate over a full window crosses the threshold, the
// experiment pauses and subsequent traffic falls back to control.
func (a *Assigner) RecordOutcome(ctx context.Context, assignment Assignment, failed bool) {
	if assignment.ExperimentID == "" || !assignment.Treatment {
		return
	}

	a.mu.RLock()
	var target *runtimeExperiment
	for _, e := range a.experiments {
		if e.ID == assignment.ExperimentID {
			target = e
			break
		}
	}
	a.mu.RUnlock()
	if target == nil {
		return
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if target.Status != StatusActive {
		return
	}

	if target.window[target.next] {
		target.errored--
	}
	target.window[target.next] = failed
	if failed {
		target.errored++
	}
	target.next = (target.next + 1) % len(target.window)
	if target.filled < len(target.window) {
		target.filled++
	}

	if target.filled < len(target.window) {
		return
	}
	rate := float64(target.errored) / float64(target.filled)
	if rate > target.MaxErrorRate {
		target.Status = StatusPaused
		if a.logger != nil {
			a.logger.Warn(ctx, "experiment.paused",
				"experiment_id", target.ID, "error_rate", rate)
		}
	}
}

func (e *runtimeExperiment) matchesChannel(channel string) bool {
	if len(e.Channels) == 0 {
		return true
	}
	for _, c := range e.Channels {
		if strings.EqualFold(c, channel) {
			return true
		}
	}
	return false
}

// variantForBucket walks the allocation bands; buckets past the last
// band fall to control.
func (e *runtimeExperiment) variantForBucket(bucket int) string {
	edge := 0
	for _, a := range e.Allocations {
		edge += a.Percent
		if bucket < edge {
			return a.Variant
		}
	}
	return e.Control
}

// Status reports an experiment's current status, for health output.
func (a *Assigner) Status(experimentID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.experiments {
		if e.ID == experimentID {
			e.mu.Lock()
			status := e.Status
			e.mu.Unlock()
			return status, true
		}
	}
	return "", false
}
