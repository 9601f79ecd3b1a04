/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package throttle provides load-adaptive admission shedding.
//
// AdaptiveThrottle maps the current load (queue depth ratio, consumer latency)
// to a load tier and admits items with a per-tier probability. Probabilistic
// shedding at the medium and high tiers avoids the oscillation a hard cutoff
// would produce at a tier boundary.
package throttle

import (
	"fmt"
	"math/rand"
	"time"
)

// Default thresholds and admission probabilities.
const (
	DefaultMediumThreshold = 0.5
	DefaultHighThreshold   = 0.85

	DefaultMediumProbability = 0.7
	DefaultHighProbability   = 0.25
)

// LoadSample is a point-in-time snapshot of the pipeline's load,
// recomputed from live metrics for every admission decision.
type LoadSample struct {
	Time               time.Time
	QueueDepthRatio    float64 // buffer occupancy / capacity, in [0, 1]
	AvgConsumerLatency time.Duration
}

// Tier is a load tier derived from a LoadSample.
type Tier int

// Load tiers.
const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

// String returns a string representation of the load tier.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Options represents options for AdaptiveThrottle.
// Zero fields are replaced with the package defaults.
type Options struct {
	// MediumThreshold and HighThreshold split the queue depth ratio into tiers:
	// [0, medium) is low, [medium, high) is medium, [high, 1] is high.
	MediumThreshold float64
	HighThreshold   float64

	// MediumProbability and HighProbability are the admission probabilities at the
	// corresponding tiers. The low tier always admits.
	MediumProbability float64
	HighProbability   float64

	// LatencyCeiling escalates the tier by one level when the average consumer
	// latency crosses it, regardless of occupancy. 0 disables latency escalation.
	LatencyCeiling time.Duration

	// RandFloat supplies values in [0, 1) for the admission coin-flip.
	// Defaults to math/rand. Intended for tests.
	RandFloat func() float64
}

// AdaptiveThrottle computes probabilistic admission decisions from load samples.
type AdaptiveThrottle struct {
	mediumThreshold float64
	highThreshold   float64
	mediumProb      float64
	highProb        float64
	latencyCeiling  time.Duration
	randFloat       func() float64
}

// New creates a new AdaptiveThrottle with default options.
func New() (*AdaptiveThrottle, error) {
	return NewWithOpts(Options{})
}

// NewWithOpts creates a new AdaptiveThrottle with the provided options.
func NewWithOpts(opts Options) (*AdaptiveThrottle, error) {
	if opts.MediumThreshold == 0 {
		opts.MediumThreshold = DefaultMediumThreshold
	}
	if opts.HighThreshold == 0 {
		opts.HighThreshold = DefaultHighThreshold
	}
	if opts.MediumProbability == 0 {
		opts.MediumProbability = DefaultMediumProbability
	}
	if opts.HighProbability == 0 {
		opts.HighProbability = DefaultHighProbability
	}
	if opts.RandFloat == nil {
		opts.RandFloat = rand.Float64
	}

	if opts.MediumThreshold < 0 || opts.MediumThreshold >= opts.HighThreshold || opts.HighThreshold > 1 {
		return nil, fmt.Errorf("thresholds should satisfy 0 <= medium < high <= 1, got medium=%v, high=%v",
			opts.MediumThreshold, opts.HighThreshold)
	}
	if opts.MediumProbability < 0 || opts.MediumProbability > 1 {
		return nil, fmt.Errorf("medium probability should be in [0, 1], got %v", opts.MediumProbability)
	}
	if opts.HighProbability < 0 || opts.HighProbability > 1 {
		return nil, fmt.Errorf("high probability should be in [0, 1], got %v", opts.HighProbability)
	}
	if opts.LatencyCeiling < 0 {
		return nil, fmt.Errorf("latency ceiling should not be negative, got %s", opts.LatencyCeiling)
	}

	return &AdaptiveThrottle{
		mediumThreshold: opts.MediumThreshold,
		highThreshold:   opts.HighThreshold,
		mediumProb:      opts.MediumProbability,
		highProb:        opts.HighProbability,
		latencyCeiling:  opts.LatencyCeiling,
		randFloat:       opts.RandFloat,
	}, nil
}

// TierFor maps a load sample to a tier. Crossing the latency ceiling escalates
// the occupancy-derived tier by one level, capturing the "buffer looks fine but
// consumers are slow" case that occupancy alone misses.
func (t *AdaptiveThrottle) TierFor(sample LoadSample) Tier {
	tier := TierLow
	switch {
	case sample.QueueDepthRatio >= t.highThreshold:
		tier = TierHigh
	case sample.QueueDepthRatio >= t.mediumThreshold:
		tier = TierMedium
	}
	if t.latencyCeiling > 0 && sample.AvgConsumerLatency > t.latencyCeiling && tier < TierHigh {
		tier++
	}
	return tier
}

// AdmissionProbability returns the probability with which items are admitted at the given tier.
func (t *AdaptiveThrottle) AdmissionProbability(tier Tier) float64 {
	switch tier {
	case TierMedium:
		return t.mediumProb
	case TierHigh:
		return t.highProb
	}
	return 1
}

// ShouldAdmit decides whether an item is admitted under the given load.
// At the medium and high tiers the decision is a weighted coin-flip.
func (t *AdaptiveThrottle) ShouldAdmit(sample LoadSample) bool {
	p := t.AdmissionProbability(t.TierFor(sample))
	if p >= 1 {
		return true
	}
	return t.randFloat() < p
}
