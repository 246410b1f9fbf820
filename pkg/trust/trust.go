// Package trust scores peers from interaction outcomes and ranks them for
// fan-out selection.
package trust

import (
	"errors"
	"time"

	"custodian-mesh/pkg/model"
)

// Config holds the tunable constants of the score update. Only the
// monotonicity and boundedness of the update are fixed; the numbers are an
// operator decision.
type Config struct {
	Initial     float64 `json:"initial" yaml:"initial"`
	Min         float64 `json:"min" yaml:"min"`
	Max         float64 `json:"max" yaml:"max"`
	SuccessRate float64 `json:"successRate" yaml:"success_rate"`
	FailureRate float64 `json:"failureRate" yaml:"failure_rate"`
	BlockAfter  int     `json:"blockAfter" yaml:"block_after"`
}

// Default starts peers at the midpoint of [0, 1] and blocks after three
// consecutive failures. Failures move the score twice as far as successes.
func Default() Config {
	return Config{
		Initial:     0.5,
		Min:         0,
		Max:         1,
		SuccessRate: 0.1,
		FailureRate: 0.2,
		BlockAfter:  3,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Min >= c.Max:
		return errors.New("trust: min must be below max")
	case c.Initial < c.Min || c.Initial > c.Max:
		return errors.New("trust: initial score outside [min, max]")
	case c.SuccessRate <= 0 || c.SuccessRate >= 1:
		return errors.New("trust: success rate must be in (0, 1)")
	case c.FailureRate <= 0 || c.FailureRate >= 1:
		return errors.New("trust: failure rate must be in (0, 1)")
	case c.BlockAfter < 1:
		return errors.New("trust: block threshold must be at least 1")
	}
	return nil
}

// Clamp forces score into [Min, Max].
func (c Config) Clamp(score float64) float64 {
	if score < c.Min {
		return c.Min
	}
	if score > c.Max {
		return c.Max
	}
	return score
}

// Next moves score a fixed fraction of the remaining distance toward Max on
// success or toward Min on failure, so steps shrink near either bound and a
// single failure cannot erase a long run of successes. Movement is strict
// until the step drops below float64 resolution; past that the score holds.
func (c Config) Next(score float64, succeeded bool) float64 {
	score = c.Clamp(score)
	if succeeded {
		return score + c.SuccessRate*(c.Max-score)
	}
	return score - c.FailureRate*(score-c.Min)
}

// Transition describes a status change caused by an outcome.
type Transition int

const (
	NoTransition Transition = iota
	BecameBlocked
	BecameActive
)

// Apply folds one interaction outcome into p.
func (c Config) Apply(p *model.Peer, succeeded bool, latency time.Duration, now time.Time) Transition {
	wasBlocked := p.Blocked()
	p.TrustScore = c.Next(p.TrustScore, succeeded)
	p.LastLatency = latency
	if succeeded {
		p.ConsecutiveFailures = 0
		p.TotalSuccesses++
		p.LastSeenAt = now
		p.Status = model.PeerActive
		if wasBlocked {
			return BecameActive
		}
		return NoTransition
	}
	p.ConsecutiveFailures++
	p.TotalFailures++
	if p.ConsecutiveFailures >= c.BlockAfter {
		p.Status = model.PeerBlocked
		if !wasBlocked {
			return BecameBlocked
		}
	}
	if p.Status == "" {
		p.Status = model.PeerActive
	}
	return NoTransition
}
