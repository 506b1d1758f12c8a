// Package rotation orders or samples a pool of sending accounts under a
// configured strategy. Every strategy is a pure function of the pool
// snapshot and the inputs passed in, so each is independently testable.
package rotation

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/foxzi/drip/internal/store"
)

// Strategy selects how accounts are ordered for dispatch
type Strategy string

const (
	RoundRobin  Strategy = "round_robin"
	Weighted    Strategy = "weighted"
	Priority    Strategy = "priority"
	HealthBased Strategy = "health_based"
	Hybrid      Strategy = "hybrid"
)

// ParseStrategy validates a strategy name; empty defaults to hybrid
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, Weighted, Priority, HealthBased, Hybrid:
		return Strategy(s), nil
	case "":
		return Hybrid, nil
	}
	return "", fmt.Errorf("unknown rotation strategy %q", s)
}

// Candidate is an account plus its current rate-limit headroom
type Candidate struct {
	Account         *store.EmailAccount
	DailyRemaining  int
	HourlyRemaining int
}

// Inputs carries the per-call state a strategy may need
type Inputs struct {
	// LastUsedAccountID is the account from the most recent rotation-log
	// entry for the organization; round_robin resumes after it.
	LastUsedAccountID string

	// Rand drives the weighted and hybrid draws. Must be non-nil for
	// those strategies; tests seed it for determinism.
	Rand *rand.Rand
}

// Select returns an ordered slice of at most required candidates
func Select(pool []Candidate, required int, strategy Strategy, in Inputs) ([]Candidate, error) {
	if required <= 0 || len(pool) == 0 {
		return nil, nil
	}
	if required > len(pool) {
		required = len(pool)
	}

	switch strategy {
	case RoundRobin:
		return selectRoundRobin(pool, required, in.LastUsedAccountID), nil
	case Weighted:
		if in.Rand == nil {
			return nil, fmt.Errorf("weighted strategy requires a random source")
		}
		return selectWeighted(pool, required, in.Rand), nil
	case Priority:
		return selectSorted(pool, required, func(a, b Candidate) bool {
			return a.Account.RotationPriority > b.Account.RotationPriority
		}), nil
	case HealthBased:
		return selectSorted(pool, required, func(a, b Candidate) bool {
			return a.Account.HealthScore > b.Account.HealthScore
		}), nil
	case Hybrid:
		if in.Rand == nil {
			return nil, fmt.Errorf("hybrid strategy requires a random source")
		}
		return selectHybrid(pool, required, in.Rand), nil
	}
	return nil, fmt.Errorf("unknown rotation strategy %q", strategy)
}

// selectRoundRobin resumes after the last used account and wraps modulo
// pool size
func selectRoundRobin(pool []Candidate, required int, lastUsed string) []Candidate {
	start := 0
	if lastUsed != "" {
		for i, c := range pool {
			if c.Account.ID == lastUsed {
				start = i + 1
				break
			}
		}
	}

	out := make([]Candidate, 0, required)
	for i := 0; i < required; i++ {
		out = append(out, pool[(start+i)%len(pool)])
	}
	return out
}

// selectWeighted is single-pass weighted random sampling without
// replacement: draw uniform(0, Σweight) and walk cumulative weights
func selectWeighted(pool []Candidate, required int, rng *rand.Rand) []Candidate {
	pending := make([]Candidate, len(pool))
	copy(pending, pool)

	out := make([]Candidate, 0, required)
	for len(out) < required && len(pending) > 0 {
		var total float64
		for _, c := range pending {
			total += weightOf(c)
		}

		draw := rng.Float64() * total
		idx := len(pending) - 1
		var cum float64
		for i, c := range pending {
			cum += weightOf(c)
			if draw < cum {
				idx = i
				break
			}
		}

		out = append(out, pending[idx])
		pending = append(pending[:idx], pending[idx+1:]...)
	}
	return out
}

func weightOf(c Candidate) float64 {
	if c.Account.RotationWeight > 0 {
		return c.Account.RotationWeight
	}
	return 1
}

func selectSorted(pool []Candidate, required int, less func(a, b Candidate) bool) []Candidate {
	sorted := make([]Candidate, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	return sorted[:required]
}

// selectHybrid ranks accounts by a composite quality score, shortlists the
// top 1.5x candidates, then draws uniformly at random without replacement.
// The random tail makes the send pattern harder to fingerprint while the
// shortlist keeps the draw quality-biased.
func selectHybrid(pool []Candidate, required int, rng *rand.Rand) []Candidate {
	sorted := make([]Candidate, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compositeScore(sorted[i]) > compositeScore(sorted[j])
	})

	shortlist := int(math.Ceil(1.5 * float64(required)))
	if shortlist > len(sorted) {
		shortlist = len(sorted)
	}
	top := sorted[:shortlist]

	out := make([]Candidate, 0, required)
	for _, i := range rng.Perm(len(top))[:required] {
		out = append(out, top[i])
	}
	return out
}

// compositeScore balances priority, health, remaining capacity and weight
func compositeScore(c Candidate) float64 {
	a := c.Account

	capacity := 1.0
	maxLimit := a.DailyLimit
	if a.HourlyLimit > maxLimit {
		maxLimit = a.HourlyLimit
	}
	if maxLimit > 0 {
		minRemaining := c.DailyRemaining
		if c.HourlyRemaining < minRemaining {
			minRemaining = c.HourlyRemaining
		}
		capacity = float64(minRemaining) / float64(maxLimit)
		if capacity > 1 {
			capacity = 1
		}
		if capacity < 0 {
			capacity = 0
		}
	}

	return 0.3*(float64(a.RotationPriority)/10) +
		0.4*(float64(a.HealthScore)/100) +
		0.2*capacity +
		0.1*(a.RotationWeight/10)
}
