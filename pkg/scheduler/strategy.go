package scheduler

import (
	"fmt"
	"math"
	"sync"

	"github.com/hodei/pipelines/pkg/types"
)

// Candidate is one pool that passed the filter phase for a job. Util may be
// nil when the pool has never been sampled; Stale marks snapshots older than
// the registry's grace window. Candidates are handed to strategies sorted
// lexically by pool id, so a strategy that picks the first best item is
// deterministic.
type Candidate struct {
	Pool     *types.ResourcePool
	Util     *types.PoolUtilization
	Template *types.WorkerTemplate
	Stale    bool
}

// remainingSlots is the pool's headroom under maxWorkers
func (c *Candidate) remainingSlots() int {
	active := 0
	if c.Util != nil {
		active = c.Util.ActiveWorkers
	}
	return c.Pool.MaxWorkers - active
}

// loadScore is the weighted utilization of the pool, higher meaning busier.
// Stale or never-sampled pools score as fully loaded.
func (c *Candidate) loadScore(w LeastLoadedWeights) float64 {
	if c.Stale || c.Util == nil {
		return math.MaxFloat64
	}
	workerPct := 0.0
	if c.Pool.MaxWorkers > 0 {
		workerPct = 100 * float64(c.Util.ActiveWorkers) / float64(c.Pool.MaxWorkers)
	}
	return w.CPU*c.Util.CPUPct + w.Memory*c.Util.MemoryPct + w.Workers*workerPct
}

// Strategy ranks candidate pools for a job and picks one, or nil when no
// candidate is acceptable.
type Strategy interface {
	Name() string
	Select(job *types.Job, candidates []*Candidate) *Candidate
}

// LeastLoadedWeights tunes the utilization dimensions of the least-loaded
// score. Zero values default to 1.
type LeastLoadedWeights struct {
	CPU     float64
	Memory  float64
	Workers float64
}

func (w LeastLoadedWeights) normalized() LeastLoadedWeights {
	if w.CPU == 0 {
		w.CPU = 1
	}
	if w.Memory == 0 {
		w.Memory = 1
	}
	if w.Workers == 0 {
		w.Workers = 1
	}
	return w
}

// Strategy names accepted by NewStrategy
const (
	StrategyRoundRobin    = "round-robin"
	StrategyLeastLoaded   = "least-loaded"
	StrategyGreedyBestFit = "greedy-best-fit"
	StrategyBinPacking    = "bin-packing"
)

// NewStrategy builds a strategy by name
func NewStrategy(name string, weights LeastLoadedWeights) (Strategy, error) {
	switch name {
	case "", StrategyRoundRobin:
		return &roundRobin{}, nil
	case StrategyLeastLoaded:
		return &leastLoaded{weights: weights.normalized()}, nil
	case StrategyGreedyBestFit:
		return &greedyBestFit{}, nil
	case StrategyBinPacking:
		return &binPacking{weights: weights.normalized()}, nil
	}
	return nil, fmt.Errorf("unknown placement strategy: %s", name)
}

// roundRobin rotates over candidates across selections
type roundRobin struct {
	mu     sync.Mutex
	cursor int
}

func (s *roundRobin) Name() string { return StrategyRoundRobin }

func (s *roundRobin) Select(job *types.Job, candidates []*Candidate) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pick := candidates[s.cursor%len(candidates)]
	s.cursor++
	return pick
}

// leastLoaded picks the candidate with the lowest weighted utilization.
// Ties fall to the lexically first pool; stale pools lose to any fresh one.
type leastLoaded struct {
	weights LeastLoadedWeights
}

func (s *leastLoaded) Name() string { return StrategyLeastLoaded }

func (s *leastLoaded) Select(job *types.Job, candidates []*Candidate) *Candidate {
	// MaxFloat64 scores still beat the Inf seed, so an all-stale candidate
	// set resolves to the lexically first pool rather than stalling
	var best *Candidate
	bestScore := math.Inf(1)
	for _, c := range candidates {
		if score := c.loadScore(s.weights); score < bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// greedyBestFit picks the candidate with the least remaining headroom that
// still fits the job, leaving larger pools free for bigger jobs.
type greedyBestFit struct{}

func (s *greedyBestFit) Name() string { return StrategyGreedyBestFit }

func (s *greedyBestFit) Select(job *types.Job, candidates []*Candidate) *Candidate {
	var best *Candidate
	bestSlots := math.MaxInt
	for _, c := range candidates {
		slots := c.remainingSlots()
		if slots <= 0 {
			continue
		}
		if slots < bestSlots {
			best = c
			bestSlots = slots
		}
	}
	return best
}

// binPacking concentrates work: the busiest pool that still has headroom wins
type binPacking struct {
	weights LeastLoadedWeights
}

func (s *binPacking) Name() string { return StrategyBinPacking }

func (s *binPacking) Select(job *types.Job, candidates []*Candidate) *Candidate {
	var best *Candidate
	bestScore := math.Inf(-1)
	for _, c := range candidates {
		if c.remainingSlots() <= 0 {
			continue
		}
		score := c.loadScore(s.weights)
		if score == math.MaxFloat64 {
			// Stale pools pack last
			score = -1
		}
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}
