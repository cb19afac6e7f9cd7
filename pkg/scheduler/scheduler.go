package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/hodei/pipelines/pkg/log"
	"github.com/hodei/pipelines/pkg/metrics"
	"github.com/hodei/pipelines/pkg/queue"
	"github.com/hodei/pipelines/pkg/registry"
	"github.com/hodei/pipelines/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultTickInterval is the periodic scheduling cadence. Submissions and
// worker releases also trigger ticks, so this is a backstop for retries.
const DefaultTickInterval = time.Second

// PlaceFunc hands a placed job to the execution engine. An error leaves the
// job in its current state for a later tick.
type PlaceFunc func(job *types.Job, pool *types.ResourcePool) error

// EvictFunc is called for each job whose maxWaitTime expired in the queue
type EvictFunc func(job *types.Job)

// TemplateFunc resolves the provisioning template of a pool, nil when none
type TemplateFunc func(poolID string) *types.WorkerTemplate

// Scheduler matches queued jobs to resource pools. Ticks are serialized: one
// runs at a time no matter how many triggers fire, so two jobs can never race
// for the same capacity decision.
type Scheduler struct {
	queue    *queue.Queue
	pools    *registry.PoolRegistry
	strategy Strategy

	place       PlaceFunc
	evict       EvictFunc
	templateFor TemplateFunc

	interval time.Duration
	tickCh   chan struct{}
	stopCh   chan struct{}

	mu     sync.Mutex // Serializes tick execution
	logger zerolog.Logger
}

// Config tunes the scheduler
type Config struct {
	Strategy     string
	TickInterval time.Duration
	Weights      LeastLoadedWeights
}

// New creates a scheduler over the queue and pool registry
func New(q *queue.Queue, pools *registry.PoolRegistry, cfg Config) (*Scheduler, error) {
	strategy, err := NewStrategy(cfg.Strategy, cfg.Weights)
	if err != nil {
		return nil, err
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		queue:    q,
		pools:    pools,
		strategy: strategy,
		interval: interval,
		tickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("scheduler"),
	}, nil
}

// SetPlaceFunc wires the execution engine hand-off
func (s *Scheduler) SetPlaceFunc(fn PlaceFunc) { s.place = fn }

// SetEvictFunc wires the scheduling-timeout failure path
func (s *Scheduler) SetEvictFunc(fn EvictFunc) { s.evict = fn }

// SetTemplateFunc wires template resolution for resource fit checks
func (s *Scheduler) SetTemplateFunc(fn TemplateFunc) { s.templateFor = fn }

// Strategy returns the active strategy name
func (s *Scheduler) Strategy() string { return s.strategy.Name() }

// Tick requests a scheduling pass. Non-blocking; coalesces with a pending
// request.
func (s *Scheduler) Tick() {
	select {
	case s.tickCh <- struct{}{}:
	default:
	}
}

// Start begins the tick loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the tick loop
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunTick(time.Now())
		case <-s.tickCh:
			s.RunTick(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// RunTick performs one scheduling pass: evict expired jobs, then walk the
// queue in placement order and hand each placeable job to the engine.
// Exposed for tests to drive the clock.
func (s *Scheduler) RunTick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	if s.evict != nil {
		for _, job := range s.queue.Evict(now) {
			s.logger.Warn().Str("job_id", job.ID).Msg("job exceeded max wait time, evicting")
			s.evict(job)
		}
	}

	pools := s.pools.List()
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })

	for _, job := range s.queue.PeekEligible() {
		candidates := s.candidates(job, pools, now)
		if len(candidates) == 0 {
			continue
		}
		pick := s.strategy.Select(job, candidates)
		if pick == nil {
			continue
		}

		waitingSince := s.queue.WaitingSince(job.ID)
		if !s.queue.Remove(job.ID) {
			// Cancelled between peek and hand-off
			continue
		}

		if !waitingSince.IsZero() {
			metrics.SchedulingLatency.Observe(now.Sub(waitingSince).Seconds())
		}
		metrics.Placements.WithLabelValues(s.strategy.Name(), pick.Pool.ID).Inc()
		s.logger.Info().
			Str("job_id", job.ID).
			Str("pool_id", pick.Pool.ID).
			Str("strategy", s.strategy.Name()).
			Msg("job placed")

		if s.place != nil {
			if err := s.place(job, pick.Pool); err != nil {
				s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("placement hand-off failed")
			}
		}
	}
}

// candidates filters pools for a job: the pool's provider must be healthy,
// label expressions must hold against the pool's label set and the pool's
// template, when known, must cover the job's minimum resources. Stale pools
// stay in but are flagged for the strategy.
func (s *Scheduler) candidates(job *types.Job, pools []*types.ResourcePool, now time.Time) []*Candidate {
	var req *types.WorkerRequirements
	if job.Definition != nil {
		req = job.Definition.Requirements
	}

	var out []*Candidate
	for _, pool := range pools {
		if !s.pools.Healthy(pool.ID) {
			continue
		}
		if req != nil {
			ok, err := MatchLabels(req.Labels, pool.Labels)
			if err != nil {
				s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("bad label expression")
				return nil
			}
			if !ok {
				continue
			}
		}

		var tpl *types.WorkerTemplate
		if s.templateFor != nil {
			tpl = s.templateFor(pool.ID)
		}
		if tpl != nil && !tpl.Satisfies(req) {
			continue
		}

		util, _ := s.pools.Snapshot(pool.ID)
		out = append(out, &Candidate{
			Pool:     pool,
			Util:     util,
			Template: tpl,
			Stale:    s.pools.Stale(pool.ID, now),
		})
	}
	return out
}
