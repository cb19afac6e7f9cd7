package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hodei/pipelines/pkg/types"
)

const (
	// DefaultMaxParallel bounds concurrent branches in parallel stages and
	// parallel step groups
	DefaultMaxParallel = 4

	// DefaultCancelGrace is how long an interrupted process may wind down
	// before the hard kill
	DefaultCancelGrace = 30 * time.Second
)

// RunSpec is one job execution request for the interpreter
type RunSpec struct {
	JobID   string
	Model   *types.PipelineModel
	WorkDir string
	Env     map[string]string
	Params  map[string]string
	Timeout time.Duration // Overall job timeout (0 = none)

	// PrevOutcomes seeds per-stage outcomes from an earlier run of the same
	// job, keyed by stage name. A stage whose outcome differs from its seed
	// triggers the post.changed block; without a seed the block never fires,
	// since every stage runs at most once per run.
	PrevOutcomes map[string]types.StageOutcome
}

// StageSummary records how one top-level stage went
type StageSummary struct {
	Name     string
	Outcome  types.StageOutcome
	Duration time.Duration
}

// Result is the interpreter's terminal report for a job
type Result struct {
	Status   types.JobStatus
	ExitCode int
	Unstable bool
	Failure  *types.Failure
	Stages   []StageSummary
}

// RunnerConfig tunes the interpreter
type RunnerConfig struct {
	MaxParallel int
	CancelGrace time.Duration
}

// Runner interprets pipeline models: sequential stages, parallel branches,
// nested container steps, post blocks and when conditions.
type Runner struct {
	executors *ExecutorRegistry
	reporter  Reporter
	mux       *outputMux

	maxParallel int
	grace       time.Duration
}

// NewRunner creates a runner reporting through r
func NewRunner(executors *ExecutorRegistry, reporter Reporter, cfg RunnerConfig) *Runner {
	if reporter == nil {
		reporter = NopReporter{}
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	return &Runner{
		executors:   executors,
		reporter:    reporter,
		mux:         newOutputMux(reporter),
		maxParallel: cfg.MaxParallel,
		grace:       cfg.CancelGrace,
	}
}

// runState is the mutable state threaded through one run. Parallel child
// stages share it, so access goes through the mutex.
type runState struct {
	jobID string

	mu           sync.Mutex
	produced     map[string]bool
	prevOutcomes map[string]types.StageOutcome
}

func (st *runState) markProduced(names []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, name := range names {
		st.produced[name] = true
	}
}

func (st *runState) hasProduced(name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.produced[name]
}

func (st *runState) setOutcome(stage string, outcome types.StageOutcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.prevOutcomes[stage] = outcome
}

func (st *runState) lastOutcome(stage string) (types.StageOutcome, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	outcome, ok := st.prevOutcomes[stage]
	return outcome, ok
}

// Run executes the model to completion, cancellation or failure. Stages run
// in order; the first failed stage stops the pipeline after its post blocks.
func (r *Runner) Run(ctx context.Context, spec *RunSpec) *Result {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	if err := r.executors.CheckModel(spec.Model); err != nil {
		failure := types.NewFailure(types.FailureInvalidDefinition, "%v", err)
		return &Result{Status: types.JobStatusFailed, ExitCode: failure.Kind.ExitCode(), Failure: failure}
	}

	env := baseEnv(spec)
	st := &runState{
		jobID:        spec.JobID,
		produced:     make(map[string]bool),
		prevOutcomes: make(map[string]types.StageOutcome, len(spec.PrevOutcomes)),
	}
	for stage, outcome := range spec.PrevOutcomes {
		st.prevOutcomes[stage] = outcome
	}

	r.event(&types.ExecutionEvent{JobID: spec.JobID, Kind: types.EventJobStarted})

	result := &Result{Status: types.JobStatusCompleted}
	for _, stage := range spec.Model.Stages {
		outcome, failure := r.runStage(ctx, st, spec, stage, env, spec.WorkDir)
		result.Stages = append(result.Stages, StageSummary{Name: stage.Name, Outcome: outcome})

		if err := ctx.Err(); err != nil {
			return r.interrupted(err, spec, result)
		}
		switch outcome {
		case types.StageOutcomeFailed:
			if failure == nil {
				failure = types.NewFailure(types.FailureStepFailure, "stage %s failed", stage.Name)
			}
			result.Status = types.JobStatusFailed
			result.Failure = failure
			result.ExitCode = failure.Kind.ExitCode()
			return result
		case types.StageOutcomeUnstable:
			result.Unstable = true
		}
	}
	return result
}

// interrupted classifies a context interruption: job timeout or cancellation
func (r *Runner) interrupted(err error, spec *RunSpec, result *Result) *Result {
	if errors.Is(err, context.DeadlineExceeded) {
		failure := types.NewFailure(types.FailureTimeout,
			"job exceeded its execution timeout of %s", spec.Timeout)
		result.Status = types.JobStatusFailed
		result.Failure = failure
		result.ExitCode = failure.Kind.ExitCode()
		return result
	}
	result.Status = types.JobStatusCancelled
	result.ExitCode = types.FailureCancelled.ExitCode()
	return result
}

func (r *Runner) runStage(ctx context.Context, st *runState, spec *RunSpec,
	stage *types.Stage, env map[string]string, workDir string) (types.StageOutcome, *types.Failure) {

	if !EvalCondition(stage.When, env) {
		r.event(&types.ExecutionEvent{
			JobID: st.jobID, Kind: types.EventStageCompleted, Stage: stage.Name,
			Data: map[string]string{"outcome": string(types.StageOutcomeSkipped)},
		})
		st.setOutcome(stage.Name, types.StageOutcomeSkipped)
		return types.StageOutcomeSkipped, nil
	}

	for _, req := range stage.Requires {
		if !st.hasProduced(req) {
			failure := types.NewFailure(types.FailureMissingArtifact,
				"stage %s requires artifact %q which was not produced", stage.Name, req)
			failure.Stage = stage.Name
			r.event(&types.ExecutionEvent{
				JobID: st.jobID, Kind: types.EventStageFailed, Stage: stage.Name,
				Message: failure.Message,
			})
			st.setOutcome(stage.Name, types.StageOutcomeFailed)
			return types.StageOutcomeFailed, failure
		}
	}

	r.event(&types.ExecutionEvent{JobID: st.jobID, Kind: types.EventStageStarted, Stage: stage.Name})
	start := time.Now()

	var outcome types.StageOutcome
	var failure *types.Failure
	if len(stage.Parallel) > 0 {
		outcome, failure = r.runParallelStages(ctx, st, spec, stage, env, workDir)
	} else {
		outcome, failure = r.runStageBody(ctx, st, stage, env, workDir)
	}

	outcome = r.runPost(ctx, st, stage, outcome, env, workDir)
	st.setOutcome(stage.Name, outcome)

	switch outcome {
	case types.StageOutcomeFailed:
		r.event(&types.ExecutionEvent{
			JobID: st.jobID, Kind: types.EventStageFailed, Stage: stage.Name,
			Data: map[string]string{"duration": time.Since(start).String()},
		})
	default:
		r.event(&types.ExecutionEvent{
			JobID: st.jobID, Kind: types.EventStageCompleted, Stage: stage.Name,
			Data: map[string]string{
				"outcome":  string(outcome),
				"duration": time.Since(start).String(),
			},
		})
		st.markProduced(stage.Produces)
	}
	return outcome, failure
}

// runParallelStages executes child stages concurrently with bounded width.
// The first failing child cancels its siblings.
func (r *Runner) runParallelStages(ctx context.Context, st *runState, spec *RunSpec,
	stage *types.Stage, env map[string]string, workDir string) (types.StageOutcome, *types.Failure) {

	r.event(&types.ExecutionEvent{JobID: st.jobID, Kind: types.EventParallelGroupStarted, Stage: stage.Name})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)

	outcomes := make([]types.StageOutcome, len(stage.Parallel))
	failures := make([]*types.Failure, len(stage.Parallel))
	for i, child := range stage.Parallel {
		g.Go(func() error {
			outcome, failure := r.runStage(gctx, st, spec, child, env, workDir)
			outcomes[i] = outcome
			failures[i] = failure
			if outcome == types.StageOutcomeFailed {
				return fmt.Errorf("stage %s failed", child.Name)
			}
			return nil
		})
	}
	g.Wait()

	r.event(&types.ExecutionEvent{JobID: st.jobID, Kind: types.EventParallelGroupCompleted, Stage: stage.Name})

	worst := types.StageOutcomeSuccess
	var failure *types.Failure
	for i, outcome := range outcomes {
		switch outcome {
		case types.StageOutcomeFailed:
			if failure == nil {
				failure = failures[i]
			}
			worst = types.StageOutcomeFailed
		case types.StageOutcomeUnstable:
			if worst != types.StageOutcomeFailed {
				worst = types.StageOutcomeUnstable
			}
		}
	}
	return worst, failure
}

func (r *Runner) runStageBody(ctx context.Context, st *runState, stage *types.Stage,
	env map[string]string, workDir string) (types.StageOutcome, *types.Failure) {

	unstable := false
	for i, step := range stage.Steps {
		err := r.runStep(ctx, st, stage.Name, stepName(step, i), step, env, workDir)
		switch {
		case err == nil:
		case errors.Is(err, errUnstable):
			unstable = true
		case ctx.Err() != nil:
			return types.StageOutcomeFailed, types.ClassifyFailure(ctx.Err())
		default:
			failure := types.ClassifyFailure(err)
			if failure.Stage == "" {
				failure.Stage = stage.Name
			}
			return types.StageOutcomeFailed, failure
		}
	}
	if unstable {
		return types.StageOutcomeUnstable, nil
	}
	return types.StageOutcomeSuccess, nil
}

// runPost executes the stage's post blocks for the given outcome. A failing
// post step degrades the stage: a successful stage becomes failed, an
// unstable one stays unstable.
func (r *Runner) runPost(ctx context.Context, st *runState, stage *types.Stage,
	outcome types.StageOutcome, env map[string]string, workDir string) types.StageOutcome {

	if stage.Post == nil || outcome == types.StageOutcomeSkipped {
		return outcome
	}

	pctx := ctx
	var blocks [][]*types.Step
	if ctx.Err() != nil {
		// Cancellation or timeout interrupted the stage: the always block
		// still runs, detached from the dead context and bounded by the
		// grace window
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.grace)
		defer cancel()
		blocks = append(blocks, stage.Post.Always)
	} else {
		switch outcome {
		case types.StageOutcomeSuccess:
			blocks = append(blocks, stage.Post.Success)
		case types.StageOutcomeFailed:
			blocks = append(blocks, stage.Post.Failure)
		case types.StageOutcomeUnstable:
			blocks = append(blocks, stage.Post.Unstable)
		}
		if prev, ok := st.lastOutcome(stage.Name); ok && prev != outcome {
			blocks = append(blocks, stage.Post.Changed)
		}
		blocks = append(blocks, stage.Post.Always)
	}

	for _, block := range blocks {
		for i, step := range block {
			err := r.runStep(pctx, st, stage.Name, "post:"+stepName(step, i), step, env, workDir)
			if err != nil && !errors.Is(err, errUnstable) && outcome == types.StageOutcomeSuccess {
				outcome = types.StageOutcomeFailed
			}
		}
	}
	return outcome
}

// runStep executes one step, recursing through container kinds
func (r *Runner) runStep(ctx context.Context, st *runState, stage, name string,
	step *types.Step, env map[string]string, workDir string) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	switch step.Kind {
	case types.StepDir:
		return r.runChildren(ctx, st, stage, name, step.Children, env, filepath.Join(workDir, step.Path))

	case types.StepWithEnv:
		overlay := make(map[string]string, len(env)+len(step.Env))
		for k, v := range env {
			overlay[k] = v
		}
		for k, v := range step.Env {
			overlay[k] = v
		}
		return r.runChildren(ctx, st, stage, name, step.Children, overlay, workDir)

	case types.StepTimeout:
		tctx, cancel := context.WithTimeout(ctx, step.Duration)
		defer cancel()
		err := r.runChildren(tctx, st, stage, name, step.Children, env, workDir)
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			failure := types.NewFailure(types.FailureTimeout,
				"stage %s: step block exceeded %s", stage, step.Duration)
			failure.Stage = stage
			return failure
		}
		return err

	case types.StepRetry:
		var err error
		for attempt := 0; attempt <= step.Count; attempt++ {
			// Each attempt boundary is visible in the event log even though
			// the intermediate failures themselves are swallowed
			r.event(&types.ExecutionEvent{
				JobID: st.jobID, Kind: types.EventRetryAttempt, Stage: stage, Step: name,
				Data: map[string]string{
					"attempt": strconv.Itoa(attempt + 1),
					"of":      strconv.Itoa(step.Count + 1),
				},
			})
			err = r.runChildren(ctx, st, stage, name, step.Children, env, workDir)
			if err == nil || errors.Is(err, errUnstable) || ctx.Err() != nil {
				return err
			}
		}
		return err

	case types.StepWarnError:
		if err := r.runChildren(ctx, st, stage, name, step.Children, env, workDir); err != nil {
			if ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(r.stepWriter(stage, name, "stderr"), "warning: %v\n", err)
			return errUnstable
		}
		return nil

	case types.StepParallelGroup:
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.maxParallel)
		var unstable atomic.Bool
		for i, child := range step.Children {
			g.Go(func() error {
				err := r.runStep(gctx, st, stage, fmt.Sprintf("%s.%d", name, i), child, env, workDir)
				if errors.Is(err, errUnstable) {
					unstable.Store(true)
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if unstable.Load() {
			return errUnstable
		}
		return nil
	}

	ex, err := r.executors.Resolve(step)
	if err != nil {
		return err
	}
	sc := &StepContext{
		JobID:    st.jobID,
		Stage:    stage,
		StepName: name,
		WorkDir:  workDir,
		Env:      environList(env),
		Grace:    r.grace,
		Stdout:   r.stepWriter(stage, name, "stdout"),
		Stderr:   r.stepWriter(stage, name, "stderr"),
	}
	return ex.Execute(ctx, step, sc)
}

func (r *Runner) runChildren(ctx context.Context, st *runState, stage, name string,
	children []*types.Step, env map[string]string, workDir string) error {

	unstable := false
	for i, child := range children {
		err := r.runStep(ctx, st, stage, fmt.Sprintf("%s.%d", name, i), child, env, workDir)
		if errors.Is(err, errUnstable) {
			unstable = true
			continue
		}
		if err != nil {
			return err
		}
	}
	if unstable {
		return errUnstable
	}
	return nil
}

func (r *Runner) stepWriter(stage, step, stream string) *writer {
	return &writer{mux: r.mux, stage: stage, step: step, stream: stream}
}

func (r *Runner) event(event *types.ExecutionEvent) {
	event.Timestamp = time.Now()
	r.reporter.Event(event)
}

func stepName(step *types.Step, index int) string {
	return fmt.Sprintf("%s[%d]", step.Kind, index)
}

// baseEnv merges the job environment over the worker's process environment:
// parameters first, then explicit env, then the well-known job variables.
// Later entries win.
func baseEnv(spec *RunSpec) map[string]string {
	env := make(map[string]string, len(spec.Params)+len(spec.Env)+2)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range spec.Params {
		env[k] = v
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	env["HODEI_JOB_ID"] = spec.JobID
	env["WORKSPACE"] = spec.WorkDir
	return env
}

func environList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
