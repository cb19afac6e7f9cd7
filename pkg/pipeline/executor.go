package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hodei/pipelines/pkg/types"
)

// StepContext is everything a leaf step needs to run
type StepContext struct {
	JobID    string
	Stage    string
	StepName string
	WorkDir  string
	Env      []string // os.Environ form, fully merged
	Grace    time.Duration

	Stdout io.Writer
	Stderr io.Writer
}

// StepExecutor runs one leaf step kind. A returned *types.Failure is
// surfaced as-is; any other error is classified as a step failure.
type StepExecutor interface {
	Execute(ctx context.Context, step *types.Step, sc *StepContext) error
}

// ExtensionExecutor handles extension steps for one registered extension
// name, dispatched by action.
type ExtensionExecutor interface {
	Actions() []string
	Execute(ctx context.Context, action string, params map[string]string, sc *StepContext) error
}

// ExecutorRegistry resolves step kinds and extension names to executors.
// Registration happens at worker start; resolution failures at dispatch time
// mean the assignment asked for something this worker does not carry.
type ExecutorRegistry struct {
	mu         sync.RWMutex
	steps      map[types.StepKind]StepExecutor
	extensions map[string]ExtensionExecutor
}

// NewExecutorRegistry creates a registry pre-loaded with the built-in step
// executors.
func NewExecutorRegistry() *ExecutorRegistry {
	r := &ExecutorRegistry{
		steps:      make(map[types.StepKind]StepExecutor),
		extensions: make(map[string]ExtensionExecutor),
	}
	r.RegisterStep(types.StepShell, &shellExecutor{})
	r.RegisterStep(types.StepScript, &scriptExecutor{})
	r.RegisterStep(types.StepArchive, &archiveExecutor{})
	r.RegisterStep(types.StepPublishTestResults, &testResultsExecutor{})
	return r
}

// RegisterStep binds an executor to a step kind
func (r *ExecutorRegistry) RegisterStep(kind types.StepKind, ex StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[kind] = ex
}

// RegisterExtension binds an executor to an extension name
func (r *ExecutorRegistry) RegisterExtension(name string, ex ExtensionExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[name] = ex
}

// Resolve returns the executor for a leaf step, or an error naming what is
// missing. Extension steps also verify the action is offered.
func (r *ExecutorRegistry) Resolve(step *types.Step) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if step.Kind == types.StepExtension {
		ext, ok := r.extensions[step.Extension]
		if !ok {
			return nil, fmt.Errorf("extension %q not registered", step.Extension)
		}
		for _, action := range ext.Actions() {
			if action == step.Action {
				return &extensionStep{ext: ext}, nil
			}
		}
		return nil, fmt.Errorf("extension %q has no action %q", step.Extension, step.Action)
	}

	ex, ok := r.steps[step.Kind]
	if !ok {
		return nil, fmt.Errorf("no executor for step kind %q", step.Kind)
	}
	return ex, nil
}

// CheckModel verifies every leaf step in the model resolves against this
// registry. Workers run it on assignment receipt, before starting anything.
func (r *ExecutorRegistry) CheckModel(m *types.PipelineModel) error {
	for _, stage := range m.Stages {
		if err := r.checkStage(stage); err != nil {
			return err
		}
	}
	return nil
}

func (r *ExecutorRegistry) checkStage(stage *types.Stage) error {
	for _, child := range stage.Parallel {
		if err := r.checkStage(child); err != nil {
			return err
		}
	}
	steps := append([]*types.Step{}, stage.Steps...)
	if stage.Post != nil {
		steps = append(steps, stage.Post.Always...)
		steps = append(steps, stage.Post.Success...)
		steps = append(steps, stage.Post.Failure...)
		steps = append(steps, stage.Post.Unstable...)
		steps = append(steps, stage.Post.Changed...)
	}
	for _, step := range steps {
		if err := r.checkStep(stage.Name, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *ExecutorRegistry) checkStep(stageName string, step *types.Step) error {
	if step.Container() {
		for _, child := range step.Children {
			if err := r.checkStep(stageName, child); err != nil {
				return err
			}
		}
		return nil
	}
	if _, err := r.Resolve(step); err != nil {
		return fmt.Errorf("stage %q: %w", stageName, err)
	}
	return nil
}

// extensionStep adapts an ExtensionExecutor to the StepExecutor contract
type extensionStep struct {
	ext ExtensionExecutor
}

func (e *extensionStep) Execute(ctx context.Context, step *types.Step, sc *StepContext) error {
	return e.ext.Execute(ctx, step.Action, step.Params, sc)
}
