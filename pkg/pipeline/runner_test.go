package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hodei/pipelines/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReporter captures events and output for assertions
type recordingReporter struct {
	mu     sync.Mutex
	events []*types.ExecutionEvent
	output strings.Builder
}

func (r *recordingReporter) Event(ev *types.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingReporter) Output(stage, step, stream string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output.Write(data)
}

func (r *recordingReporter) kinds() []types.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recordingReporter) ofKind(kind types.EventKind) []*types.ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.ExecutionEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingReporter) stdout() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output.String()
}

func newTestRunner(rep Reporter) *Runner {
	return NewRunner(NewExecutorRegistry(), rep, RunnerConfig{CancelGrace: time.Second})
}

func run(t *testing.T, r *Runner, model *types.PipelineModel) *Result {
	t.Helper()
	return r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		Model:   model,
		WorkDir: t.TempDir(),
	})
}

func TestRunSequentialStages(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(rep)

	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{Name: "build", Steps: []*types.Step{shellStep("echo building")}},
		{Name: "test", Steps: []*types.Step{shellStep("echo testing")}},
	}})

	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.Unstable)
	require.Len(t, result.Stages, 2)
	assert.Equal(t, types.StageOutcomeSuccess, result.Stages[0].Outcome)

	assert.Equal(t, []types.EventKind{
		types.EventJobStarted,
		types.EventStageStarted,
		types.EventStageCompleted,
		types.EventStageStarted,
		types.EventStageCompleted,
	}, rep.kinds())
	assert.Contains(t, rep.stdout(), "building")
	assert.Contains(t, rep.stdout(), "testing")
}

func TestJobEnvironmentVisible(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(rep)
	t.Setenv("AGENT_TOOLING", "present")

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-42",
		WorkDir: t.TempDir(),
		Env:     map[string]string{"TARGET": "staging"},
		Params:  map[string]string{"VERSION": "1.2.3"},
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{Name: "s", Steps: []*types.Step{shellStep("echo $HODEI_JOB_ID $TARGET $VERSION $AGENT_TOOLING")}},
		}},
	})

	// The worker's own environment is the base layer; job env stacks on top
	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.Contains(t, rep.stdout(), "job-42 staging 1.2.3 present")
}

func TestStageFailureStopsPipeline(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(rep)

	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{Name: "build", Steps: []*types.Step{shellStep("exit 3")}},
		{Name: "never", Steps: []*types.Step{shellStep("echo unreachable")}},
	}})

	assert.Equal(t, types.JobStatusFailed, result.Status)
	require.NotNil(t, result.Failure)
	assert.Equal(t, types.FailureStepFailure, result.Failure.Kind)
	assert.Equal(t, 3, result.Failure.ExitCode)
	assert.Equal(t, types.FailureStepFailure.ExitCode(), result.ExitCode)

	// The second stage never ran
	require.Len(t, result.Stages, 1)
	assert.NotContains(t, rep.stdout(), "unreachable")
}

func TestWhenConditionSkipsStage(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(rep)

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		WorkDir: t.TempDir(),
		Params:  map[string]string{"BRANCH_NAME": "feature/x"},
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{
				Name:  "deploy",
				When:  &types.Condition{Kind: types.CondBranch, Branch: "main"},
				Steps: []*types.Step{shellStep("echo deploying")},
			},
		}},
	})

	assert.Equal(t, types.JobStatusCompleted, result.Status)
	require.Len(t, result.Stages, 1)
	assert.Equal(t, types.StageOutcomeSkipped, result.Stages[0].Outcome)
	assert.NotContains(t, rep.stdout(), "deploying")
}

func TestParallelStages(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(rep)
	dir := t.TempDir()

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		WorkDir: dir,
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{
				Name: "matrix",
				Parallel: []*types.Stage{
					{Name: "linux", Steps: []*types.Step{shellStep("touch linux.done")}},
					{Name: "arm", Steps: []*types.Step{shellStep("touch arm.done")}},
				},
			},
		}},
	})

	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.FileExists(t, filepath.Join(dir, "linux.done"))
	assert.FileExists(t, filepath.Join(dir, "arm.done"))

	kinds := rep.kinds()
	assert.Contains(t, kinds, types.EventParallelGroupStarted)
	assert.Contains(t, kinds, types.EventParallelGroupCompleted)
}

func TestParallelStageFailureFailsGroup(t *testing.T) {
	r := newTestRunner(&recordingReporter{})

	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{
			Name: "matrix",
			Parallel: []*types.Stage{
				{Name: "ok", Steps: []*types.Step{shellStep("true")}},
				{Name: "bad", Steps: []*types.Step{shellStep("exit 1")}},
			},
		},
	}})

	assert.Equal(t, types.JobStatusFailed, result.Status)
	assert.Equal(t, types.StageOutcomeFailed, result.Stages[0].Outcome)
}

func TestDirAndWithEnvScoping(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(rep)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		WorkDir: dir,
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{
				Name: "scoped",
				Steps: []*types.Step{
					{
						Kind: types.StepDir, Path: "sub",
						Children: []*types.Step{
							{
								Kind: types.StepWithEnv, Env: map[string]string{"MODE": "inner"},
								Children: []*types.Step{shellStep("echo $MODE > mode.txt")},
							},
						},
					},
					// Back outside the dir block, MODE is unset again
					shellStep("echo outer=$MODE"),
				},
			},
		}},
	})

	require.Equal(t, types.JobStatusCompleted, result.Status)
	data, err := os.ReadFile(filepath.Join(dir, "sub", "mode.txt"))
	require.NoError(t, err)
	assert.Equal(t, "inner\n", string(data))
	assert.Contains(t, rep.stdout(), "outer=\n")
}

func TestRetryEventuallySucceeds(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(rep)

	// Fails on the first attempt, succeeds once the marker exists
	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{
			Name: "flaky",
			Steps: []*types.Step{{
				Kind: types.StepRetry, Count: 2,
				Children: []*types.Step{shellStep("test -f marker || { touch marker; exit 1; }")},
			}},
		},
	}})

	assert.Equal(t, types.JobStatusCompleted, result.Status)
	// Two attempts ran, so two boundaries were announced
	assert.Len(t, rep.ofKind(types.EventRetryAttempt), 2)
}

func TestRetryAnnouncesEachAttempt(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(rep)

	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{
			Name: "flaky",
			Steps: []*types.Step{{
				Kind: types.StepRetry, Count: 2,
				Children: []*types.Step{shellStep("exit 1")},
			}},
		},
	}})

	assert.Equal(t, types.JobStatusFailed, result.Status)

	attempts := rep.ofKind(types.EventRetryAttempt)
	require.Len(t, attempts, 3)
	for i, ev := range attempts {
		assert.Equal(t, "flaky", ev.Stage)
		assert.Equal(t, strconv.Itoa(i+1), ev.Data["attempt"])
		assert.Equal(t, "3", ev.Data["of"])
	}
}

func TestRetryExhaustedFails(t *testing.T) {
	r := newTestRunner(&recordingReporter{})

	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{
			Name: "flaky",
			Steps: []*types.Step{{
				Kind: types.StepRetry, Count: 1,
				Children: []*types.Step{shellStep("exit 1")},
			}},
		},
	}})

	assert.Equal(t, types.JobStatusFailed, result.Status)
	assert.Equal(t, types.FailureStepFailure, result.Failure.Kind)
}

func TestWarnErrorDegradesToUnstable(t *testing.T) {
	r := newTestRunner(&recordingReporter{})

	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{
			Name: "lint",
			Steps: []*types.Step{{
				Kind:     types.StepWarnError,
				Children: []*types.Step{shellStep("exit 1")},
			}},
		},
		{Name: "after", Steps: []*types.Step{shellStep("echo still running")}},
	}})

	// Unstable does not stop the pipeline
	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.True(t, result.Unstable)
	assert.Equal(t, types.StageOutcomeUnstable, result.Stages[0].Outcome)
	assert.Equal(t, types.StageOutcomeSuccess, result.Stages[1].Outcome)
}

func TestTimeoutStepFails(t *testing.T) {
	r := newTestRunner(&recordingReporter{})

	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{
			Name: "slow",
			Steps: []*types.Step{{
				Kind: types.StepTimeout, Duration: 100 * time.Millisecond,
				Children: []*types.Step{shellStep("sleep 10")},
			}},
		},
	}})

	assert.Equal(t, types.JobStatusFailed, result.Status)
	require.NotNil(t, result.Failure)
	assert.Equal(t, types.FailureTimeout, result.Failure.Kind)
}

func TestJobTimeout(t *testing.T) {
	r := newTestRunner(&recordingReporter{})

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		WorkDir: t.TempDir(),
		Timeout: 100 * time.Millisecond,
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{Name: "slow", Steps: []*types.Step{shellStep("sleep 10")}},
		}},
	})

	assert.Equal(t, types.JobStatusFailed, result.Status)
	require.NotNil(t, result.Failure)
	assert.Equal(t, types.FailureTimeout, result.Failure.Kind)
}

func TestCancellation(t *testing.T) {
	r := newTestRunner(&recordingReporter{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result := r.Run(ctx, &RunSpec{
		JobID:   "job-1",
		WorkDir: t.TempDir(),
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{Name: "slow", Steps: []*types.Step{shellStep("sleep 10")}},
		}},
	})

	assert.Equal(t, types.JobStatusCancelled, result.Status)
	assert.Equal(t, types.FailureCancelled.ExitCode(), result.ExitCode)
}

func TestPostAlwaysRunsAfterCancellation(t *testing.T) {
	r := newTestRunner(&recordingReporter{})
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result := r.Run(ctx, &RunSpec{
		JobID:   "job-1",
		WorkDir: dir,
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{
				Name:  "slow",
				Steps: []*types.Step{shellStep("sleep 10")},
				Post: &types.PostBlocks{
					Failure: []*types.Step{shellStep("touch failure.ran")},
					Always:  []*types.Step{shellStep("touch always.ran")},
				},
			},
		}},
	})

	assert.Equal(t, types.JobStatusCancelled, result.Status)
	assert.FileExists(t, filepath.Join(dir, "always.ran"))
	assert.NoFileExists(t, filepath.Join(dir, "failure.ran"))
}

func TestPostBlocks(t *testing.T) {
	r := newTestRunner(&recordingReporter{})
	dir := t.TempDir()

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		WorkDir: dir,
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{
				Name:  "good",
				Steps: []*types.Step{shellStep("true")},
				Post: &types.PostBlocks{
					Success: []*types.Step{shellStep("touch success.ran")},
					Failure: []*types.Step{shellStep("touch failure.ran")},
					Always:  []*types.Step{shellStep("touch always1.ran")},
				},
			},
			{
				Name:  "bad",
				Steps: []*types.Step{shellStep("exit 1")},
				Post: &types.PostBlocks{
					Success: []*types.Step{shellStep("touch success2.ran")},
					Failure: []*types.Step{shellStep("touch failure2.ran")},
					Always:  []*types.Step{shellStep("touch always2.ran")},
				},
			},
		}},
	})

	assert.Equal(t, types.JobStatusFailed, result.Status)
	assert.FileExists(t, filepath.Join(dir, "success.ran"))
	assert.NoFileExists(t, filepath.Join(dir, "failure.ran"))
	assert.FileExists(t, filepath.Join(dir, "always1.ran"))
	assert.NoFileExists(t, filepath.Join(dir, "success2.ran"))
	assert.FileExists(t, filepath.Join(dir, "failure2.ran"))
	assert.FileExists(t, filepath.Join(dir, "always2.ran"))
}

func TestPostChangedFiresOnOutcomeFlip(t *testing.T) {
	r := newTestRunner(&recordingReporter{})
	dir := t.TempDir()

	model := &types.PipelineModel{Stages: []*types.Stage{
		{
			Name:  "build",
			Steps: []*types.Step{shellStep("true")},
			Post: &types.PostBlocks{
				Changed: []*types.Step{shellStep("touch changed.ran")},
			},
		},
	}}

	// The stage failed last run and succeeds now: changed fires
	result := r.Run(context.Background(), &RunSpec{
		JobID:        "job-1",
		WorkDir:      dir,
		Model:        model,
		PrevOutcomes: map[string]types.StageOutcome{"build": types.StageOutcomeFailed},
	})
	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.FileExists(t, filepath.Join(dir, "changed.ran"))

	// Same outcome as last run: nothing changed
	dir2 := t.TempDir()
	result = r.Run(context.Background(), &RunSpec{
		JobID:        "job-2",
		WorkDir:      dir2,
		Model:        model,
		PrevOutcomes: map[string]types.StageOutcome{"build": types.StageOutcomeSuccess},
	})
	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.NoFileExists(t, filepath.Join(dir2, "changed.ran"))

	// No prior run to compare against: changed never fires
	dir3 := t.TempDir()
	result = r.Run(context.Background(), &RunSpec{JobID: "job-3", WorkDir: dir3, Model: model})
	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.NoFileExists(t, filepath.Join(dir3, "changed.ran"))
}

func TestFailingPostStepFailsSuccessfulStage(t *testing.T) {
	r := newTestRunner(&recordingReporter{})

	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{
			Name:  "good",
			Steps: []*types.Step{shellStep("true")},
			Post:  &types.PostBlocks{Always: []*types.Step{shellStep("exit 1")}},
		},
	}})

	assert.Equal(t, types.JobStatusFailed, result.Status)
}

func TestSkippedProducerFailsRequiringStage(t *testing.T) {
	r := newTestRunner(&recordingReporter{})

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		WorkDir: t.TempDir(),
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{
				Name:     "build",
				When:     &types.Condition{Kind: types.CondBranch, Branch: "main"}, // No BRANCH_NAME set
				Produces: []string{"bin"},
				Steps:    []*types.Step{shellStep("true")},
			},
			{Name: "deploy", Requires: []string{"bin"}, Steps: []*types.Step{shellStep("true")}},
		}},
	})

	assert.Equal(t, types.JobStatusFailed, result.Status)
	require.NotNil(t, result.Failure)
	assert.Equal(t, types.FailureMissingArtifact, result.Failure.Kind)
}

func TestArchiveStep(t *testing.T) {
	r := newTestRunner(&recordingReporter{})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.bin"), []byte("binary"), 0o644))

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		WorkDir: dir,
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{Name: "package", Steps: []*types.Step{{Kind: types.StepArchive, Pattern: "*.bin"}}},
		}},
	})

	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.FileExists(t, filepath.Join(dir, ".hodei", "artifacts", "package.tar.gz"))
}

func TestPublishTestResultsUnstable(t *testing.T) {
	r := newTestRunner(&recordingReporter{})
	dir := t.TempDir()
	junit := `<testsuite tests="3" failures="1"><testcase name="a"/></testsuite>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.xml"), []byte(junit), 0o644))

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		WorkDir: dir,
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{Name: "test", Steps: []*types.Step{{Kind: types.StepPublishTestResults, Pattern: "*.xml"}}},
		}},
	})

	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.True(t, result.Unstable)
	assert.Equal(t, types.StageOutcomeUnstable, result.Stages[0].Outcome)
}

func TestUnknownExtensionFailsBeforeExecution(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(rep)

	result := run(t, r, &types.PipelineModel{Stages: []*types.Stage{
		{Name: "s", Steps: []*types.Step{{
			Kind: types.StepExtension, Extension: "docker", Action: "build",
		}}},
	}})

	assert.Equal(t, types.JobStatusFailed, result.Status)
	assert.Equal(t, types.FailureInvalidDefinition, result.Failure.Kind)
	// Nothing started
	assert.Empty(t, rep.kinds())
}

// stubExtension records invocations
type stubExtension struct {
	calls []string
}

func (s *stubExtension) Actions() []string { return []string{"build"} }

func (s *stubExtension) Execute(ctx context.Context, action string, params map[string]string, sc *StepContext) error {
	s.calls = append(s.calls, action+":"+params["image"])
	return nil
}

func TestRegisteredExtensionRuns(t *testing.T) {
	reg := NewExecutorRegistry()
	ext := &stubExtension{}
	reg.RegisterExtension("docker", ext)
	r := NewRunner(reg, NopReporter{}, RunnerConfig{})

	result := r.Run(context.Background(), &RunSpec{
		JobID:   "job-1",
		WorkDir: t.TempDir(),
		Model: &types.PipelineModel{Stages: []*types.Stage{
			{Name: "s", Steps: []*types.Step{{
				Kind: types.StepExtension, Extension: "docker", Action: "build",
				Params: map[string]string{"image": "app:latest"},
			}}},
		}},
	})

	assert.Equal(t, types.JobStatusCompleted, result.Status)
	assert.Equal(t, []string{"build:app:latest"}, ext.calls)
}
