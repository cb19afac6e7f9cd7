package types

import "time"

// PipelineModel is the executable form of a pipeline consumed by workers.
// It is produced externally from a DSL; this package only models the result.
type PipelineModel struct {
	Stages []*Stage
}

// Stage is an ordered, named section of a pipeline
type Stage struct {
	Name     string
	When     *Condition // Evaluated before the stage body; false means SKIPPED
	Agent    string     // Optional override hint, informational only
	Steps    []*Step
	Parallel []*Stage // When set, Steps must be empty and children run concurrently
	Post     *PostBlocks
	Produces []string // Artifact names published by this stage
	Requires []string // Artifact names that must come from strictly earlier stages
}

// PostBlocks holds steps executed after a stage's main body, by outcome
type PostBlocks struct {
	Always   []*Step
	Success  []*Step
	Failure  []*Step
	Unstable []*Step
	Changed  []*Step // Runs when the outcome differs from the previous attempt
}

// StepKind identifies a step variant
type StepKind string

const (
	StepShell              StepKind = "shell"
	StepScript             StepKind = "script"
	StepArchive            StepKind = "archive"
	StepPublishTestResults StepKind = "publishTestResults"
	StepExtension          StepKind = "extension"
	StepParallelGroup      StepKind = "parallelGroup"
	StepDir                StepKind = "dir"
	StepWithEnv            StepKind = "withEnv"
	StepTimeout            StepKind = "timeout"
	StepRetry              StepKind = "retry"
	StepWarnError          StepKind = "warnError"
)

// Step is a tagged union over the executable step variants. Exactly the
// fields of the tagged kind are meaningful; the rest stay zero.
type Step struct {
	Kind StepKind

	Command string // shell
	Content string // script
	Pattern string // archive, publishTestResults

	Extension string            // extension: registered executor name
	Action    string            // extension: action within the executor
	Params    map[string]string // extension

	Path     string            // dir
	Env      map[string]string // withEnv
	Duration time.Duration     // timeout
	Count    int               // retry: additional attempts

	Children []*Step // parallelGroup, dir, withEnv, timeout, retry, warnError
}

// Container reports whether the step wraps child steps.
func (s *Step) Container() bool {
	switch s.Kind {
	case StepParallelGroup, StepDir, StepWithEnv, StepTimeout, StepRetry, StepWarnError:
		return true
	}
	return false
}

// ConditionKind identifies a condition tree node
type ConditionKind string

const (
	CondBranch     ConditionKind = "branch"
	CondTag        ConditionKind = "tag"
	CondEnv        ConditionKind = "env"
	CondExpression ConditionKind = "expression"
	CondAllOf      ConditionKind = "allOf"
	CondAnyOf      ConditionKind = "anyOf"
	CondNot        ConditionKind = "not"
)

// Condition is a node in a stage's when tree
type Condition struct {
	Kind       ConditionKind
	Branch     string // branch
	Pattern    string // tag: glob pattern
	Key        string // env
	Value      string // env
	Expression string // expression

	Children []*Condition // allOf, anyOf, not
}

// StageOutcome is the result of one stage execution attempt
type StageOutcome string

const (
	StageOutcomeSuccess  StageOutcome = "success"
	StageOutcomeFailed   StageOutcome = "failed"
	StageOutcomeUnstable StageOutcome = "unstable"
	StageOutcomeSkipped  StageOutcome = "skipped"
)
