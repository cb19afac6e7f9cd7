package pipeline

import (
	"fmt"

	"github.com/hodei/pipelines/pkg/types"
)

// ValidateModel checks a pipeline model structurally before a job is
// accepted: stage naming, step shapes, condition trees and artifact
// topology. Returns an InvalidDefinition failure describing the first
// problem found.
func ValidateModel(m *types.PipelineModel) error {
	if m == nil || len(m.Stages) == 0 {
		return types.NewFailure(types.FailureInvalidDefinition, "pipeline has no stages")
	}

	seen := make(map[string]bool, len(m.Stages))
	produced := make(map[string]bool)
	for _, stage := range m.Stages {
		if err := validateStage(stage, seen, false); err != nil {
			return err
		}
		// Requires must name artifacts from strictly earlier stages
		for _, name := range stage.Requires {
			if !produced[name] {
				return types.NewFailure(types.FailureInvalidDefinition,
					"stage %q requires artifact %q not produced by an earlier stage", stage.Name, name)
			}
		}
		for _, name := range stage.Produces {
			produced[name] = true
		}
	}
	return nil
}

func validateStage(stage *types.Stage, seen map[string]bool, nested bool) error {
	if stage.Name == "" {
		return types.NewFailure(types.FailureInvalidDefinition, "stage without a name")
	}
	if seen[stage.Name] {
		return types.NewFailure(types.FailureInvalidDefinition, "duplicate stage name %q", stage.Name)
	}
	seen[stage.Name] = true

	if len(stage.Parallel) > 0 {
		if len(stage.Steps) > 0 {
			return types.NewFailure(types.FailureInvalidDefinition,
				"stage %q mixes steps with a parallel block", stage.Name)
		}
		if nested {
			return types.NewFailure(types.FailureInvalidDefinition,
				"stage %q nests parallel blocks", stage.Name)
		}
		for _, child := range stage.Parallel {
			if err := validateStage(child, seen, true); err != nil {
				return err
			}
		}
	} else if len(stage.Steps) == 0 {
		return types.NewFailure(types.FailureInvalidDefinition, "stage %q has no steps", stage.Name)
	}

	if stage.When != nil {
		if err := validateCondition(stage.Name, stage.When); err != nil {
			return err
		}
	}
	for _, step := range stage.Steps {
		if err := validateStep(stage.Name, step); err != nil {
			return err
		}
	}
	if stage.Post != nil {
		for _, steps := range [][]*types.Step{
			stage.Post.Always, stage.Post.Success, stage.Post.Failure,
			stage.Post.Unstable, stage.Post.Changed,
		} {
			for _, step := range steps {
				if err := validateStep(stage.Name, step); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func validateStep(stageName string, step *types.Step) error {
	fail := func(format string, args ...interface{}) error {
		return types.NewFailure(types.FailureInvalidDefinition,
			"stage %q: %s", stageName, fmt.Sprintf(format, args...))
	}

	switch step.Kind {
	case types.StepShell:
		if step.Command == "" {
			return fail("shell step without a command")
		}
	case types.StepScript:
		if step.Content == "" {
			return fail("script step without content")
		}
	case types.StepArchive, types.StepPublishTestResults:
		if step.Pattern == "" {
			return fail("%s step without a pattern", step.Kind)
		}
	case types.StepExtension:
		if step.Extension == "" || step.Action == "" {
			return fail("extension step needs executor and action")
		}
	case types.StepDir:
		if step.Path == "" {
			return fail("dir step without a path")
		}
	case types.StepWithEnv:
		if len(step.Env) == 0 {
			return fail("withEnv step without variables")
		}
	case types.StepTimeout:
		if step.Duration <= 0 {
			return fail("timeout step without a duration")
		}
	case types.StepRetry:
		if step.Count < 1 {
			return fail("retry step needs a positive count")
		}
	case types.StepParallelGroup, types.StepWarnError:
		// Only children to check
	default:
		return fail("unknown step kind %q", step.Kind)
	}

	if step.Container() {
		if len(step.Children) == 0 {
			return fail("%s step without children", step.Kind)
		}
		for _, child := range step.Children {
			if err := validateStep(stageName, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateCondition(stageName string, cond *types.Condition) error {
	fail := func(format string, args ...interface{}) error {
		return types.NewFailure(types.FailureInvalidDefinition,
			"stage %q when: %s", stageName, fmt.Sprintf(format, args...))
	}

	switch cond.Kind {
	case types.CondBranch:
		if cond.Branch == "" {
			return fail("branch condition without a branch")
		}
	case types.CondTag:
		if cond.Pattern == "" {
			return fail("tag condition without a pattern")
		}
	case types.CondEnv:
		if cond.Key == "" {
			return fail("env condition without a key")
		}
	case types.CondExpression:
		if cond.Expression == "" {
			return fail("expression condition without an expression")
		}
	case types.CondAllOf, types.CondAnyOf:
		if len(cond.Children) == 0 {
			return fail("%s condition without children", cond.Kind)
		}
	case types.CondNot:
		if len(cond.Children) != 1 {
			return fail("not condition needs exactly one child")
		}
	default:
		return fail("unknown condition kind %q", cond.Kind)
	}

	for _, child := range cond.Children {
		if err := validateCondition(stageName, child); err != nil {
			return err
		}
	}
	return nil
}
