package pipeline

import (
	"testing"
	"time"

	"github.com/hodei/pipelines/pkg/types"
	"github.com/stretchr/testify/assert"
)

func shellStep(cmd string) *types.Step {
	return &types.Step{Kind: types.StepShell, Command: cmd}
}

func TestValidateModel(t *testing.T) {
	tests := []struct {
		name    string
		model   *types.PipelineModel
		wantErr string
	}{
		{
			"nil model",
			nil,
			"no stages",
		},
		{
			"valid sequential",
			&types.PipelineModel{Stages: []*types.Stage{
				{Name: "build", Steps: []*types.Step{shellStep("make")}},
				{Name: "test", Steps: []*types.Step{shellStep("make test")}},
			}},
			"",
		},
		{
			"duplicate stage names",
			&types.PipelineModel{Stages: []*types.Stage{
				{Name: "build", Steps: []*types.Step{shellStep("make")}},
				{Name: "build", Steps: []*types.Step{shellStep("make")}},
			}},
			"duplicate stage name",
		},
		{
			"stage without steps",
			&types.PipelineModel{Stages: []*types.Stage{{Name: "empty"}}},
			"has no steps",
		},
		{
			"steps and parallel are exclusive",
			&types.PipelineModel{Stages: []*types.Stage{{
				Name:     "both",
				Steps:    []*types.Step{shellStep("make")},
				Parallel: []*types.Stage{{Name: "child", Steps: []*types.Step{shellStep("x")}}},
			}}},
			"mixes steps",
		},
		{
			"nested parallel",
			&types.PipelineModel{Stages: []*types.Stage{{
				Name: "outer",
				Parallel: []*types.Stage{{
					Name:     "inner",
					Parallel: []*types.Stage{{Name: "leaf", Steps: []*types.Step{shellStep("x")}}},
				}},
			}}},
			"nests parallel",
		},
		{
			"unknown step kind",
			&types.PipelineModel{Stages: []*types.Stage{
				{Name: "s", Steps: []*types.Step{{Kind: "teleport"}}},
			}},
			"unknown step kind",
		},
		{
			"retry without count",
			&types.PipelineModel{Stages: []*types.Stage{
				{Name: "s", Steps: []*types.Step{{Kind: types.StepRetry, Children: []*types.Step{shellStep("x")}}}},
			}},
			"positive count",
		},
		{
			"timeout without duration",
			&types.PipelineModel{Stages: []*types.Stage{
				{Name: "s", Steps: []*types.Step{{Kind: types.StepTimeout, Children: []*types.Step{shellStep("x")}}}},
			}},
			"without a duration",
		},
		{
			"container without children",
			&types.PipelineModel{Stages: []*types.Stage{
				{Name: "s", Steps: []*types.Step{{Kind: types.StepRetry, Count: 2}}},
			}},
			"without children",
		},
		{
			"artifact from earlier stage",
			&types.PipelineModel{Stages: []*types.Stage{
				{Name: "build", Produces: []string{"bin"}, Steps: []*types.Step{shellStep("make")}},
				{Name: "deploy", Requires: []string{"bin"}, Steps: []*types.Step{shellStep("scp")}},
			}},
			"",
		},
		{
			"artifact from later stage",
			&types.PipelineModel{Stages: []*types.Stage{
				{Name: "deploy", Requires: []string{"bin"}, Steps: []*types.Step{shellStep("scp")}},
				{Name: "build", Produces: []string{"bin"}, Steps: []*types.Step{shellStep("make")}},
			}},
			"not produced by an earlier stage",
		},
		{
			"artifact from same stage",
			&types.PipelineModel{Stages: []*types.Stage{
				{Name: "build", Produces: []string{"bin"}, Requires: []string{"bin"}, Steps: []*types.Step{shellStep("make")}},
			}},
			"not produced by an earlier stage",
		},
		{
			"bad condition tree",
			&types.PipelineModel{Stages: []*types.Stage{{
				Name:  "s",
				When:  &types.Condition{Kind: types.CondNot},
				Steps: []*types.Step{shellStep("x")},
			}}},
			"exactly one child",
		},
		{
			"valid nested containers",
			&types.PipelineModel{Stages: []*types.Stage{{
				Name: "s",
				Steps: []*types.Step{{
					Kind: types.StepRetry, Count: 2,
					Children: []*types.Step{{
						Kind: types.StepTimeout, Duration: time.Minute,
						Children: []*types.Step{shellStep("flaky")},
					}},
				}},
			}}},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModel(tt.model)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
