package pipeline

import (
	"testing"

	"github.com/hodei/pipelines/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestEvalCondition(t *testing.T) {
	env := map[string]string{
		"BRANCH_NAME": "main",
		"TAG_NAME":    "v1.2.0",
		"DEPLOY":      "true",
		"TARGET":      "staging",
		"EMPTY":       "",
	}

	tests := []struct {
		name string
		cond *types.Condition
		want bool
	}{
		{"nil matches", nil, true},
		{"branch equal", &types.Condition{Kind: types.CondBranch, Branch: "main"}, true},
		{"branch glob", &types.Condition{Kind: types.CondBranch, Branch: "m*"}, true},
		{"branch mismatch", &types.Condition{Kind: types.CondBranch, Branch: "release"}, false},
		{"tag glob", &types.Condition{Kind: types.CondTag, Pattern: "v1.*"}, true},
		{"tag mismatch", &types.Condition{Kind: types.CondTag, Pattern: "v2.*"}, false},
		{"env presence", &types.Condition{Kind: types.CondEnv, Key: "DEPLOY"}, true},
		{"env empty value is absent", &types.Condition{Kind: types.CondEnv, Key: "EMPTY"}, false},
		{"env exact value", &types.Condition{Kind: types.CondEnv, Key: "TARGET", Value: "staging"}, true},
		{"env wrong value", &types.Condition{Kind: types.CondEnv, Key: "TARGET", Value: "prod"}, false},
		{"expression truthy", &types.Condition{Kind: types.CondExpression, Expression: "DEPLOY"}, true},
		{"expression equality", &types.Condition{Kind: types.CondExpression, Expression: `TARGET == staging`}, true},
		{"expression inequality", &types.Condition{Kind: types.CondExpression, Expression: `TARGET != prod`}, true},
		{"allOf", &types.Condition{Kind: types.CondAllOf, Children: []*types.Condition{
			{Kind: types.CondBranch, Branch: "main"},
			{Kind: types.CondEnv, Key: "DEPLOY"},
		}}, true},
		{"allOf short circuit", &types.Condition{Kind: types.CondAllOf, Children: []*types.Condition{
			{Kind: types.CondBranch, Branch: "release"},
			{Kind: types.CondEnv, Key: "DEPLOY"},
		}}, false},
		{"anyOf", &types.Condition{Kind: types.CondAnyOf, Children: []*types.Condition{
			{Kind: types.CondBranch, Branch: "release"},
			{Kind: types.CondTag, Pattern: "v*"},
		}}, true},
		{"not", &types.Condition{Kind: types.CondNot, Children: []*types.Condition{
			{Kind: types.CondBranch, Branch: "release"},
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvalCondition(tt.cond, env))
		})
	}
}

func TestEvalConditionNoTag(t *testing.T) {
	// Tag conditions never match a build that is not a tag build
	cond := &types.Condition{Kind: types.CondTag, Pattern: "*"}
	assert.False(t, EvalCondition(cond, map[string]string{}))
}
