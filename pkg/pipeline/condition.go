package pipeline

import (
	"path"
	"strings"

	"github.com/hodei/pipelines/pkg/types"
)

// EvalCondition evaluates a stage's when tree against the run context. An
// unknown kind evaluates to false, never to an error: validation already
// rejected malformed trees at submission.
func EvalCondition(cond *types.Condition, env map[string]string) bool {
	if cond == nil {
		return true
	}
	switch cond.Kind {
	case types.CondBranch:
		branch := env["BRANCH_NAME"]
		if ok, err := path.Match(cond.Branch, branch); err == nil && ok {
			return true
		}
		return cond.Branch == branch
	case types.CondTag:
		tag := env["TAG_NAME"]
		if tag == "" {
			return false
		}
		ok, err := path.Match(cond.Pattern, tag)
		return err == nil && ok
	case types.CondEnv:
		v, present := env[cond.Key]
		if cond.Value == "" {
			return present && v != ""
		}
		return v == cond.Value
	case types.CondExpression:
		return evalExpression(cond.Expression, env)
	case types.CondAllOf:
		for _, child := range cond.Children {
			if !EvalCondition(child, env) {
				return false
			}
		}
		return true
	case types.CondAnyOf:
		for _, child := range cond.Children {
			if EvalCondition(child, env) {
				return true
			}
		}
		return false
	case types.CondNot:
		return !EvalCondition(cond.Children[0], env)
	}
	return false
}

// evalExpression handles the two expression forms: "NAME == value" (also
// "!=") compares an environment variable, a bare "NAME" tests truthiness.
func evalExpression(expr string, env map[string]string) bool {
	if name, want, ok := splitComparison(expr, "=="); ok {
		return env[name] == want
	}
	if name, want, ok := splitComparison(expr, "!="); ok {
		return env[name] != want
	}
	v := env[strings.TrimSpace(expr)]
	return v != "" && v != "false" && v != "0"
}

func splitComparison(expr, op string) (name, value string, ok bool) {
	i := strings.Index(expr, op)
	if i < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(expr[:i])
	value = strings.Trim(strings.TrimSpace(expr[i+len(op):]), `"'`)
	return name, value, name != ""
}
