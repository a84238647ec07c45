package scan

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// celCompiler builds CEL programs for custom rule conditions. Conditions see
// the message text, its direction and its length, e.g.
//
//	direction == "output" && text.contains("BEGIN CERTIFICATE")
//	length > 20000 && text.matches("(?i)ignore .* instructions")
type celCompiler struct {
	env *cel.Env
}

type celRule struct {
	expression string
	program    cel.Program
}

func newCELCompiler() (*celCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("direction", cel.StringType),
		cel.Variable("length", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &celCompiler{env: env}, nil
}

func (c *celCompiler) compile(expr string) (*celRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}
	return &celRule{expression: expr, program: prg}, nil
}

func (r *celRule) eval(text string, dir Direction) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"text":      text,
		"direction": string(dir),
		"length":    int64(len(text)),
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", r.expression, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", r.expression, out.Value())
	}
	return result, nil
}
