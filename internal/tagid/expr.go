package tagid

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Expr is a Predicate backed by a CEL expression over the string variable
// `id`, e.g. `id.startsWith("E2") && size(id) in [22, 23]`.
type Expr struct {
	source  string
	program cel.Program
}

// CompileExpr compiles expression and checks that it yields a bool.
func CompileExpr(expression string) (*Expr, error) {
	env, err := cel.NewEnv(cel.Variable("id", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("CEL env error: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}

	return &Expr{source: expression, program: prg}, nil
}

// Match evaluates the expression for id.
func (e *Expr) Match(id string) (bool, error) {
	out, _, err := e.program.Eval(map[string]interface{}{"id": id})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("result not boolean")
	}
	return ok, nil
}

func (e *Expr) String() string {
	return e.source
}
