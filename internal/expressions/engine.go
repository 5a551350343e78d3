package expressions

import "context"

// Engine evaluates expressions embedded in workflow definitions.
// Three implementations: CEL (block criteria), GoJQ (context-parameter
// source paths), Expr (loop variable references).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it. Used at
	// definition time so authoring mistakes surface before any run starts.
	Check(expression string) error
}
