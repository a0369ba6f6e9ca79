package expressions

import "context"

// Engine evaluates expressions attached to handler registrations.
// Three implementations: CEL (trigger filters), GoJQ (idempotency keys),
// Expr (scheduled trigger payloads).
type Engine interface {
	Name() string
	// Compile checks the expression and caches the compiled form.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
