// Package policy provides an optional Rego-based dispatch guard. Operators
// can veto candidate handlers before execution without code changes: the
// guard evaluates a policy decision per candidate and the engine skips
// denied handlers, recording them as skipped rather than failing the call.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/dispatch-oss/pkg/domain"
)

const defaultEntrypoint = "dispatch/allow"

// GuardOptions control guard construction.
type GuardOptions struct {
	// Entrypoint is the policy decision path (default "dispatch/allow").
	// The rule must evaluate to a boolean.
	Entrypoint string
	// Module is the Rego source to load.
	Module string
	// ModuleName labels the module in diagnostics (default "dispatch.rego").
	ModuleName string
}

// Guard evaluates the dispatch policy for candidate handlers.
type Guard struct {
	prepared rego.PreparedEvalQuery
}

// Input is the per-candidate evaluation payload.
type Input struct {
	Handler  string
	Category domain.Category
	Priority int
	Tags     []string
	Query    string
}

// NewGuard parses and compiles the policy module, surfacing syntax errors at
// startup rather than at dispatch time.
func NewGuard(ctx context.Context, opts GuardOptions) (*Guard, error) {
	if strings.TrimSpace(opts.Module) == "" {
		return nil, errors.New("dispatch guard requires a rego module")
	}
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	name := opts.ModuleName
	if name == "" {
		name = "dispatch.rego"
	}

	module, err := ast.ParseModuleWithOpts(name, opts.Module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module %q: %w", name, err)
	}

	query := "data." + strings.ReplaceAll(entry, "/", ".")
	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego module: %w", err)
	}

	return &Guard{prepared: prepared}, nil
}

// Allow evaluates the policy for one candidate. An undefined decision is
// treated as allow so an empty or partial policy never blocks dispatch.
func (g *Guard) Allow(ctx context.Context, input Input) (bool, error) {
	payload := map[string]any{
		"handler":  input.Handler,
		"category": string(input.Category),
		"priority": input.Priority,
		"tags":     input.Tags,
		"query":    input.Query,
	}

	results, err := g.prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return false, fmt.Errorf("dispatch policy eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return true, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("dispatch policy: decision is %T, want bool", results[0].Expressions[0].Value)
	}
	return allowed, nil
}
