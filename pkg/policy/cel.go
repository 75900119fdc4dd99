package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Guard compiles and evaluates wallet-policy guard expressions. Programs are
// cached per expression; the cost limit bounds hostile predicates.
type Guard struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewGuard builds the CEL environment for wallet policies.
func NewGuard() (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("authorization", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &Guard{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate runs expr against input and requires a boolean result.
func (g *Guard) Evaluate(expr string, input map[string]any) (bool, error) {
	g.mu.RLock()
	prg, hit := g.cache[expr]
	g.mu.RUnlock()

	if !hit {
		g.mu.Lock()
		if prg, hit = g.cache[expr]; !hit {
			ast, issues := g.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				g.mu.Unlock()
				return false, fmt.Errorf("policy: compile guard: %w", issues.Err())
			}
			p, err := g.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				g.mu.Unlock()
				return false, fmt.Errorf("policy: build guard program: %w", err)
			}
			g.cache[expr] = p
			prg = p
		}
		g.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("policy: evaluate guard: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: guard result is not a boolean")
	}
	return val, nil
}
