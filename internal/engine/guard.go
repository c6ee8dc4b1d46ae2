package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// guardCache compiles trigger guard expressions once and reuses the
// programs across every enrollment of the campaign.
type guardCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newGuardCache() *guardCache {
	return &guardCache{programs: make(map[string]*vm.Program)}
}

// Evaluate runs the expression against env. The expression must evaluate to
// a boolean; graph validation already compiled it once, so failures here
// are environment-shape bugs, not user errors.
func (c *guardCache) Evaluate(expression string, env map[string]any) (bool, error) {
	c.mu.RLock()
	program, ok := c.programs[expression]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		if program, ok = c.programs[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(env), expr.AsBool())
			if err != nil {
				c.mu.Unlock()
				return false, err
			}
			c.programs[expression] = program
		}
		c.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q did not evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}
