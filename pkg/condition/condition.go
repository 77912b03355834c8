// Package condition decides whether a workflow or job should run for a
// given trigger event.
package condition

import (
	"github.com/bmatcuk/doublestar/v4"
	"github.com/cvhariharan/mill/pkg/models"
)

// Condition is a compiled predicate. Compile once at load time, Evaluate
// as often as needed; evaluation has no side effects.
type Condition struct {
	branches []string
	paths    []string
}

// Always matches every event.
var Always = &Condition{}

// Compile validates the predicate's glob patterns and returns an
// evaluatable condition. A nil predicate always matches.
func Compile(p *models.Predicate) (*Condition, error) {
	if p == nil {
		return Always, nil
	}
	for _, pattern := range p.Branches {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &models.ConfigurationError{Reason: "malformed branch pattern " + pattern}
		}
	}
	for _, pattern := range p.Paths {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &models.ConfigurationError{Reason: "malformed path pattern " + pattern}
		}
	}
	return &Condition{branches: p.Branches, paths: p.Paths}, nil
}

// Evaluate reports whether the event satisfies the condition. The branch
// list matches the event's branch against each pattern; the path list
// matches if any changed path hits any pattern. Empty lists always match.
func (c *Condition) Evaluate(ev models.TriggerEvent) bool {
	return c.matchBranch(ev.Branch()) && c.matchPaths(ev.ChangedPaths)
}

func (c *Condition) matchBranch(branch string) bool {
	if len(c.branches) == 0 {
		return true
	}
	for _, pattern := range c.branches {
		// patterns were validated at compile time
		if ok, _ := doublestar.Match(pattern, branch); ok {
			return true
		}
	}
	return false
}

func (c *Condition) matchPaths(changed []string) bool {
	if len(c.paths) == 0 {
		return true
	}
	for _, pattern := range c.paths {
		for _, path := range changed {
			if ok, _ := doublestar.Match(pattern, path); ok {
				return true
			}
		}
	}
	return false
}
