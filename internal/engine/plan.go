package engine

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/persona"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
)

// Dependency is one inbound DAG edge.
type Dependency struct {
	// Step is the dependency's name.
	Step string

	// RunRegardless lets the dependent run once the dependency is
	// terminal, even Failed or Skipped. Normal edges require
	// Succeeded.
	RunRegardless bool
}

// Step is one node of a workflow plan.
type Step struct {
	// Name is unique within the plan.
	Name string

	// Persona executes the step.
	Persona persona.Persona

	// DependsOn are the inbound edges.
	DependsOn []Dependency

	// Final marks a step whose success is required for the run to
	// complete. A plan needs at least one.
	Final bool

	// Timeout bounds one execution attempt. Zero uses the engine
	// default.
	Timeout time.Duration

	// Prompt is passed to the executor as the step's instructions.
	Prompt string

	// Oracle, when set, is the completion probe consulted before a
	// reported success is accepted.
	Oracle retry.CompletionOracle
}

// Plan is a validated DAG of steps.
type Plan struct {
	Steps []Step
}

// Validate checks the plan: unique names, known dependencies, no
// cycles, at least one final step.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	byName := make(map[string]Step, len(p.Steps))
	finals := 0
	for _, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("plan has a step without a name")
		}
		if _, dup := byName[s.Name]; dup {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		byName[s.Name] = s
		if s.Final {
			finals++
		}
	}
	if finals == 0 {
		return fmt.Errorf("plan has no final step")
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep.Step == s.Name {
				return fmt.Errorf("step %q depends on itself", s.Name)
			}
			if _, ok := byName[dep.Step]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.Name, dep.Step)
			}
		}
	}

	// Cycle check by repeated removal of dependency-free steps.
	remaining := make(map[string][]Dependency, len(p.Steps))
	for _, s := range p.Steps {
		remaining[s.Name] = s.DependsOn
	}
	for len(remaining) > 0 {
		progressed := false
		for name, deps := range remaining {
			free := true
			for _, dep := range deps {
				if _, pending := remaining[dep.Step]; pending {
					free = false
					break
				}
			}
			if free {
				delete(remaining, name)
				progressed = true
			}
		}
		if !progressed {
			return fmt.Errorf("plan contains a dependency cycle")
		}
	}
	return nil
}

// DefaultPlan builds the standard remediation DAG: the alert's persona
// authors a fix, Tess validates it, Cleo reviews it, and Atlas
// integrates the result.
func DefaultPlan(author persona.Persona, prompt string) Plan {
	return Plan{Steps: []Step{
		{
			Name:    "author",
			Persona: author,
			Prompt:  prompt,
		},
		{
			Name:      "validate",
			Persona:   persona.Tess,
			DependsOn: []Dependency{{Step: "author"}},
		},
		{
			Name:      "verify",
			Persona:   persona.Cleo,
			DependsOn: []Dependency{{Step: "validate"}},
		},
		{
			Name:      "integrate",
			Persona:   persona.Atlas,
			DependsOn: []Dependency{{Step: "verify"}},
			Final:     true,
		},
	}}
}
