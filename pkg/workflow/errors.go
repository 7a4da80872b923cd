package workflow

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a graph that cannot be validly constructed
type ConfigurationError struct {
	Workflow string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("workflow %s is misconfigured: %s", e.Workflow, strings.Join(e.Problems, "; "))
}

// CycleError reports a graph without a valid execution order
type CycleError struct {
	Workflow string
	Nodes    []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow %s has a cycle through %s", e.Workflow, strings.Join(e.Nodes, " -> "))
}

// StageError is the single failure returned by a run. Stage is the full dotted
// path of the stage whose error caused the run to stop.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
