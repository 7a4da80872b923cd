package workflow

import (
	"context"
	"fmt"
)

// Node is anything that can be placed in a workflow: an atomic Stage or a
// nested Workflow. A parent only ever sees a node's declared ports.
type Node interface {
	Name() string
	Inputs() []Port
	Outputs() []Port
	Run(ctx context.Context, in Values) (Values, error)
}

// Func is the body of a stage. It receives its bound inputs and returns one
// value per declared mandatory output.
type Func func(ctx context.Context, in Values) (Values, error)

// Stage is an atomic unit of work with declared ports and resource hints.
type Stage struct {
	name    string
	inputs  []Port
	outputs []Port
	fn      Func
	memGB   float64
	threads int
}

// StageOption configures a Stage at declaration
type StageOption func(*Stage)

// WithInputs declares the input ports of a stage.
func WithInputs(ports ...Port) StageOption {
	return func(s *Stage) { s.inputs = append(s.inputs, ports...) }
}

// WithOutputs declares the output ports of a stage.
func WithOutputs(ports ...Port) StageOption {
	return func(s *Stage) { s.outputs = append(s.outputs, ports...) }
}

// WithMemGB sets the advisory memory budget of a stage.
func WithMemGB(gb float64) StageOption {
	return func(s *Stage) { s.memGB = gb }
}

// WithThreads sets the advisory thread count of a stage.
func WithThreads(n int) StageOption {
	return func(s *Stage) { s.threads = n }
}

// NewStage declares a stage. The stage is immutable once created.
func NewStage(name string, fn Func, opts ...StageOption) *Stage {
	s := &Stage{name: name, fn: fn, threads: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identity declares a pass-through stage whose outputs mirror its inputs.
func Identity(name string, ports ...Port) *Stage {
	return NewStage(name, func(_ context.Context, in Values) (Values, error) {
		out := make(Values, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out, nil
	}, WithInputs(ports...), WithOutputs(ports...))
}

func (s *Stage) Name() string    { return s.name }
func (s *Stage) Inputs() []Port  { return append([]Port(nil), s.inputs...) }
func (s *Stage) Outputs() []Port { return append([]Port(nil), s.outputs...) }
func (s *Stage) MemGB() float64  { return s.memGB }
func (s *Stage) Threads() int    { return s.threads }

// Run executes the stage body and checks that every mandatory output was
// produced and nothing undeclared was returned.
func (s *Stage) Run(ctx context.Context, in Values) (Values, error) {
	if s.fn == nil {
		return nil, fmt.Errorf("stage %s has no body", s.name)
	}
	out, err := s.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	for name := range out {
		if _, ok := findPort(s.outputs, name); !ok {
			return nil, fmt.Errorf("stage %s returned undeclared output %q", s.name, name)
		}
	}
	for _, p := range s.outputs {
		if !p.Optional && !out.Has(p.Name) {
			return nil, fmt.Errorf("stage %s did not produce output %q", s.name, p.Name)
		}
	}
	return out, nil
}
