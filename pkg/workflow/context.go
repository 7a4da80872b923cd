package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Status is the lifecycle state reported for a stage
type Status string

const (
	StatusStarted   Status = "started"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Event is emitted to an Observer for every atomic stage transition
type Event struct {
	RunID   string
	Stage   string
	Status  Status
	Time    time.Time
	Elapsed time.Duration
	Err     error
}

// Observer receives stage events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// semaphore bounds the number of atomic stages running at once
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &semaphore{ch: make(chan struct{}, n)}
}

// acquire blocks until a slot is free or ctx is done
func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	<-s.ch
}

// run holds state shared by every workflow level of one execution
type run struct {
	id       string
	workDir  string
	sem      *semaphore
	observer Observer
}

func (r *run) emit(e Event) {
	if r.observer == nil {
		return
	}
	e.RunID = r.id
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.observer.Observe(e)
}

// RunOption configures an execution
type RunOption func(*run)

// WithWorkers bounds the number of atomic stages running concurrently.
// Zero or less means one per CPU.
func WithWorkers(n int) RunOption {
	return func(r *run) { r.sem = newSemaphore(n) }
}

// WithWorkDir sets the root directory under which stages write artifacts.
func WithWorkDir(dir string) RunOption {
	return func(r *run) { r.workDir = dir }
}

// WithObserver registers a receiver for stage events.
func WithObserver(o Observer) RunOption {
	return func(r *run) { r.observer = o }
}

// WithRunID tags every emitted event with id.
func WithRunID(id string) RunOption {
	return func(r *run) { r.id = id }
}

type runKey struct{}
type pathKey struct{}

func runFrom(ctx context.Context) (*run, bool) {
	r, ok := ctx.Value(runKey{}).(*run)
	return r, ok
}

func withPath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, pathKey{}, path)
}

// Path returns the dotted path of the node executing under ctx.
func Path(ctx context.Context) string {
	p, _ := ctx.Value(pathKey{}).(string)
	return p
}

// Dir returns, creating it if needed, the directory owned by the stage
// executing under ctx: <workdir>/<workflow>/.../<stage>.
func Dir(ctx context.Context) (string, error) {
	root := "."
	if r, ok := runFrom(ctx); ok && r.workDir != "" {
		root = r.workDir
	}
	path := Path(ctx)
	if path == "" {
		return "", fmt.Errorf("no stage is executing")
	}
	dir := filepath.Join(root, filepath.Join(strings.Split(path, ".")...))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create stage directory: %w", err)
	}
	return dir, nil
}
