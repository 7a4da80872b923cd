package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"boldprep/internal/logging"
)

// task tracks one node during a single execution of a workflow level
type task struct {
	node       Node
	path       string
	pending    atomic.Int32
	dependents []*task
	once       sync.Once
	out        Values
	err        error
	skipped    bool
}

type execution struct {
	w      *Workflow
	run    *run
	in     Values
	tasks  map[string]*task
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	failures []*task
}

// Execute runs the workflow as the root of a new execution.
func (w *Workflow) Execute(ctx context.Context, in Values, opts ...RunOption) (Values, error) {
	r := &run{}
	for _, opt := range opts {
		opt(r)
	}
	if r.sem == nil {
		r.sem = newSemaphore(0)
	}
	ctx = context.WithValue(ctx, runKey{}, r)
	return w.Run(withPath(ctx, w.name), in)
}

// Run validates the workflow, checks that every consumed input is supplied
// and executes the nodes. Each node starts once all of its producers have
// completed. The first failure cancels the rest of the run and is returned as
// a single *StageError naming the originating stage.
func (w *Workflow) Run(ctx context.Context, in Values) (Values, error) {
	r, ok := runFrom(ctx)
	if !ok {
		r = &run{sem: newSemaphore(0)}
		ctx = context.WithValue(ctx, runKey{}, r)
	}
	path := Path(ctx)
	if path == "" {
		path = w.name
		ctx = withPath(ctx, path)
	}

	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := w.checkInputs(in); err != nil {
		return nil, err
	}
	order, err := w.Order()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e := &execution{w: w, run: r, in: in, tasks: make(map[string]*task, len(order)), cancel: cancel}
	for _, name := range order {
		n, _ := w.Node(name)
		e.tasks[name] = &task{node: n, path: path + "." + name}
	}
	for _, name := range order {
		t := e.tasks[name]
		upstream := w.Upstream(name)
		t.pending.Store(int32(len(upstream)))
		for _, u := range upstream {
			e.tasks[u].dependents = append(e.tasks[u].dependents, t)
		}
	}

	// Collect roots before launching anything so a root is never confused
	// with a node whose counter just reached zero
	var roots []*task
	for _, name := range order {
		if t := e.tasks[name]; t.pending.Load() == 0 {
			roots = append(roots, t)
		}
	}

	logging.FromContext(ctx).Debug("running workflow", "workflow", path, "nodes", len(order))
	e.wg.Add(len(order))
	for _, t := range roots {
		go e.execute(runCtx, t)
	}
	e.wg.Wait()

	if err := e.failure(ctx); err != nil {
		return nil, err
	}
	return e.collect()
}

func (w *Workflow) checkInputs(in Values) error {
	var problems []string
	seen := make(map[string]bool)
	for _, e := range w.edges {
		if e.From != "" || seen[e.FromPort] {
			continue
		}
		seen[e.FromPort] = true
		p, _ := findPort(w.inputs, e.FromPort)
		if !p.Optional && !in.Has(e.FromPort) {
			problems = append(problems, fmt.Sprintf("input %q is consumed but not supplied", e.FromPort))
		}
	}
	if len(problems) > 0 {
		return &ConfigurationError{Workflow: w.name, Problems: problems}
	}
	return nil
}

func (e *execution) execute(ctx context.Context, t *task) {
	claimed := false
	t.once.Do(func() { claimed = true })
	if !claimed {
		return
	}
	defer e.wg.Done()

	logger := logging.FromContext(ctx).With("stage", t.path)
	if ctx.Err() != nil {
		e.markSkipped(ctx, t)
		e.skipDependents(ctx, t)
		return
	}

	in := e.inputsFor(t)
	var out Values
	var err error
	_, composite := t.node.(*Workflow)
	if composite {
		out, err = t.node.Run(withPath(ctx, t.path), in)
	} else {
		if acqErr := e.run.sem.acquire(ctx); acqErr != nil {
			e.markSkipped(ctx, t)
			e.skipDependents(ctx, t)
			return
		}
		logger.Debug("stage started")
		e.run.emit(Event{Stage: t.path, Status: StatusStarted})
		start := time.Now()
		out, err = t.node.Run(logging.WithLogger(withPath(ctx, t.path), logger), in)
		e.run.sem.release()

		elapsed := time.Since(start)
		if err != nil {
			e.run.emit(Event{Stage: t.path, Status: StatusFailed, Elapsed: elapsed, Err: err})
		} else {
			logger.Info("stage finished", "elapsed", elapsed.Round(time.Millisecond))
			e.run.emit(Event{Stage: t.path, Status: StatusSucceeded, Elapsed: elapsed})
		}
	}

	if err != nil {
		if !composite && !errors.Is(err, context.Canceled) {
			logger.Error("stage failed", "error", err)
		}
		t.err = err
		e.mu.Lock()
		e.failures = append(e.failures, t)
		e.mu.Unlock()
		e.cancel()
		e.skipDependents(ctx, t)
		return
	}

	t.out = out
	for _, d := range t.dependents {
		if d.pending.Add(-1) == 0 {
			go e.execute(ctx, d)
		}
	}
}

func (e *execution) markSkipped(ctx context.Context, t *task) {
	t.skipped = true
	if _, composite := t.node.(*Workflow); !composite {
		logging.FromContext(ctx).Warn("skipping stage", "stage", t.path)
		e.run.emit(Event{Stage: t.path, Status: StatusSkipped})
	}
}

// skipDependents marks every downstream task as skipped
func (e *execution) skipDependents(ctx context.Context, t *task) {
	for _, d := range t.dependents {
		d.once.Do(func() {
			e.markSkipped(ctx, d)
			e.wg.Done()
			e.skipDependents(ctx, d)
		})
	}
}

// inputsFor resolves the values bound to the inputs of t. Producers have all
// completed before t is started.
func (e *execution) inputsFor(t *task) Values {
	name := t.node.Name()
	in := make(Values)
	for key, v := range e.w.statics {
		if key.node == name {
			in[key.port] = v
		}
	}
	for _, edge := range e.w.edges {
		if edge.To != name {
			continue
		}
		var src Values
		if edge.From == "" {
			src = e.in
		} else {
			src = e.tasks[edge.From].out
		}
		if v, ok := src[edge.FromPort]; ok {
			in[edge.ToPort] = v
		}
	}
	return in
}

// failure picks the root cause of a failed run. Cancellations are symptoms,
// so the first error that is not one wins.
func (e *execution) failure(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var cause *task
	for _, t := range e.failures {
		if !errors.Is(t.err, context.Canceled) && !errors.Is(t.err, context.DeadlineExceeded) {
			cause = t
			break
		}
	}
	if cause == nil && len(e.failures) > 0 {
		cause = e.failures[0]
	}
	if cause != nil {
		var stageErr *StageError
		if _, composite := cause.node.(*Workflow); composite && errors.As(cause.err, &stageErr) {
			return cause.err
		}
		return &StageError{Stage: cause.path, Err: cause.err}
	}

	for _, t := range e.tasks {
		if t.skipped {
			return fmt.Errorf("workflow %s interrupted: %w", Path(ctx), context.Cause(ctx))
		}
	}
	return nil
}

func (e *execution) collect() (Values, error) {
	out := make(Values, len(e.w.outputs))
	for _, edge := range e.w.edges {
		if edge.To != "" {
			continue
		}
		var src Values
		if edge.From == "" {
			src = e.in
		} else {
			src = e.tasks[edge.From].out
		}
		if v, ok := src[edge.FromPort]; ok {
			out[edge.ToPort] = v
		}
	}
	for _, p := range e.w.outputs {
		if !p.Optional && !out.Has(p.Name) {
			return nil, fmt.Errorf("workflow %s: output %q was not produced", e.w.name, p.Name)
		}
	}
	return out, nil
}
