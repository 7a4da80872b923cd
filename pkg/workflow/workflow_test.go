package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// add returns a stage computing out = a + b
func add(name string) *Stage {
	return NewStage(name, func(_ context.Context, in Values) (Values, error) {
		return Values{"out": in.Float("a") + in.Float("b")}, nil
	}, WithInputs(In("a", Scalar), In("b", Scalar)), WithOutputs(In("out", Scalar)))
}

func fail(name string, err error) *Stage {
	return NewStage(name, func(context.Context, Values) (Values, error) {
		return nil, err
	}, WithInputs(Opt("x", Any)), WithOutputs(In("out", Scalar)))
}

func TestTypeMismatchRejected(t *testing.T) {
	w := New("wf")
	w.DeclareInputs(In("path", Volume))
	w.Add(add("sum"))
	w.Connect("", "path", "sum", "a")
	w.Set("sum", "b", 1.0)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, w.Validate(), &cfgErr)
	assert.Contains(t, cfgErr.Error(), "type mismatch")
}

func TestDuplicateProducerRejected(t *testing.T) {
	w := New("wf")
	w.DeclareInputs(In("x", Scalar))
	w.Add(add("sum"))
	w.Connect("", "x", "sum", "a")
	w.Connect("", "x", "sum", "a")
	w.Set("sum", "b", 2.0)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, w.Validate(), &cfgErr)
	assert.Len(t, cfgErr.Problems, 1)
	assert.Contains(t, cfgErr.Problems[0], "already has a producer")
}

func TestUnboundMandatoryInput(t *testing.T) {
	w := New("wf")
	w.Add(add("sum"))
	w.Set("sum", "a", 1.0)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, w.Validate(), &cfgErr)
	assert.Equal(t, []string{"mandatory input sum.b has no producer"}, cfgErr.Problems)
}

func TestUnknownNodesAndPorts(t *testing.T) {
	w := New("wf")
	w.Add(add("sum"), add("sum"))
	w.Connect("ghost", "out", "sum", "a")
	w.Connect("sum", "nope", "", "result")
	w.Set("sum", "c", 1.0)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, w.Validate(), &cfgErr)
	assert.Contains(t, cfgErr.Problems, `duplicate node name "sum"`)
	assert.Contains(t, cfgErr.Problems, `unknown node "ghost"`)
	assert.Contains(t, cfgErr.Problems, `node "sum" has no output "nope"`)
	assert.Contains(t, cfgErr.Problems, `node "sum" has no input "c"`)
}

func TestCycleRejected(t *testing.T) {
	w := New("wf")
	w.Add(add("a"), add("b"), add("c"))
	w.Connect("a", "out", "b", "a")
	w.Connect("b", "out", "c", "a")
	w.Connect("c", "out", "a", "a")
	for _, n := range []string{"a", "b", "c"} {
		w.Set(n, "b", 1.0)
	}

	var cycleErr *CycleError
	require.ErrorAs(t, w.Validate(), &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, uniq(cycleErr.Nodes))

	_, err := w.Run(context.Background(), nil)
	assert.ErrorAs(t, err, &cycleErr)
}

func uniq(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func TestOrderIsDeterministic(t *testing.T) {
	w := New("wf")
	w.DeclareInputs(In("x", Scalar))
	w.Add(add("late"), add("first"), add("second"), add("join"))
	w.Connect("", "x", "first", "a")
	w.Connect("", "x", "second", "a")
	w.Connect("first", "out", "join", "a")
	w.Connect("second", "out", "join", "b")
	w.Connect("join", "out", "late", "a")
	w.Set("first", "b", 1.0)
	w.Set("second", "b", 2.0)
	w.Set("late", "b", 3.0)
	require.NoError(t, w.Validate())

	for i := 0; i < 5; i++ {
		order, err := w.Order()
		require.NoError(t, err)
		if diff := cmp.Diff([]string{"first", "second", "join", "late"}, order); diff != "" {
			t.Fatalf("order mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestRunComputesOutputs(t *testing.T) {
	w := New("wf")
	w.DeclareInputs(In("x", Scalar), In("y", Scalar))
	w.DeclareOutputs(In("total", Scalar), In("echo", Scalar))
	w.Add(add("first"), add("second"))
	w.Connect("", "x", "first", "a")
	w.Connect("", "y", "first", "b")
	w.Connect("first", "out", "second", "a")
	w.Set("second", "b", 10.0)
	w.Connect("second", "out", "", "total")
	w.Connect("", "x", "", "echo")

	out, err := w.Execute(context.Background(), Values{"x": 1.0, "y": 2.0}, WithWorkDir(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, Values{"total": 13.0, "echo": 1.0}, out)
}

func TestRunRejectsMissingInput(t *testing.T) {
	w := New("wf")
	w.DeclareInputs(In("x", Scalar))
	w.Add(add("sum"))
	w.Connect("", "x", "sum", "a")
	w.Set("sum", "b", 1.0)

	var cfgErr *ConfigurationError
	_, err := w.Run(context.Background(), Values{})
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Problems[0], `"x"`)
}

func nested() (*Workflow, *Workflow) {
	inner := New("inner")
	inner.DeclareInputs(In("x", Scalar))
	inner.DeclareOutputs(In("y", Scalar))
	inner.Add(add("double"))
	inner.Connect("", "x", "double", "a")
	inner.Connect("", "x", "double", "b")
	inner.Connect("double", "out", "", "y")

	outer := New("outer")
	outer.DeclareInputs(In("x", Scalar))
	outer.DeclareOutputs(In("y", Scalar))
	outer.Add(inner)
	outer.Connect("", "x", "inner", "x")
	outer.Connect("inner", "y", "", "y")
	return outer, inner
}

func TestNestedWorkflowIsOpaque(t *testing.T) {
	outer, _ := nested()
	out, err := outer.Execute(context.Background(), Values{"x": 4.0})
	require.NoError(t, err)
	assert.Equal(t, 8.0, out["y"])

	// Inner nodes cannot be addressed from the parent
	outer.Add(add("probe"))
	outer.Connect("double", "out", "probe", "a")
	outer.Connect("inner.double", "out", "probe", "b")

	var cfgErr *ConfigurationError
	require.ErrorAs(t, outer.Validate(), &cfgErr)
	assert.Contains(t, cfgErr.Problems, `unknown node "double"`)
	assert.Contains(t, cfgErr.Problems, `unknown node "inner.double"`)
	assert.True(t, outer.Contains("inner.double"))
}

func TestNestedValidationPropagates(t *testing.T) {
	inner := New("inner")
	inner.Add(add("sum"))
	outer := New("outer")
	outer.Add(inner)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, outer.Validate(), &cfgErr)
	assert.Contains(t, cfgErr.Problems, "inner: mandatory input sum.a has no producer")
}

func TestFailFastSkipsDependents(t *testing.T) {
	boom := errors.New("boom")
	var downstreamRan atomic.Bool

	w := New("wf")
	w.Add(fail("broken", boom))
	w.Add(NewStage("after", func(context.Context, Values) (Values, error) {
		downstreamRan.Store(true)
		return Values{}, nil
	}, WithInputs(In("x", Scalar))))
	w.Add(NewStage("slow", func(ctx context.Context, _ Values) (Values, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return Values{}, nil
		}
	}))
	w.Connect("broken", "out", "after", "x")

	var events sync.Map
	obs := ObserverFunc(func(e Event) { events.Store(e.Stage+":"+string(e.Status), true) })

	start := time.Now()
	_, err := w.Execute(context.Background(), nil, WithWorkers(4), WithObserver(obs))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "wf.broken", stageErr.Stage)
	assert.ErrorIs(t, err, boom)
	assert.False(t, downstreamRan.Load())

	_, skipped := events.Load("wf.after:skipped")
	assert.True(t, skipped)
	_, failed := events.Load("wf.broken:failed")
	assert.True(t, failed)
}

func TestNestedFailureNamesFullPath(t *testing.T) {
	boom := errors.New("inner failure")
	inner := New("inner")
	inner.Add(fail("explode", boom))

	outer := New("outer")
	outer.Add(inner)

	_, err := outer.Execute(context.Background(), nil)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "outer.inner.explode", stageErr.Stage)
	assert.ErrorIs(t, err, boom)
}

func TestWorkersBoundConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	w := New("wf")
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		w.Add(NewStage(name, func(context.Context, Values) (Values, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return Values{}, nil
		}))
	}
	_, err := w.Execute(context.Background(), nil, WithWorkers(2))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestStageMustProduceDeclaredOutputs(t *testing.T) {
	w := New("wf")
	w.Add(NewStage("lazy", func(context.Context, Values) (Values, error) {
		return Values{}, nil
	}, WithOutputs(In("result", Table))))

	_, err := w.Execute(context.Background(), nil)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Contains(t, stageErr.Err.Error(), `did not produce output "result"`)
}

func TestPlanAndStageDirectories(t *testing.T) {
	workDir := t.TempDir()
	inner := New("inner")
	inner.DeclareOutputs(In("file", Table))
	inner.Add(NewStage("writer", func(ctx context.Context, _ Values) (Values, error) {
		dir, err := Dir(ctx)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, "out.txt")
		return Values{"file": path}, os.WriteFile(path, []byte("ok"), 0644)
	}, WithOutputs(In("file", Table)), WithMemGB(2.5), WithThreads(3)))
	inner.Connect("writer", "file", "", "file")

	outer := New("main")
	outer.DeclareOutputs(In("file", Table))
	outer.Add(inner, Identity("buffer", In("file", Table)))
	outer.Connect("inner", "file", "buffer", "file")
	outer.Connect("buffer", "file", "", "file")

	plan, err := outer.Plan()
	require.NoError(t, err)
	assert.Equal(t, []PlanEntry{
		{Path: "main.inner.writer", MemGB: 2.5, Threads: 3},
		{Path: "main.buffer", Threads: 1},
	}, plan)

	out, err := outer.Execute(context.Background(), nil, WithWorkDir(workDir))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workDir, "main", "inner", "writer", "out.txt"), out.Path("file"))
	assert.FileExists(t, out.Path("file"))
}
