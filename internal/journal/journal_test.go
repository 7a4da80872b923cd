package journal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boldprep/pkg/workflow"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func twoStages(failSecond bool) *workflow.Workflow {
	w := workflow.New("wf")
	w.DeclareOutputs(workflow.In("out", workflow.Scalar))
	w.Add(
		workflow.NewStage("first", func(context.Context, workflow.Values) (workflow.Values, error) {
			return workflow.Values{"out": 1.0}, nil
		}, workflow.WithOutputs(workflow.In("out", workflow.Scalar))),
		workflow.NewStage("second", func(_ context.Context, in workflow.Values) (workflow.Values, error) {
			if failSecond {
				return nil, errors.New("boom")
			}
			return workflow.Values{"out": in.Float("x") + 1}, nil
		}, workflow.WithInputs(workflow.In("x", workflow.Scalar)), workflow.WithOutputs(workflow.In("out", workflow.Scalar))),
	)
	w.Connect("first", "out", "second", "x")
	w.Connect("second", "out", "", "out")
	return w
}

func TestRunRoundTrip(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	id, err := j.StartRun(ctx, "wf", "bold.nii.gz", "/tmp/work")
	require.NoError(t, err)

	_, err = twoStages(false).Execute(ctx, workflow.Values{},
		workflow.WithWorkDir(t.TempDir()), workflow.WithObserver(j), workflow.WithRunID(id))
	require.NoError(t, err)
	require.NoError(t, j.FinishRun(ctx, id, nil))

	runs, err := j.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, StateSucceeded, runs[0].State)
	assert.Equal(t, "bold.nii.gz", runs[0].BoldFile)
	assert.False(t, runs[0].FinishedAt.IsZero())

	events, err := j.Events(ctx, id)
	require.NoError(t, err)
	var seq []string
	for _, e := range events {
		seq = append(seq, e.Stage+":"+string(e.Status))
	}
	assert.Equal(t, []string{
		"wf.first:started", "wf.first:succeeded",
		"wf.second:started", "wf.second:succeeded",
	}, seq)
}

func TestFailedRunRecordsError(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	id, err := j.StartRun(ctx, "wf", "bold.nii.gz", "")
	require.NoError(t, err)
	_, runErr := twoStages(true).Execute(ctx, workflow.Values{},
		workflow.WithWorkDir(t.TempDir()), workflow.WithObserver(j), workflow.WithRunID(id))
	require.Error(t, runErr)
	require.NoError(t, j.FinishRun(ctx, id, runErr))

	runs, err := j.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StateFailed, runs[0].State)
	assert.Contains(t, runs[0].Error, "wf.second")

	events, err := j.Events(ctx, id)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, workflow.StatusFailed, last.Status)
	assert.Contains(t, last.Error, "boom")
}

func TestFinishUnknownRun(t *testing.T) {
	j := testJournal(t)
	assert.Error(t, j.FinishRun(context.Background(), "missing", nil))
}
