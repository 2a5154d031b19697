package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/livability/internal/trace"
)

// eventLog records stage start/finish events in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) indexOf(e string) int {
	for i, ev := range l.all() {
		if ev == e {
			return i
		}
	}
	return -1
}

func okStage(name string, deps []string, log *eventLog) Stage {
	return Stage{
		Name:      name,
		DependsOn: deps,
		Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
			log.add(name + ":start")
			defer log.add(name + ":done")
			return name + "-output", nil
		},
	}
}

type stubReporter struct {
	mu     sync.Mutex
	stages []string
}

func (r *stubReporter) UpdateStage(ctx context.Context, jobID, stage string) error {
	r.mu.Lock()
	r.stages = append(r.stages, stage)
	r.mu.Unlock()
	return nil
}

func TestNewGraph_Validation(t *testing.T) {
	noop := func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
		return nil, nil
	}

	tests := []struct {
		name    string
		stages  []Stage
		wantErr string
	}{
		{
			name: "unknown dependency",
			stages: []Stage{
				{Name: "a", Run: noop},
				{Name: "b", DependsOn: []string{"missing"}, Run: noop},
			},
			wantErr: "unknown stage",
		},
		{
			name: "duplicate stage",
			stages: []Stage{
				{Name: "a", Run: noop},
				{Name: "a", Run: noop},
			},
			wantErr: "duplicate",
		},
		{
			name: "self dependency",
			stages: []Stage{
				{Name: "a", DependsOn: []string{"a"}, Run: noop},
			},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			stages: []Stage{
				{Name: "a", Run: noop},
				{Name: "b", DependsOn: []string{"a", "c"}, Run: noop},
				{Name: "c", DependsOn: []string{"b"}, Run: noop},
			},
			wantErr: "cycle",
		},
		{
			name: "missing run",
			stages: []Stage{
				{Name: "a"},
			},
			wantErr: "no run function",
		},
		{
			name: "valid diamond",
			stages: []Stage{
				{Name: "a", Run: noop},
				{Name: "b", DependsOn: []string{"a"}, Run: noop},
				{Name: "c", DependsOn: []string{"a"}, Run: noop},
				{Name: "d", DependsOn: []string{"b", "c"}, Run: noop},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGraph(tt.stages)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, g.Stages(), len(tt.stages))
		})
	}
}

func TestRun_DependencyOrdering(t *testing.T) {
	log := &eventLog{}
	stages := []Stage{
		okStage("root", nil, log),
		okStage("left", []string{"root"}, log),
		okStage("right", []string{"root"}, log),
		okStage("sink", []string{"left", "right"}, log),
	}
	g, err := NewGraph(stages)
	require.NoError(t, err)

	res, err := New(g, 4, nil).Run(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, res.Stages, 4)

	// Every dependency reaches its terminal state before the dependent starts.
	assert.Less(t, log.indexOf("root:done"), log.indexOf("left:start"))
	assert.Less(t, log.indexOf("root:done"), log.indexOf("right:start"))
	assert.Less(t, log.indexOf("left:done"), log.indexOf("sink:start"))
	assert.Less(t, log.indexOf("right:done"), log.indexOf("sink:start"))
}

func TestRun_InputsCarryUpstreamOutput(t *testing.T) {
	g, err := NewGraph([]Stage{
		{
			Name: "up",
			Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
				return 42, nil
			},
		},
		{
			Name:      "down",
			DependsOn: []string{"up"},
			Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
				v, _ := in.Output("up").(int)
				return v * 2, nil
			},
		},
	})
	require.NoError(t, err)

	res, err := New(g, 2, nil).Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 84, res.Stages["down"].Output)
}

func TestRun_NonRootFailureDegradesDependents(t *testing.T) {
	log := &eventLog{}
	g, err := NewGraph([]Stage{
		okStage("root", nil, log),
		{
			Name:      "flaky",
			DependsOn: []string{"root"},
			Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
				return nil, assert.AnError
			},
		},
		{
			Name:      "dependent",
			DependsOn: []string{"flaky"},
			Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
				// Upstream is present but marked unavailable.
				r, ok := in["flaky"]
				if !ok || r.OK {
					t.Error("expected failed upstream marker")
				}
				assert.Nil(t, in.Output("flaky"))
				return "partial", nil
			},
		},
	})
	require.NoError(t, err)

	res, err := New(g, 2, nil).Run(context.Background(), "job-1")
	require.NoError(t, err) // non-root failure does not fail the job

	assert.False(t, res.Stages["flaky"].OK)
	assert.NotEmpty(t, res.Stages["flaky"].Error)

	dep := res.Stages["dependent"]
	assert.True(t, dep.OK)
	assert.True(t, dep.Degraded)
	assert.Equal(t, "partial", dep.Output)
}

func TestRun_RootFailureFailsJob(t *testing.T) {
	ran := false
	g, err := NewGraph([]Stage{
		{
			Name: "root",
			Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
				return nil, assert.AnError
			},
		},
		{
			Name:      "child",
			DependsOn: []string{"root"},
			Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
				ran = true
				return nil, nil
			},
		},
	})
	require.NoError(t, err)

	res, err := New(g, 2, nil).Run(context.Background(), "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root stage root failed")
	assert.False(t, res.Stages["root"].OK)
	assert.False(t, ran)
}

func TestRun_BoundedPool(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0

	stages := make([]Stage, 0, 8)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		stages = append(stages, Stage{
			Name: name,
			Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			},
		})
	}
	g, err := NewGraph(stages)
	require.NoError(t, err)

	_, err = New(g, 2, nil).Run(context.Background(), "job-1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Positive(t, peak)
}

func TestRun_ReportsStages(t *testing.T) {
	log := &eventLog{}
	g, err := NewGraph([]Stage{
		okStage("root", nil, log),
		okStage("child", []string{"root"}, log),
	})
	require.NoError(t, err)

	rep := &stubReporter{}
	_, err = New(g, 2, rep).Run(context.Background(), "job-7")
	require.NoError(t, err)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Equal(t, []string{"root", "child"}, rep.stages)
}

func TestRun_TraceMergedAcrossStages(t *testing.T) {
	g, err := NewGraph([]Stage{
		{
			Name: "root",
			Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
				rec.Record("geocode", "search", 10*time.Millisecond, false, false)
				return nil, nil
			},
		},
		{
			Name:      "child",
			DependsOn: []string{"root"},
			Run: func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error) {
				rec.Record("places", "search_nearby", 5*time.Millisecond, false, false)
				rec.Record("places", "search_nearby", 0, true, false)
				return nil, nil
			},
		},
	})
	require.NoError(t, err)

	res, err := New(g, 2, nil).Run(context.Background(), "job-1")
	require.NoError(t, err)

	services := res.Trace.Services()
	require.Len(t, services, 2)
	assert.Equal(t, "geocode", services[0].Service)
	assert.Equal(t, 1, services[0].Calls)
	assert.Equal(t, "places", services[1].Service)
	assert.Equal(t, 1, services[1].Calls)
	assert.Equal(t, 1, services[1].CacheHits)

	assert.Equal(t, 1, res.Stages["root"].Calls)
	assert.Equal(t, 1, res.Stages["child"].Calls)
}
