// Package scheduler runs a job's stage graph. Stages are dispatched as soon
// as every dependency has reached a terminal state, onto a bounded worker
// pool, so independent stages overlap and a slow stage only delays its own
// dependents.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/livability/internal/model"
	"github.com/sells-group/livability/internal/trace"
)

// DefaultWorkers bounds concurrent stage executions per job.
const DefaultWorkers = 6

// Inputs carries the terminal results of a stage's dependencies, keyed by
// stage name. A dependency that failed is present with OK=false; the stage
// decides whether to degrade or fail.
type Inputs map[string]model.StageResult

// Output returns the output of the named dependency, or nil when the
// dependency failed or produced nothing.
func (in Inputs) Output(stage string) any {
	r, ok := in[stage]
	if !ok || !r.OK {
		return nil
	}
	return r.Output
}

// Degraded reports whether any dependency failed or was itself degraded.
func (in Inputs) Degraded() bool {
	for _, r := range in {
		if !r.OK || r.Degraded {
			return true
		}
	}
	return false
}

// Stage is one node of the job graph.
type Stage struct {
	Name      string
	DependsOn []string
	Run       func(ctx context.Context, in Inputs, rec *trace.Recorder) (any, error)
}

// Reporter receives stage transitions as the graph executes. The worker
// wires this to the job store so pollers see the advancing current_stage.
type Reporter interface {
	UpdateStage(ctx context.Context, jobID, stage string) error
}

// Result is the outcome of one graph execution.
type Result struct {
	Stages map[string]model.StageResult
	Trace  *trace.JobTrace
}

// Scheduler executes stage graphs.
type Scheduler struct {
	graph    *Graph
	workers  int
	reporter Reporter
}

// New creates a Scheduler. A nil reporter disables stage reporting.
func New(graph *Graph, workers int, reporter Reporter) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{graph: graph, workers: workers, reporter: reporter}
}

// Run executes the graph for one job. All stages run to a terminal state
// unless a root stage (no dependencies) fails, which cancels the remaining
// stages and returns an error; non-root failures only degrade dependents.
func (s *Scheduler) Run(ctx context.Context, jobID string) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := zap.L().With(zap.String("job_id", jobID))

	result := &Result{
		Stages: make(map[string]model.StageResult, len(s.graph.stages)),
		Trace:  trace.NewJobTrace(),
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		launched  = make(map[string]bool, len(s.graph.stages))
		remaining = make(map[string]int, len(s.graph.stages))
		rootErr   error
	)
	for name, st := range s.graph.stages {
		remaining[name] = len(st.DependsOn)
	}

	sem := make(chan struct{}, s.workers)

	var runStage func(st *Stage)

	// dispatch launches every stage whose dependencies are all terminal.
	// Callers hold mu.
	dispatch := func() {
		for name, st := range s.graph.stages {
			if launched[name] || remaining[name] > 0 {
				continue
			}
			launched[name] = true
			wg.Add(1)
			go runStage(st)
		}
	}

	runStage = func(st *Stage) {
		defer wg.Done()

		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			s.finishStage(ctx, st, model.StageResult{
				Stage: st.Name,
				Error: ctx.Err().Error(),
			}, result, &mu, remaining, dispatch, &rootErr, cancel)
			return
		}

		mu.Lock()
		in := make(Inputs, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			in[dep] = result.Stages[dep]
		}
		mu.Unlock()

		if s.reporter != nil {
			if err := s.reporter.UpdateStage(ctx, jobID, st.Name); err != nil {
				log.Warn("scheduler: stage report failed",
					zap.String("stage", st.Name), zap.Error(err))
			}
		}

		rec := trace.NewRecorder(st.Name)
		start := time.Now()
		out, err := st.Run(ctx, in, rec)
		sr := model.StageResult{
			Stage:      st.Name,
			OK:         err == nil,
			Degraded:   err == nil && in.Degraded(),
			DurationMS: time.Since(start).Milliseconds(),
			Calls:      rec.ExternalCalls(),
			Output:     out,
		}
		if err != nil {
			sr.Error = err.Error()
			log.Warn("scheduler: stage failed",
				zap.String("stage", st.Name),
				zap.Int64("duration_ms", sr.DurationMS),
				zap.Error(err))
		} else {
			log.Debug("scheduler: stage complete",
				zap.String("stage", st.Name),
				zap.Int64("duration_ms", sr.DurationMS),
				zap.Int("calls", sr.Calls),
				zap.Bool("degraded", sr.Degraded))
		}
		result.Trace.Merge(rec)

		s.finishStage(ctx, st, sr, result, &mu, remaining, dispatch, &rootErr, cancel)
	}

	mu.Lock()
	dispatch()
	mu.Unlock()
	wg.Wait()

	if rootErr != nil {
		return result, rootErr
	}
	return result, nil
}

// finishStage records a terminal stage result and re-evaluates dependents.
func (s *Scheduler) finishStage(
	ctx context.Context,
	st *Stage,
	sr model.StageResult,
	result *Result,
	mu *sync.Mutex,
	remaining map[string]int,
	dispatch func(),
	rootErr *error,
	cancel context.CancelFunc,
) {
	mu.Lock()
	defer mu.Unlock()

	result.Stages[st.Name] = sr
	for _, dep := range s.graph.dependents[st.Name] {
		remaining[dep]--
	}

	if !sr.OK && len(st.DependsOn) == 0 {
		if *rootErr == nil {
			*rootErr = eris.Errorf("scheduler: root stage %s failed: %s", st.Name, sr.Error)
		}
		cancel()
		return
	}
	if ctx.Err() == nil {
		dispatch()
	}
}
