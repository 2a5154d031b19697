// Package trace records per-call accounting for external services. Each stage
// task owns an explicit Recorder; the scheduler merges recorders into one
// job-level trace at stage completion, so call counts stay accurate no matter
// which goroutine made which call.
package trace

import (
	"sort"
	"sync"
	"time"

	"github.com/sells-group/livability/internal/model"
)

// Call is one external service interaction observed by a stage.
type Call struct {
	Service   string
	Operation string
	Duration  time.Duration
	Cached    bool
	Failed    bool
}

// Recorder collects calls made during a single stage execution.
type Recorder struct {
	stage string
	mu    sync.Mutex
	calls []Call
}

// NewRecorder creates a Recorder for the named stage.
func NewRecorder(stage string) *Recorder {
	return &Recorder{stage: stage}
}

// Stage returns the stage this recorder belongs to.
func (r *Recorder) Stage() string {
	return r.stage
}

// Record adds one observed call.
func (r *Recorder) Record(service, operation string, d time.Duration, cached, failed bool) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{
		Service:   service,
		Operation: operation,
		Duration:  d,
		Cached:    cached,
		Failed:    failed,
	})
	r.mu.Unlock()
}

// ExternalCalls returns how many calls actually went upstream (cache hits
// and shared in-flight results excluded).
func (r *Recorder) ExternalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if !c.Cached {
			n++
		}
	}
	return n
}

func (r *Recorder) snapshot() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// JobTrace aggregates recorders from all stages of one job.
type JobTrace struct {
	mu         sync.Mutex
	perService map[string]*model.ServiceCalls
}

// NewJobTrace creates an empty job-level trace.
func NewJobTrace() *JobTrace {
	return &JobTrace{perService: make(map[string]*model.ServiceCalls)}
}

// Merge folds one stage recorder into the job trace.
func (t *JobTrace) Merge(r *Recorder) {
	calls := r.snapshot()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range calls {
		sc, ok := t.perService[c.Service]
		if !ok {
			sc = &model.ServiceCalls{Service: c.Service}
			t.perService[c.Service] = sc
		}
		if c.Cached {
			sc.CacheHits++
		} else {
			sc.Calls++
			sc.TotalMS += c.Duration.Milliseconds()
		}
		if c.Failed {
			sc.Errors++
		}
	}
}

// Services returns the per-service totals sorted by service name.
func (t *JobTrace) Services() []model.ServiceCalls {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.ServiceCalls, 0, len(t.perService))
	for _, sc := range t.perService {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
