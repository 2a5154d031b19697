package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/livability/internal/model"
)

// ErrInvalidTransition is returned when a status change is attempted on a job
// that is not in the required state, e.g. completing a job another worker
// already completed. Callers losing such a race abandon the job.
var ErrInvalidTransition = eris.New("store: invalid job transition")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for evaluation jobs. Claim and
// completion operations use atomic conditional updates so that two workers
// never both win the same transition.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, address string) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// Worker transitions
	ClaimNextJob(ctx context.Context) (*model.Job, error)
	UpdateStage(ctx context.Context, jobID, stage string) error
	CompleteJob(ctx context.Context, jobID, resultRef string) error
	FailJob(ctx context.Context, jobID, errMsg string) error
	RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int, error)

	// Results
	SaveResult(ctx context.Context, result *model.EvaluationResult) (string, error)
	GetResult(ctx context.Context, resultRef string) (*model.EvaluationResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
