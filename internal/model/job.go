package model

import "time"

// JobStatus tracks the lifecycle of an evaluation job.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is one address evaluation request. Transitions are monotonic along
// queued -> running -> {done|failed}; the only exception is the stale sweep,
// which may reset an abandoned running job back to queued.
type Job struct {
	ID           string     `json:"id"`
	Address      string     `json:"address"`
	Status       JobStatus  `json:"status"`
	CurrentStage string     `json:"current_stage,omitempty"`
	ResultRef    string     `json:"result_ref,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

// StageResult records the outcome of one stage within a job. Written exactly
// once per (job, stage); the Output payload is opaque to the scheduler.
type StageResult struct {
	Stage      string `json:"stage"`
	OK         bool   `json:"ok"`
	Degraded   bool   `json:"degraded,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Calls      int    `json:"calls"`
	Output     any    `json:"output,omitempty"`
}
