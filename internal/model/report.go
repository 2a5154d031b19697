package model

import "time"

// Coordinate is a WGS84 point.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Zero reports whether the coordinate is unset.
func (c Coordinate) Zero() bool {
	return c.Lat == 0 && c.Lng == 0
}

// DimensionScore is one scored livability dimension. Degraded marks scores
// computed from partial upstream data rather than silently treating them as
// complete.
type DimensionScore struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
	Degraded  bool    `json:"degraded,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

// ServiceCalls summarizes external calls made to one service during a job.
type ServiceCalls struct {
	Service   string `json:"service"`
	Calls     int    `json:"calls"`
	CacheHits int    `json:"cache_hits"`
	Errors    int    `json:"errors"`
	TotalMS   int64  `json:"total_ms"`
}

// EvaluationResult aggregates all stage results and derived scores for a
// completed job. It is owned by the job that produced it and never mutated
// after SaveResult.
type EvaluationResult struct {
	JobID     string                    `json:"job_id"`
	Address   string                    `json:"address"`
	Location  Coordinate                `json:"location"`
	Stages    map[string]StageResult    `json:"stages"`
	Scores    map[string]DimensionScore `json:"scores"`
	Overall   float64                   `json:"overall"`
	Services  []ServiceCalls            `json:"services,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
}
