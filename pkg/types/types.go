// Package types defines public response payloads for the vinskraper API.
package types

import "time"

// APIVersion is reported in every resource envelope and the X-API-Version header.
const APIVersion = "vinskraper/v1"

const (
	// KindJobList wraps GET /api/v1/jobs.
	KindJobList = "JobList"
	// KindJobTrigger wraps POST /api/v1/jobs/{name}/trigger.
	KindJobTrigger = "JobTrigger"
)

// JobStatus captures current and last-run job state.
type JobStatus struct {
	Name           string     `json:"name"`
	Interval       string     `json:"interval"`
	Ready          bool       `json:"ready"`
	InProgress     bool       `json:"in_progress"`
	Pending        bool       `json:"pending"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`
	LastDuration   string     `json:"last_duration,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	SuccessfulRuns int64      `json:"successful_runs"`
	FailedRuns     int64      `json:"failed_runs"`
}

// Idle reports whether the job is neither running nor queued.
func (s JobStatus) Idle() bool {
	return !s.InProgress && !s.Pending
}

// JobList is the body of GET /api/v1/jobs.
type JobList struct {
	Kind       string      `json:"kind"`
	APIVersion string      `json:"apiVersion"`
	Items      []JobStatus `json:"items"`
}

// JobTrigger is the body of POST /api/v1/jobs/{name}/trigger. Accepted is
// false when a run was already queued.
type JobTrigger struct {
	Kind       string    `json:"kind"`
	APIVersion string    `json:"apiVersion"`
	Accepted   bool      `json:"accepted"`
	Status     JobStatus `json:"status"`
}

// Health is the body of /health and /readiness.
type Health struct {
	Status string `json:"status"`
}

// BuildInfo is the body of /version.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}

// Problem is an RFC 9457 problem body.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}
