package domain

import "time"

// Session is one end-to-end sync run. It is created by the orchestrator,
// mutated only by the orchestrator, and immutable once the status leaves
// SessionRunning.
type Session struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	SourceHost string
	TargetHost string
	Status     SessionStatus
	Results    []JobResult
	Error      string
	LogPath    string
}

// JobResult records the outcome of one executed job. Results are appended
// in execution order and never mutated after creation. Jobs that never
// started do not appear at all.
type JobResult struct {
	JobName    string
	Status     JobStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Duration returns the session's wall-clock duration so far.
func (s *Session) Duration() time.Duration {
	if s.FinishedAt != nil {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Finish stamps the end time and terminal status.
func (s *Session) Finish(status SessionStatus, errMsg string) {
	now := time.Now()
	s.FinishedAt = &now
	s.Status = status
	s.Error = errMsg
}
