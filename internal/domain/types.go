package domain

// Host is the logical role of a machine in a sync run. It is distinct
// from the machine's resolved hostname, which is looked up separately.
type Host string

const (
	HostSource Host = "source"
	HostTarget Host = "target"
)

// Other returns the opposite role.
func (h Host) Other() Host {
	if h == HostSource {
		return HostTarget
	}
	return HostSource
}

// SessionStatus represents the lifecycle state of a sync session
type SessionStatus string

const (
	SessionRunning     SessionStatus = "running"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
)

// JobStatus represents the outcome of a single executed job
type JobStatus string

const (
	JobSuccess JobStatus = "success"
	JobSkipped JobStatus = "skipped"
	JobFailed  JobStatus = "failed"
)
