package transcode

import "fmt"

// Status is the lifecycle state of a Job.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Job is one encode of an accepted upload. It is owned by the request that
// created it and never shared.
type Job struct {
	ID           string
	InputPath    string
	OutputDir    string
	ManifestPath string

	status Status
}

// Status returns the current state.
func (j *Job) Status() Status {
	return j.status
}

// transition moves the job forward. Pending only goes to Running and Running
// only to a terminal state.
func (j *Job) transition(to Status) error {
	switch {
	case j.status == StatusPending && to == StatusRunning:
	case j.status == StatusRunning && to.Terminal():
	default:
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.status, to)
	}
	j.status = to
	return nil
}
