package ui

type stepStatus string

const (
	stepPending  stepStatus = "pending"
	stepRunning  stepStatus = "running"
	stepDone     stepStatus = "done"
	stepDegraded stepStatus = "degraded"
	stepFailed   stepStatus = "failed"
)

// finished reports whether the step reached a terminal status.
func (s stepStatus) finished() bool {
	return s == stepDone || s == stepDegraded || s == stepFailed
}

type stepState struct {
	ID       string
	ParentID string
	Title    string
	Status   stepStatus
	Message  string

	synthetic bool
}

type stepSnapshot struct {
	Steps []stepState
}
