package engine

import "errors"

var (
	// ErrGraphNotExecutable is returned when a run is requested for a disabled graph.
	ErrGraphNotExecutable = errors.New("graph is not enabled")

	// ErrTriggerNotFound is returned when a match names a node that is not a trigger of the graph.
	ErrTriggerNotFound = errors.New("trigger node not found")

	// ErrRunNotFailed is returned when retriggering a run that did not fail.
	ErrRunNotFailed = errors.New("only failed runs can be retriggered")

	// ErrRunTerminal is returned when cancelling a run that already finished.
	ErrRunTerminal = errors.New("run already finished")

	// ErrRunBusy is returned when a worker currently holds the run.
	ErrRunBusy = errors.New("run is being executed by another worker")
)

// IsRunBusy reports whether err means another worker holds the run.
func IsRunBusy(err error) bool {
	return errors.Is(err, ErrRunBusy)
}
