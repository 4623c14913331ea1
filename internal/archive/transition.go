package archive

import "fmt"

var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusQueued, StatusSuccess, StatusPartial, StatusFailed},
}

// CanTransition reports whether the lifecycle permits moving from one status to another.
// A retry after a failed attempt is modeled as running -> queued; a stored failed
// status is always terminal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrConflict when the move is not permitted.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrConflict, from, to)
	}
	return nil
}

// Sources returns every status from which to may be reached.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusQueued, StatusRunning} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
