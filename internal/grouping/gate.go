package grouping

import (
	"errors"

	"golang.org/x/sync/semaphore"
)

// ErrRunInProgress is returned when a run is requested while another
// grouping or merge run holds the gate.
var ErrRunInProgress = errors.New("another run is already in progress")

// RunGate serializes clustering and consolidation runs within a process.
// Both mutate the same group tables, so at most one run may hold the gate.
type RunGate struct {
	sem *semaphore.Weighted
}

// NewRunGate creates a gate admitting one run at a time.
func NewRunGate() *RunGate {
	return &RunGate{sem: semaphore.NewWeighted(1)}
}

// TryAcquire claims the gate without blocking. Callers must Release once
// the run finishes.
func (g *RunGate) TryAcquire() error {
	if !g.sem.TryAcquire(1) {
		return ErrRunInProgress
	}
	return nil
}

// Release returns the gate.
func (g *RunGate) Release() {
	g.sem.Release(1)
}
