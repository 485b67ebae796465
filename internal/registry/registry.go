// Package registry tracks the run instances currently executing inside one
// worker process.
package registry

import (
	"errors"
	"fmt"
	"sync"
)

var ErrAlreadyRunning = errors.New("run already has a live process")

// Handle is the part of a live process the registry needs.
type Handle interface {
	// Interrupt asks the process to stop. It must not wait for the exit.
	Interrupt() error
}

// Registry is a concurrency safe map from run id to a live process.
// The zero value is not usable, use New.
type Registry struct {
	mx   sync.Mutex
	runs map[int64]entry
}

type entry struct {
	jobID  int64
	handle Handle
}

func New() *Registry {
	return &Registry{runs: make(map[int64]entry)}
}

// Register records handle as the live process of runID. There can be at
// most one, a second registration fails with ErrAlreadyRunning.
func (r *Registry) Register(runID, jobID int64, handle Handle) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.runs[runID]; ok {
		return fmt.Errorf("run %d: %w", runID, ErrAlreadyRunning)
	}
	r.runs[runID] = entry{jobID: jobID, handle: handle}
	return nil
}

// Unregister forgets runID. Unknown ids are ignored.
func (r *Registry) Unregister(runID int64) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.runs, runID)
}

// SignalStop interrupts the live process of runID and reports whether there
// was one. A run that has not started yet or already finished is not an
// error. The interrupt error itself is returned for logging only.
func (r *Registry) SignalStop(runID int64) (bool, error) {
	r.mx.Lock()
	e, ok := r.runs[runID]
	r.mx.Unlock()
	if !ok {
		return false, nil
	}
	return true, e.handle.Interrupt()
}

// StopJob interrupts every live run of jobID and returns their run ids.
func (r *Registry) StopJob(jobID int64) []int64 {
	r.mx.Lock()
	var stopped []int64
	var handles []Handle
	for runID, e := range r.runs {
		if e.jobID == jobID {
			stopped = append(stopped, runID)
			handles = append(handles, e.handle)
		}
	}
	r.mx.Unlock()

	for _, h := range handles {
		_ = h.Interrupt()
	}
	return stopped
}

// StopAll interrupts every live run.
func (r *Registry) StopAll() {
	r.mx.Lock()
	handles := make([]Handle, 0, len(r.runs))
	for _, e := range r.runs {
		handles = append(handles, e.handle)
	}
	r.mx.Unlock()

	for _, h := range handles {
		_ = h.Interrupt()
	}
}

// Live reports whether runID has a registered process.
func (r *Registry) Live(runID int64) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.runs[runID]
	return ok
}

func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.runs)
}
