package worker

import (
	"context"
	"sync"
)

// Registry tracks the cancel functions of runs executing in this process so
// an operator can terminate them. A termination requested before a worker
// picks the run up is held and applied on registration.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	pending map[string]error
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		cancels: make(map[string]context.CancelCauseFunc),
		pending: make(map[string]error),
	}
}

// Cancel cancels the run with cause. It reports whether the run was executing.
func (r *Registry) Cancel(runID string, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[runID]; ok {
		cancel(cause)
		return true
	}
	r.pending[runID] = cause
	return false
}

// Running reports whether the run is executing in this process.
func (r *Registry) Running(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[runID]
	return ok
}

func (r *Registry) register(runID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[runID] = cancel
	if cause, ok := r.pending[runID]; ok {
		delete(r.pending, runID)
		cancel(cause)
	}
}

func (r *Registry) unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, runID)
	delete(r.pending, runID)
}
