package agent

import (
	"sync"
)

// InterruptSource delivers user escape signals into the turn loop. The
// orchestrator polls it between iterations and between tool calls; the
// REPL raises it when the user hits Ctrl-C mid-turn.
type InterruptSource struct {
	mu      sync.Mutex
	ch      chan struct{}
	handled bool
}

// NewInterruptSource creates an armed interrupt source.
func NewInterruptSource() *InterruptSource {
	return &InterruptSource{ch: make(chan struct{}, 1)}
}

// Raise signals an interrupt. Duplicate raises before the loop polls
// collapse into one.
func (i *InterruptSource) Raise() {
	if i == nil {
		return
	}
	select {
	case i.ch <- struct{}{}:
	default:
	}
}

// Poll non-blockingly reports whether an interrupt is pending and
// consumes it.
func (i *InterruptSource) Poll() bool {
	if i == nil {
		return false
	}
	select {
	case <-i.ch:
		return true
	default:
		return false
	}
}

// MarkHandled records that this turn already injected the interrupt
// message, preventing duplicates.
func (i *InterruptSource) MarkHandled() {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.handled = true
	i.mu.Unlock()
}

// Handled reports whether this turn's interrupt was already injected.
func (i *InterruptSource) Handled() bool {
	if i == nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handled
}

// ResetTurn clears the per-turn handled flag.
func (i *InterruptSource) ResetTurn() {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.handled = false
	i.mu.Unlock()
}
