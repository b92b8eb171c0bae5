package routing

import "sync"

// TurnContext carries the routing decision for a single chat turn. It is
// write-once: the first Set wins and later calls are ignored, so handlers
// downstream of the router can read a stable decision after the turn.
type TurnContext struct {
	mu   sync.Mutex
	set  bool
	inst Instructions
}

// Set records the routing decision. Returns false if a decision was
// already recorded.
func (tc *TurnContext) Set(inst Instructions) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.set {
		return false
	}
	tc.set = true
	tc.inst = inst
	return true
}

// Get returns the recorded decision and whether one was set.
func (tc *TurnContext) Get() (Instructions, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.inst, tc.set
}
