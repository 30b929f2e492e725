package harness

import (
	"sync"

	"github.com/roach88/localrunner/internal/job"
	"github.com/roach88/localrunner/internal/resource"
)

// runState is what a run owns and teardown must undo.
type runState struct {
	mu      sync.Mutex
	started bool
	sealed  bool
	set     *resource.Set
	handle  *job.Handle
}

// begin marks the run started. It fails for a second run or a sealed state.
func (s *runState) begin() (ok bool, sealed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false, false
	}
	if s.sealed {
		return false, true
	}
	s.started = true
	return true, false
}

// adoptResources records the acquired set unless teardown already began.
func (s *runState) adoptResources(set *resource.Set) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	s.set = set
	return true
}

// adoptHandle records the launched job unless teardown already began.
func (s *runState) adoptHandle(h *job.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	s.handle = h
	return true
}

// isSealed reports whether teardown has begun.
func (s *runState) isSealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// seal stops further adoption and hands over what must be torn down.
func (s *runState) seal() (*resource.Set, *job.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return s.set, s.handle
}
