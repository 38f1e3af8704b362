package pretrain

import (
	"fmt"
	"sync"
)

type State int

const (
	// Collecting freezes parameters and records embeddings until the token budget is met.
	Collecting State = iota
	// Rearmed is a second collection forced once by the update-count threshold.
	Rearmed
	// Training runs the full disentangled objective.
	Training
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Rearmed:
		return "rearmed"
	case Training:
		return "training"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stage is the training-phase state machine threaded through every forward pass.
// It is safe for concurrent use so monitors can read it while training runs.
type Stage struct {
	mu      sync.Mutex
	state   State
	tokens  int
	budget  int
	rearmAt int
	updates int

	prefit  bool
	rearmed bool
	fits    int
}

// StageInfo is a consistent copy of a Stage.
type StageInfo struct {
	State   State
	Tokens  int
	Budget  int
	Updates int
	Fits    int
	Rearmed bool
}

// NewStage starts in Collecting, or in Training when the mixtures were fit externally.
func NewStage(budget, rearmAt int, prefit bool) *Stage {
	s := &Stage{budget: budget, rearmAt: rearmAt, prefit: prefit}
	if prefit {
		s.state = Training
	}
	return s
}

// Snapshot copies every counter under one lock.
func (s *Stage) Snapshot() StageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StageInfo{
		State:   s.state,
		Tokens:  s.tokens,
		Budget:  s.budget,
		Updates: s.updates,
		Fits:    s.fits,
		Rearmed: s.rearmed,
	}
}

func (s *Stage) State() State  { return s.Snapshot().State }
func (s *Stage) Tokens() int   { return s.Snapshot().Tokens }
func (s *Stage) Budget() int   { return s.budget }
func (s *Stage) Updates() int  { return s.Snapshot().Updates }
func (s *Stage) Fits() int     { return s.Snapshot().Fits }
func (s *Stage) Rearmed() bool { return s.Snapshot().Rearmed }

// Collecting reports whether the current pass records embeddings with frozen parameters.
func (s *Stage) Collecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collecting()
}

func (s *Stage) collecting() bool {
	return s.state == Collecting || s.state == Rearmed
}

// Begin opens a forward pass. It counts training updates and reports whether
// this pass re-armed collection; the caller must then clear its buffer.
func (s *Stage) Begin(training bool) (rearmedNow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if training {
		s.updates++
	}
	if s.prefit && !s.rearmed && s.updates >= s.rearmAt {
		s.rearmed = true
		s.tokens = 0
		s.state = Rearmed
		return true
	}
	return false
}

// Advance adds collected tokens and reports whether the budget was reached by this call.
func (s *Stage) Advance(tokens int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.collecting() {
		return false
	}
	s.tokens += tokens
	return s.tokens >= s.budget
}

// IncludeHeads reports whether the pending fit also re-initialises head-selection mixtures.
func (s *Stage) IncludeHeads() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Rearmed
}

// Complete records that the mixtures were fit and moves to Training.
func (s *Stage) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fits++
	s.state = Training
}
