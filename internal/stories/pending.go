package stories

import (
	"fmt"
	"sync"
)

// WriteState tracks one optimistic create through its lifecycle. The local
// row exists from Optimistic until a rollback; TimedOutPendingConfirm is the
// first-class "we returned to the caller but the remote write is still
// resolving" state.
type WriteState int32

const (
	StateOptimistic WriteState = iota
	StateConfirmed
	StateTimedOutPendingConfirm
	StateRolledBack
)

func (s WriteState) String() string {
	switch s {
	case StateOptimistic:
		return "optimistic"
	case StateConfirmed:
		return "confirmed"
	case StateTimedOutPendingConfirm:
		return "timed-out-pending-confirm"
	case StateRolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

type pendingWrite struct {
	id string

	mu    sync.Mutex
	state WriteState
}

func newPendingWrite(id string) *pendingWrite {
	return &pendingWrite{id: id, state: StateOptimistic}
}

func (p *pendingWrite) State() WriteState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// transition enforces the legal moves: Optimistic may time out, confirm, or
// roll back; TimedOutPendingConfirm may confirm or roll back; the terminal
// states never change.
func (p *pendingWrite) transition(to WriteState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := false
	switch p.state {
	case StateOptimistic:
		ok = to == StateConfirmed || to == StateRolledBack || to == StateTimedOutPendingConfirm
	case StateTimedOutPendingConfirm:
		ok = to == StateConfirmed || to == StateRolledBack
	}
	if ok {
		p.state = to
	}
	return ok
}

func (p *pendingWrite) confirm() bool  { return p.transition(StateConfirmed) }
func (p *pendingWrite) rollback() bool { return p.transition(StateRolledBack) }
func (p *pendingWrite) timeOut() bool  { return p.transition(StateTimedOutPendingConfirm) }
