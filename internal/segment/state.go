package segment

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a segment.
type State uint32

const (
	// StateActive accepts appends. Exactly one segment per log is active.
	StateActive State = iota
	// StateSealed is read-only and eligible for compaction.
	StateSealed
	// StateCompactionCandidate is being rewritten by the compactor.
	StateCompactionCandidate
	// StateReclaimed has been superseded; its file is removed once the
	// last reader releases it.
	StateReclaimed
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid segment state transition")

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSealed:
		return "sealed"
	case StateCompactionCandidate:
		return "compaction_candidate"
	case StateReclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// canTransition lists the allowed edges. A candidate falls back to sealed
// when its compaction aborts.
func canTransition(from, to State) bool {
	switch from {
	case StateActive:
		return to == StateSealed
	case StateSealed:
		return to == StateCompactionCandidate
	case StateCompactionCandidate:
		return to == StateSealed || to == StateReclaimed
	default:
		return false
	}
}
