package session

import (
	"time"

	"github.com/slidedrift/backend/internal/engine"
	"github.com/slidedrift/backend/pkg/types"
)

type Msg interface{ isSessionMsg() }

// Initialize sets up a fresh waiting session and persists it. Re-invocation
// overwrites state; it is only ever sent once per session in practice.
type Initialize struct {
	Reply chan error
}

type Start struct {
	DeckID    string
	MaxSlides int
	Reply     chan StartReply
}

type StartReply struct {
	Snapshot types.StatusSnapshot
	Err      error
}

type Vote struct {
	VoterID string
	Choice  engine.Choice
	Reply   chan VoteReply
}

type VoteReply struct {
	Votes types.VoteCounts
	Err   error
}

type GetStatus struct {
	Reply chan StatusReply
}

type StatusReply struct {
	Snapshot types.StatusSnapshot
	Err      error
}

// Join attaches a viewer connection. The new viewer immediately receives a
// full-state snapshot so late joiners converge regardless of missed deltas.
type Join struct {
	ConnID string
	Outbox chan types.Envelope
}

type Leave struct{ ConnID string }

// TimerFired is delivered by the timer runner, at least once per armed
// deadline. Deadline is the value the timer was armed with; fires whose
// deadline does not match the coordinator's current one are stale and dropped.
type TimerFired struct {
	Deadline time.Time
}

// IdleCheck replies true when the coordinator has seen no activity since the
// given instant; the directory uses it to evict cold sessions.
type IdleCheck struct {
	Since time.Time
	Reply chan bool
}

type Shutdown struct{}

func (Initialize) isSessionMsg() {}
func (Start) isSessionMsg()      {}
func (Vote) isSessionMsg()       {}
func (GetStatus) isSessionMsg()  {}
func (Join) isSessionMsg()       {}
func (Leave) isSessionMsg()      {}
func (TimerFired) isSessionMsg() {}
func (IdleCheck) isSessionMsg()  {}
func (Shutdown) isSessionMsg()   {}
