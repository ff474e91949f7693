package engine

import (
	"errors"
	"time"
)

var ErrInvalidState = errors.New("operation not valid in current phase")
var ErrVotingClosed = errors.New("voting is closed")
var ErrAlreadyVoted = errors.New("voter already voted this round")
var ErrUnknownChoice = errors.New("unknown vote choice")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhasePresenting Phase = "presenting"
	PhaseVoting     Phase = "voting"
	PhaseFinished   Phase = "finished"
)

type Choice string

const (
	ChoiceLogical Choice = "logical"
	ChoiceChaotic Choice = "chaotic"
)

// Neighbors holds the two precomputed ranked lists for one slide: Logical is
// most-to-less similar, Chaotic is least-to-more similar.
type Neighbors struct {
	Logical []string
	Chaotic []string
}

// Graph is the similarity graph for one deck, keyed by slide id. Read-only
// once loaded.
type Graph map[string]Neighbors

type Timing struct {
	Present time.Duration
	Vote    time.Duration
}

type State struct {
	Phase        Phase
	DeckID       string
	CurrentSlide string
	UsedSlides   []string // ordered, CurrentSlide always a member once started
	SlideCount   int
	MaxSlides    int
	VotingOpen   bool
	Votes        map[Choice]int
	Voters       map[string]bool
	Deadline     time.Time // zero when no timer pending
	Graph        Graph
}

type CommandType string

const (
	CmdStartGame    CommandType = "StartGame"
	CmdCastVote     CommandType = "CastVote"
	CmdTimerExpired CommandType = "TimerExpired"
)

type Command struct {
	Type       CommandType
	DeckID     string // StartGame
	FirstSlide string // StartGame
	MaxSlides  int    // StartGame
	Graph      Graph  // StartGame
	VoterID    string // CastVote
	Choice     Choice // CastVote
	Deadline   time.Time
	Now        time.Time
	Timing     Timing
}

type EventType string

const (
	EvtGameStarted   EventType = "GameStarted"
	EvtVotingOpened  EventType = "VotingOpened"
	EvtVoteRecorded  EventType = "VoteRecorded"
	EvtVotingClosed  EventType = "VotingClosed"
	EvtSlideAdvanced EventType = "SlideAdvanced"
	EvtGameFinished  EventType = "GameFinished"
)

type Event struct {
	Type    EventType
	Slide   string
	Choice  Choice
	VoterID string
}

// NewWaitingState is the initialized-but-unstarted session: the phase machine
// sits in waiting until an explicit start.
func NewWaitingState() State {
	return State{
		Phase:  PhaseWaiting,
		Votes:  map[Choice]int{ChoiceLogical: 0, ChoiceChaotic: 0},
		Voters: map[string]bool{},
	}
}

// Apply runs one command against the state machine. It never mutates s on an
// error path; on success the returned state supersedes s (maps may be shared,
// the caller owns exactly one live copy).
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdStartGame:
		if s.Phase != PhaseWaiting {
			return nil, s, ErrInvalidState
		}

		newState := s
		newState.Phase = PhasePresenting
		newState.DeckID = cmd.DeckID
		newState.Graph = cmd.Graph
		newState.MaxSlides = cmd.MaxSlides
		newState.CurrentSlide = cmd.FirstSlide
		newState.UsedSlides = []string{cmd.FirstSlide}
		newState.SlideCount = 1
		newState.Deadline = cmd.Now.Add(cmd.Timing.Present)

		return []Event{{Type: EvtGameStarted, Slide: cmd.FirstSlide}}, newState, nil

	case CmdCastVote:
		if !s.VotingOpen {
			return nil, s, ErrVotingClosed
		}
		if cmd.Choice != ChoiceLogical && cmd.Choice != ChoiceChaotic {
			return nil, s, ErrUnknownChoice
		}
		if s.Voters[cmd.VoterID] {
			return nil, s, ErrAlreadyVoted
		}

		newState := s
		newState.Votes[cmd.Choice]++
		newState.Voters[cmd.VoterID] = true

		return []Event{{Type: EvtVoteRecorded, Choice: cmd.Choice, VoterID: cmd.VoterID}}, newState, nil

	case CmdTimerExpired:
		switch s.Phase {
		case PhasePresenting:
			return presentationExpired(s, cmd)
		case PhaseVoting:
			return votingExpired(s, cmd)
		default:
			// waiting/finished should never have an armed timer
			return nil, s, ErrInvalidState
		}

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func presentationExpired(s State, cmd Command) ([]Event, State, error) {
	newState := s

	// Last slide runs out its timer and the game just ends, no final round.
	if s.SlideCount >= s.MaxSlides {
		newState.Phase = PhaseFinished
		newState.Deadline = time.Time{}
		return []Event{{Type: EvtGameFinished, Slide: s.CurrentSlide}}, newState, nil
	}

	newState.Phase = PhaseVoting
	newState.VotingOpen = true
	newState.Votes = map[Choice]int{ChoiceLogical: 0, ChoiceChaotic: 0}
	newState.Voters = map[string]bool{}
	newState.Deadline = cmd.Now.Add(cmd.Timing.Vote)

	return []Event{{Type: EvtVotingOpened, Slide: s.CurrentSlide}}, newState, nil
}

func votingExpired(s State, cmd Command) ([]Event, State, error) {
	newState := s
	newState.VotingOpen = false

	choice := winner(s.Votes)
	events := []Event{{Type: EvtVotingClosed, Choice: choice}}

	next := nextUnused(s.Graph[s.CurrentSlide], choice, s.UsedSlides)
	if next == "" || s.SlideCount >= s.MaxSlides {
		newState.Phase = PhaseFinished
		newState.Deadline = time.Time{}
		return append(events, Event{Type: EvtGameFinished, Slide: s.CurrentSlide}), newState, nil
	}

	newState.Phase = PhasePresenting
	newState.CurrentSlide = next
	newState.UsedSlides = append(s.UsedSlides, next)
	newState.SlideCount = s.SlideCount + 1
	newState.Deadline = cmd.Now.Add(cmd.Timing.Present)

	return append(events, Event{Type: EvtSlideAdvanced, Slide: next, Choice: choice}), newState, nil
}

// winner resolves the round: strictly more votes wins, ties go to chaotic.
func winner(votes map[Choice]int) Choice {
	if votes[ChoiceLogical] > votes[ChoiceChaotic] {
		return ChoiceLogical
	}
	return ChoiceChaotic
}

// nextUnused scans the ranked neighbor list for the chosen direction and
// returns the first slide not already shown, or "" if the list is exhausted.
// Greedy and non-backtracking: if every ranked neighbor was used, the game
// ends even when unused slides remain elsewhere in the graph.
func nextUnused(n Neighbors, choice Choice, used []string) string {
	ranked := n.Logical
	if choice == ChoiceChaotic {
		ranked = n.Chaotic
	}
	for _, id := range ranked {
		if !slideUsed(used, id) {
			return id
		}
	}
	return ""
}

func slideUsed(used []string, id string) bool {
	for _, u := range used {
		if u == id {
			return true
		}
	}
	return false
}

// Remaining is the time left on the pending timer, floored at zero.
func (s State) Remaining(now time.Time) time.Duration {
	if s.Deadline.IsZero() {
		return 0
	}
	d := s.Deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
