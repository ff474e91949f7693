package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slidedrift/backend/internal/engine"
	"github.com/slidedrift/backend/internal/store"
	"github.com/slidedrift/backend/pkg/types"
)

type fakeDecks struct {
	graph engine.Graph
	first string
	err   error
}

func (f fakeDecks) LoadGraph(context.Context, string) (engine.Graph, string, error) {
	return f.graph, f.first, f.err
}

func testDecks() fakeDecks {
	return fakeDecks{
		first: "s1",
		graph: engine.Graph{
			"s1": {Logical: []string{"s2", "s3", "s4"}, Chaotic: []string{"s9", "s8", "s7"}},
			"s2": {Logical: []string{"s1", "s3", "s5"}, Chaotic: []string{"s7", "s9", "s6"}},
			"s9": {Logical: []string{"s8", "s7", "s6"}, Chaotic: []string{"s1", "s2", "s3"}},
		},
	}
}

func testDeps(st store.Store, decks GraphLoader) Deps {
	return Deps{
		Store:  st,
		Decks:  decks,
		Timing: engine.Timing{Present: 45 * time.Second, Vote: 10 * time.Second},
		Log:    zap.NewNop(),
	}
}

// helper: receive one envelope with a timeout so tests never hang
func recvEnvelope(t *testing.T, ch <-chan types.Envelope, within time.Duration) types.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatalf("viewer outbox closed unexpectedly")
		}
		return env
	case <-time.After(within):
		t.Fatalf("timed out waiting for envelope")
		return types.Envelope{} // unreachable
	}
}

func initialize(t *testing.T, c *Coordinator) {
	t.Helper()
	reply := make(chan error, 1)
	c.Inbox() <- Initialize{Reply: reply}
	if err := <-reply; err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func startGame(t *testing.T, c *Coordinator, maxSlides int) types.StatusSnapshot {
	t.Helper()
	reply := make(chan StartReply, 1)
	c.Inbox() <- Start{DeckID: "deck-1", MaxSlides: maxSlides, Reply: reply}
	r := <-reply
	if r.Err != nil {
		t.Fatalf("start: %v", r.Err)
	}
	return r.Snapshot
}

func castVote(t *testing.T, c *Coordinator, voter string, choice engine.Choice) VoteReply {
	t.Helper()
	reply := make(chan VoteReply, 1)
	c.Inbox() <- Vote{VoterID: voter, Choice: choice, Reply: reply}
	return <-reply
}

func status(t *testing.T, c *Coordinator) StatusReply {
	t.Helper()
	reply := make(chan StatusReply, 1)
	c.Inbox() <- GetStatus{Reply: reply}
	return <-reply
}

// armedDeadline reads the durable record back so tests can deliver the exact
// deadline a real timer runner would.
func armedDeadline(t *testing.T, mem *store.Memory, code string) time.Time {
	t.Helper()
	rec, err := mem.LoadSession(context.Background(), code)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if rec.TimerDeadline.IsZero() {
		t.Fatalf("no deadline persisted for %s", code)
	}
	return rec.TimerDeadline
}

func newTestCoordinator(t *testing.T, st store.Store, code string, decks GraphLoader) *Coordinator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	instanceID := uuid.NewString()
	if err := st.SaveIdentity(ctx, instanceID, code); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	return New(ctx, instanceID, code, testDeps(st, decks))
}

// flakyTimers fails a set number of ArmTimer calls, then behaves normally.
type flakyTimers struct {
	*store.Memory
	mu       sync.Mutex
	failArms int
}

func (f *flakyTimers) failNextArm() {
	f.mu.Lock()
	f.failArms++
	f.mu.Unlock()
}

func (f *flakyTimers) ArmTimer(ctx context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	fail := f.failArms > 0
	if fail {
		f.failArms--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("timer table unavailable")
	}
	return f.Memory.ArmTimer(ctx, sessionID, at)
}

func TestCoordinator_UninitializedRejectsEverything(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())

	if r := status(t, c); !errors.Is(r.Err, ErrSessionNotFound) {
		t.Fatalf("status: want ErrSessionNotFound, got %v", r.Err)
	}
	if r := castVote(t, c, "v1", engine.ChoiceLogical); !errors.Is(r.Err, ErrSessionNotFound) {
		t.Fatalf("vote: want ErrSessionNotFound, got %v", r.Err)
	}

	reply := make(chan StartReply, 1)
	c.Inbox() <- Start{DeckID: "deck-1", MaxSlides: 3, Reply: reply}
	if r := <-reply; !errors.Is(r.Err, ErrSessionNotFound) {
		t.Fatalf("start: want ErrSessionNotFound, got %v", r.Err)
	}
}

func TestCoordinator_JoinReceivesSnapshot(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)

	out := make(chan types.Envelope, 4)
	c.Inbox() <- Join{ConnID: "conn1", Outbox: out}

	env := recvEnvelope(t, out, 200*time.Millisecond)
	if env.Type != types.MsgGameState {
		t.Fatalf("want gameState on join, got %s", env.Type)
	}
	snap := env.Data.(types.StatusSnapshot)
	if snap.Phase != "waiting" || snap.SessionID != "AAAA11" {
		t.Fatalf("unexpected join snapshot: %+v", snap)
	}
}

func TestCoordinator_StartPersistsBeforeBroadcast(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)

	out := make(chan types.Envelope, 4)
	c.Inbox() <- Join{ConnID: "conn1", Outbox: out}
	_ = recvEnvelope(t, out, 200*time.Millisecond) // join snapshot

	snap := startGame(t, c, 3)
	if snap.Phase != "presenting" || snap.CurrentSlide != "s1" || snap.SlideCount != 1 {
		t.Fatalf("unexpected start snapshot: %+v", snap)
	}

	// the broadcast must describe a state that is already durable
	env := recvEnvelope(t, out, 200*time.Millisecond)
	rec, err := mem.LoadSession(context.Background(), "AAAA11")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Phase != "presenting" || rec.CurrentSlide != "s1" {
		t.Fatalf("broadcast before persist: record is %+v", rec)
	}
	if env.Data.(types.StatusSnapshot).Phase != "presenting" {
		t.Fatalf("want presenting broadcast, got %+v", env)
	}
	if rec.TimerDeadline.IsZero() {
		t.Fatalf("presentation timer not armed durably")
	}
}

func TestCoordinator_StartSurfacesDeckErrors(t *testing.T) {
	mem := store.NewMemory()
	deckErr := errors.New("deck not ready: status is \"processing\"")
	c := newTestCoordinator(t, mem, "AAAA11", fakeDecks{err: deckErr})
	initialize(t, c)

	reply := make(chan StartReply, 1)
	c.Inbox() <- Start{DeckID: "deck-1", MaxSlides: 3, Reply: reply}
	if r := <-reply; !errors.Is(r.Err, deckErr) {
		t.Fatalf("want deck error passed through, got %v", r.Err)
	}

	// failed start leaves the session in waiting
	if r := status(t, c); r.Snapshot.Phase != "waiting" {
		t.Fatalf("want waiting after failed start, got %+v", r.Snapshot)
	}
}

func TestCoordinator_HappyPath(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 3)

	out := make(chan types.Envelope, 16)
	c.Inbox() <- Join{ConnID: "conn1", Outbox: out}
	_ = recvEnvelope(t, out, 200*time.Millisecond)

	// presentation timer fires: voting opens
	c.Inbox() <- TimerFired{Deadline: armedDeadline(t, mem, "AAAA11")}
	env := recvEnvelope(t, out, 200*time.Millisecond)
	snap := env.Data.(types.StatusSnapshot)
	if snap.Phase != "voting" || !snap.VotingOpen {
		t.Fatalf("want open voting, got %+v", snap)
	}

	// 3 logical, 1 chaotic from distinct voters
	for _, v := range []string{"v1", "v2", "v3"} {
		if r := castVote(t, c, v, engine.ChoiceLogical); r.Err != nil {
			t.Fatalf("vote %s: %v", v, r.Err)
		}
		_ = recvEnvelope(t, out, 200*time.Millisecond) // voteUpdate
	}
	r := castVote(t, c, "v4", engine.ChoiceChaotic)
	if r.Err != nil {
		t.Fatalf("vote v4: %v", r.Err)
	}
	if r.Votes.Logical != 3 || r.Votes.Chaotic != 1 {
		t.Fatalf("want 3/1, got %+v", r.Votes)
	}
	_ = recvEnvelope(t, out, 200*time.Millisecond)

	// voting timer fires: logical wins, advance to s1's first unused logical neighbor
	c.Inbox() <- TimerFired{Deadline: armedDeadline(t, mem, "AAAA11")}
	change := recvEnvelope(t, out, 200*time.Millisecond)
	if change.Type != types.MsgSlideChange {
		t.Fatalf("want slideChange, got %s", change.Type)
	}
	sc := change.Data.(types.SlideChange)
	if sc.Slide != "s2" || sc.Winner != "logical" || sc.SlideCount != 2 {
		t.Fatalf("unexpected slide change: %+v", sc)
	}

	state := recvEnvelope(t, out, 200*time.Millisecond)
	snap = state.Data.(types.StatusSnapshot)
	if snap.Phase != "presenting" || snap.CurrentSlide != "s2" || snap.SlideCount != 2 {
		t.Fatalf("unexpected post-advance snapshot: %+v", snap)
	}
}

func TestCoordinator_DuplicateVote(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 3)
	c.Inbox() <- TimerFired{Deadline: armedDeadline(t, mem, "AAAA11")}

	if r := castVote(t, c, "v1", engine.ChoiceLogical); r.Err != nil {
		t.Fatalf("first vote: %v", r.Err)
	}
	r := castVote(t, c, "v1", engine.ChoiceChaotic)
	if !errors.Is(r.Err, engine.ErrAlreadyVoted) {
		t.Fatalf("want ErrAlreadyVoted, got %v", r.Err)
	}

	if s := status(t, c); s.Snapshot.Votes.Logical != 1 || s.Snapshot.Votes.Chaotic != 0 {
		t.Fatalf("tally changed by rejected vote: %+v", s.Snapshot.Votes)
	}
}

func TestCoordinator_VoteOutsideRound(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 3)

	r := castVote(t, c, "v1", engine.ChoiceLogical)
	if !errors.Is(r.Err, engine.ErrVotingClosed) {
		t.Fatalf("want ErrVotingClosed, got %v", r.Err)
	}
}

func TestCoordinator_StaleTimerFireIgnored(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 3)

	before := status(t, c).Snapshot
	c.Inbox() <- TimerFired{Deadline: time.Now().Add(-time.Hour)}
	after := status(t, c).Snapshot

	if before.Phase != after.Phase || before.SlideCount != after.SlideCount {
		t.Fatalf("stale fire mutated state: %+v -> %+v", before, after)
	}
}

func TestCoordinator_FinalSlideSkipsVoting(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 1)

	c.Inbox() <- TimerFired{Deadline: armedDeadline(t, mem, "AAAA11")}

	s := status(t, c).Snapshot
	if s.Phase != "finished" || s.VotingOpen {
		t.Fatalf("want finished without voting, got %+v", s)
	}

	rec, err := mem.LoadSession(context.Background(), "AAAA11")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Phase != "finished" || !rec.TimerDeadline.IsZero() {
		t.Fatalf("finished session should persist with no deadline: %+v", rec)
	}
}

func TestCoordinator_StatusIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 3)

	first := status(t, c).Snapshot
	for i := 0; i < 5; i++ {
		s := status(t, c).Snapshot
		if s.Phase != first.Phase || s.CurrentSlide != first.CurrentSlide || s.SlideCount != first.SlideCount {
			t.Fatalf("status call %d changed observable state: %+v vs %+v", i, s, first)
		}
	}
}

func TestCoordinator_CrashRecoveryResumes(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 3)
	before := status(t, c).Snapshot

	// simulate eviction: the process dies, memory is gone
	c.Inbox() <- Shutdown{}

	c2 := newTestCoordinator(t, mem, "AAAA11", testDecks())
	after := status(t, c2).Snapshot

	if after.Phase != before.Phase || after.CurrentSlide != before.CurrentSlide ||
		after.SlideCount != before.SlideCount || after.MaxSlides != before.MaxSlides {
		t.Fatalf("rehydrated state differs: %+v vs %+v", after, before)
	}

	// the rehydrated coordinator keeps driving the game
	c2.Inbox() <- TimerFired{Deadline: armedDeadline(t, mem, "AAAA11")}
	s := status(t, c2).Snapshot
	if s.Phase != "voting" || !s.VotingOpen {
		t.Fatalf("recovered coordinator should open voting, got %+v", s)
	}
}

func TestCoordinator_CrashMidRoundLosesTallyButResolves(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 3)
	c.Inbox() <- TimerFired{Deadline: armedDeadline(t, mem, "AAAA11")}

	castVote(t, c, "v1", engine.ChoiceLogical)
	castVote(t, c, "v2", engine.ChoiceLogical)
	c.Inbox() <- Shutdown{}

	c2 := newTestCoordinator(t, mem, "AAAA11", testDecks())
	s := status(t, c2).Snapshot
	if s.Phase != "voting" || s.Votes.Logical != 0 {
		t.Fatalf("mid-round tally should not survive a crash, got %+v", s)
	}

	// round closes on whatever survived: zero-zero resolves to chaotic
	c2.Inbox() <- TimerFired{Deadline: armedDeadline(t, mem, "AAAA11")}
	s = status(t, c2).Snapshot
	if s.Phase != "presenting" || s.CurrentSlide != "s9" {
		t.Fatalf("recovered round should advance chaotic, got %+v", s)
	}
}

func TestCoordinator_SlowViewerDropped(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)

	// unbuffered outbox that nobody drains: first broadcast drops it...
	// except Join's snapshot is sent before broadcast, so use capacity 1
	out := make(chan types.Envelope, 1)
	c.Inbox() <- Join{ConnID: "slow", Outbox: out}
	startGame(t, c, 3)

	select {
	case _, ok := <-out:
		_ = ok
	case <-time.After(200 * time.Millisecond):
	}

	// a healthy viewer still receives broadcasts after the slow one is gone
	healthy := make(chan types.Envelope, 8)
	c.Inbox() <- Join{ConnID: "healthy", Outbox: healthy}
	env := recvEnvelope(t, healthy, 200*time.Millisecond)
	if env.Type != types.MsgGameState {
		t.Fatalf("want gameState for healthy viewer, got %s", env.Type)
	}
}

func TestCoordinator_MicrosecondDeadlineRoundTrip(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 3)

	armed := armedDeadline(t, mem, "AAAA11")
	if !armed.Truncate(time.Microsecond).Equal(armed) {
		t.Fatalf("persisted deadline carries sub-microsecond precision: %v", armed)
	}

	// postgres timestamptz keeps microseconds; a fire that round-tripped
	// through it must still match what the coordinator armed
	c.Inbox() <- TimerFired{Deadline: armed.Truncate(time.Microsecond)}
	if s := status(t, c).Snapshot; s.Phase != "voting" {
		t.Fatalf("microsecond-truncated fire dropped as stale, got %+v", s)
	}
}

func TestCoordinator_LeaveClosesOutbox(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)

	out := make(chan types.Envelope, 4)
	c.Inbox() <- Join{ConnID: "conn1", Outbox: out}
	_ = recvEnvelope(t, out, 200*time.Millisecond) // join snapshot

	c.Inbox() <- Leave{ConnID: "conn1"}

	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("unexpected envelope after leave")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("outbox not closed on leave; the connection writer would never exit")
	}
}

func TestCoordinator_JoinWithFullOutboxDoesNotBlockLoop(t *testing.T) {
	mem := store.NewMemory()
	c := newTestCoordinator(t, mem, "AAAA11", testDecks())
	initialize(t, c)

	full := make(chan types.Envelope, 1)
	full <- types.NewEnvelope(types.MsgPong, nil)
	c.Inbox() <- Join{ConnID: "stuck", Outbox: full}

	// the loop must still be serving other callers
	if r := status(t, c); r.Err != nil {
		t.Fatalf("status after stuck join: %v", r.Err)
	}

	// the joiner was dropped like any slow viewer
	<-full // prefilled envelope
	select {
	case _, ok := <-full:
		if ok {
			t.Fatalf("unexpected envelope on stuck outbox")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("stuck joiner's outbox not closed")
	}
}

func TestCoordinator_ArmFailureRetriesThroughTimerStore(t *testing.T) {
	mem := store.NewMemory()
	st := &flakyTimers{Memory: mem}
	c := newTestCoordinator(t, st, "AAAA11", testDecks())
	initialize(t, c)
	startGame(t, c, 3)

	armed := armedDeadline(t, mem, "AAAA11")
	st.failNextArm()
	c.Inbox() <- TimerFired{Deadline: armed}

	// the transition is durable even though arming the vote deadline failed
	if s := status(t, c).Snapshot; s.Phase != "voting" {
		t.Fatalf("want voting, got %+v", s)
	}

	// the consumed fire went back into the timer table for redelivery
	rows, err := mem.PopDue(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("want the original fire requeued, got %v (err=%v)", rows, err)
	}
	if !rows[0].FireAt.Equal(armed) {
		t.Fatalf("requeued fire at %v, want %v", rows[0].FireAt, armed)
	}

	// redelivery is stale against the new deadline and restores the real one
	c.Inbox() <- TimerFired{Deadline: rows[0].FireAt}
	if s := status(t, c).Snapshot; s.Phase != "voting" {
		t.Fatalf("stale redelivery mutated state: %+v", s)
	}
	rows, err = mem.PopDue(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("want the live deadline re-armed, got %v (err=%v)", rows, err)
	}
	if want := armedDeadline(t, mem, "AAAA11"); !rows[0].FireAt.Equal(want) {
		t.Fatalf("re-armed %v, want the persisted vote deadline %v", rows[0].FireAt, want)
	}
}
