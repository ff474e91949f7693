// Package session implements the per-session coordinator: one goroutine
// owning one live game's state, consuming a typed message inbox. The single
// loop is what serializes concurrent votes, timer fires and status reads; no
// locking exists in the handler bodies. Every state change is persisted
// before it is broadcast, and a recreated coordinator recovers its identity
// and state from storage before acting.
package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/slidedrift/backend/internal/engine"
	"github.com/slidedrift/backend/internal/store"
	"github.com/slidedrift/backend/pkg/types"
)

var ErrSessionNotFound = errors.New("session not found")

// GraphLoader is the similarity-graph side of the deck catalog: the ready
// graph plus the deck's designated first slide.
type GraphLoader interface {
	LoadGraph(ctx context.Context, deckID string) (engine.Graph, string, error)
}

type Deps struct {
	Store  store.Store
	Decks  GraphLoader
	Timing engine.Timing
	Log    *zap.Logger
}

type Coordinator struct {
	code       string
	instanceID string
	inbox      chan Msg
	deps       Deps

	state        engine.State
	initialized  bool
	clients      map[string]chan types.Envelope
	lastActivity time.Time

	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
}

// New spawns the coordinator loop. The caller (the directory) must have
// written the identity record for instanceID before calling; the loop's
// first act is to recover identity and state from storage.
func New(parent context.Context, instanceID, code string, deps Deps) *Coordinator {
	ctx, cancel := context.WithCancel(parent)

	c := &Coordinator{
		code:         code,
		instanceID:   instanceID,
		inbox:        make(chan Msg, 64),
		deps:         deps,
		clients:      make(map[string]chan types.Envelope),
		lastActivity: time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		log:          deps.Log.Named("session").With(zap.String("session", code)),
	}

	go c.loop()
	return c
}

func (c *Coordinator) Inbox() chan<- Msg { return c.inbox }
func (c *Coordinator) Code() string      { return c.code }

func (c *Coordinator) loop() {
	c.recover()

	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return

		case m := <-c.inbox:
			if _, idle := m.(IdleCheck); !idle {
				c.lastActivity = time.Now()
			}

			switch msg := m.(type) {
			case Initialize:
				msg.Reply <- c.handleInitialize()
			case Start:
				msg.Reply <- c.handleStart(msg)
			case Vote:
				msg.Reply <- c.handleVote(msg)
			case GetStatus:
				msg.Reply <- c.handleStatus()
			case Join:
				c.clients[msg.ConnID] = msg.Outbox
				if c.initialized {
					c.sendTo(msg.ConnID, types.NewEnvelope(types.MsgGameState, c.snapshot(time.Now())))
				}
			case Leave:
				// closing the outbox is what ends the connection's
				// writer goroutine
				if ch, ok := c.clients[msg.ConnID]; ok {
					close(ch)
					delete(c.clients, msg.ConnID)
				}
			case TimerFired:
				c.handleTimerFired(msg)
			case IdleCheck:
				msg.Reply <- c.lastActivity.Before(msg.Since) && len(c.clients) == 0
			case Shutdown:
				c.shutdown()
				return
			}
		}
	}
}

// recover is the cold-start two-step: identity record first (a fresh process
// cannot trust transient memory for its own session id), then the session
// record. A coordinator with neither stays uninitialized and every mutating
// message fails with ErrSessionNotFound until Initialize arrives.
func (c *Coordinator) recover() {
	ctx := c.ctx

	code, err := c.deps.Store.LoadIdentity(ctx, c.instanceID)
	switch {
	case err == nil:
		c.code = code
	case errors.Is(err, store.ErrNotFound):
		c.log.Warn("no identity record for instance", zap.String("instance", c.instanceID))
	default:
		c.log.Error("identity recovery failed", zap.Error(err))
		return
	}

	rec, err := c.deps.Store.LoadSession(ctx, c.code)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		// malformed rows included: log and behave as uninitialized
		c.log.Error("session record unusable", zap.Error(err))
		return
	}

	c.state = stateFromRecord(rec)
	c.initialized = true

	if c.state.Phase == engine.PhasePresenting || c.state.Phase == engine.PhaseVoting {
		graph, _, err := c.deps.Decks.LoadGraph(ctx, c.state.DeckID)
		if err != nil {
			// leave Graph nil; timer handling reloads before advancing
			c.log.Error("graph reload deferred", zap.String("deck", c.state.DeckID), zap.Error(err))
		} else {
			c.state.Graph = graph
		}

		// Heal a crash that landed between persisting the deadline and
		// arming the durable timer: re-arm from the persisted record.
		if !c.state.Deadline.IsZero() {
			if err := c.deps.Store.ArmTimer(ctx, c.code, c.state.Deadline); err != nil {
				c.log.Error("re-arm on recovery failed", zap.Error(err))
			}
		}
	}

	c.log.Info("session rehydrated",
		zap.String("phase", string(c.state.Phase)),
		zap.Int("slideCount", c.state.SlideCount))
}

func (c *Coordinator) handleInitialize() error {
	state := engine.NewWaitingState()
	if err := c.deps.Store.SaveSession(c.ctx, recordFromState(c.code, state)); err != nil {
		return err
	}
	c.state = state
	c.initialized = true
	return nil
}

func (c *Coordinator) handleStart(msg Start) StartReply {
	if !c.initialized {
		return StartReply{Err: ErrSessionNotFound}
	}
	if c.state.Phase != engine.PhaseWaiting {
		return StartReply{Err: engine.ErrInvalidState}
	}

	graph, first, err := c.deps.Decks.LoadGraph(c.ctx, msg.DeckID)
	if err != nil {
		return StartReply{Err: err}
	}

	now := time.Now()
	_, newState, err := engine.Apply(c.state, engine.Command{
		Type:       engine.CmdStartGame,
		DeckID:     msg.DeckID,
		FirstSlide: first,
		MaxSlides:  msg.MaxSlides,
		Graph:      graph,
		Now:        now,
		Timing:     c.deps.Timing,
	})
	if err != nil {
		return StartReply{Err: err}
	}
	newState.Deadline = storableDeadline(newState.Deadline)

	if err := c.deps.Store.SaveSession(c.ctx, recordFromState(c.code, newState)); err != nil {
		return StartReply{Err: err}
	}
	if err := c.deps.Store.ArmTimer(c.ctx, c.code, newState.Deadline); err != nil {
		return StartReply{Err: err}
	}
	c.state = newState

	c.log.Info("game started", zap.String("deck", msg.DeckID), zap.Int("maxSlides", msg.MaxSlides))
	snap := c.snapshot(now)
	c.broadcast(types.NewEnvelope(types.MsgGameState, snap))
	return StartReply{Snapshot: snap}
}

func (c *Coordinator) handleVote(msg Vote) VoteReply {
	if !c.initialized {
		return VoteReply{Err: ErrSessionNotFound}
	}

	_, newState, err := engine.Apply(c.state, engine.Command{
		Type:    engine.CmdCastVote,
		VoterID: msg.VoterID,
		Choice:  msg.Choice,
	})
	if err != nil {
		return VoteReply{Err: err}
	}

	// Individual votes are not made durable; the round tally is a product-
	// accepted casualty of a crash, and aggregate counts land in the session
	// record at the next phase transition.
	c.state = newState

	counts := voteCounts(newState)
	c.broadcast(types.NewEnvelope(types.MsgVoteUpdate, counts))
	return VoteReply{Votes: counts}
}

func (c *Coordinator) handleStatus() StatusReply {
	if !c.initialized {
		return StatusReply{Err: ErrSessionNotFound}
	}
	return StatusReply{Snapshot: c.snapshot(time.Now())}
}

func (c *Coordinator) handleTimerFired(msg TimerFired) {
	if !c.initialized {
		c.log.Warn("timer fire for unknown session, dropping")
		return
	}
	if c.state.Deadline.IsZero() || !msg.Deadline.Equal(c.state.Deadline) {
		// Superseded or already-handled deadline; at-least-once delivery
		// makes these normal, not errors. A stale fire also means the live
		// deadline may have no timer row (its arm could have failed after
		// the last transition), so restore it. Arming is an upsert, so this
		// is a no-op when the row is already right.
		if !c.state.Deadline.IsZero() {
			c.rearm(c.state.Deadline)
		}
		c.log.Debug("stale timer fire dropped",
			zap.Time("fired", msg.Deadline), zap.Time("armed", c.state.Deadline))
		return
	}

	// Closing a round walks the similarity graph; if the graph did not
	// survive rehydration, fetch it before acting or leave the timer row to
	// refire on the next poll.
	if c.state.Phase == engine.PhaseVoting && c.state.Graph == nil {
		graph, _, err := c.deps.Decks.LoadGraph(c.ctx, c.state.DeckID)
		if err != nil {
			c.log.Error("graph load on timer fire failed, will retry", zap.Error(err))
			c.rearm(msg.Deadline)
			return
		}
		c.state.Graph = graph
	}

	now := time.Now()
	events, newState, err := engine.Apply(c.state, engine.Command{
		Type:   engine.CmdTimerExpired,
		Now:    now,
		Timing: c.deps.Timing,
	})
	if err != nil {
		c.log.Error("timer transition rejected", zap.String("phase", string(c.state.Phase)), zap.Error(err))
		return
	}
	newState.Deadline = storableDeadline(newState.Deadline)

	if err := c.deps.Store.SaveSession(c.ctx, recordFromState(c.code, newState)); err != nil {
		c.log.Error("persist on timer fire failed, will retry", zap.Error(err))
		c.rearm(msg.Deadline)
		return
	}
	if !newState.Deadline.IsZero() {
		if err := c.deps.Store.ArmTimer(c.ctx, c.code, newState.Deadline); err != nil {
			// Put the consumed fire back so the due-scan redelivers it;
			// the stale branch then arms the real deadline.
			c.log.Error("arm next timer failed, will retry", zap.Error(err))
			c.rearm(msg.Deadline)
		}
	}
	c.state = newState

	for _, e := range events {
		switch e.Type {
		case engine.EvtSlideAdvanced:
			c.log.Info("slide advanced",
				zap.String("slide", e.Slide), zap.String("winner", string(e.Choice)))
			c.broadcast(types.NewEnvelope(types.MsgSlideChange, types.SlideChange{
				Slide:      e.Slide,
				SlideCount: newState.SlideCount,
				Winner:     string(e.Choice),
			}))
		case engine.EvtGameFinished:
			c.log.Info("game finished", zap.Int("slides", newState.SlideCount))
		}
	}
	c.broadcast(types.NewEnvelope(types.MsgGameState, c.snapshot(now)))
}

// storableDeadline truncates to what postgres timestamptz round-trips.
// Deadlines must compare equal after a trip through the timer table, or
// every delivered fire would look stale.
func storableDeadline(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

// rearm puts the original deadline back so the due-scan redelivers it on the
// next poll. The deadline is unchanged, so the redelivered fire passes the
// staleness check.
func (c *Coordinator) rearm(deadline time.Time) {
	if err := c.deps.Store.ArmTimer(c.ctx, c.code, deadline); err != nil {
		c.log.Error("re-arm for retry failed", zap.Error(err))
	}
}

func (c *Coordinator) broadcast(env types.Envelope) {
	for id := range c.clients {
		c.sendTo(id, env)
	}
}

// sendTo never blocks the loop. A viewer whose outbox cannot take the
// message right now is slow or dead; dropping it must never stall the rest.
func (c *Coordinator) sendTo(id string, env types.Envelope) {
	ch, ok := c.clients[id]
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
		c.log.Warn("dropping slow viewer", zap.String("conn", id))
		close(ch)
		delete(c.clients, id)
	}
}

func (c *Coordinator) snapshot(now time.Time) types.StatusSnapshot {
	return types.StatusSnapshot{
		SessionID:       c.code,
		Phase:           string(c.state.Phase),
		CurrentSlide:    c.state.CurrentSlide,
		SlideCount:      c.state.SlideCount,
		MaxSlides:       c.state.MaxSlides,
		VotingOpen:      c.state.VotingOpen,
		Votes:           voteCounts(c.state),
		TimeRemainingMS: c.state.Remaining(now).Milliseconds(),
	}
}

func voteCounts(s engine.State) types.VoteCounts {
	return types.VoteCounts{
		Logical: s.Votes[engine.ChoiceLogical],
		Chaotic: s.Votes[engine.ChoiceChaotic],
	}
}

func (c *Coordinator) shutdown() {
	for id, ch := range c.clients {
		close(ch)
		delete(c.clients, id)
	}
	c.cancel()
}

func recordFromState(code string, s engine.State) store.SessionRecord {
	return store.SessionRecord{
		SessionID:     code,
		DeckID:        s.DeckID,
		Phase:         string(s.Phase),
		CurrentSlide:  s.CurrentSlide,
		UsedSlides:    append([]string(nil), s.UsedSlides...),
		SlideCount:    s.SlideCount,
		MaxSlides:     s.MaxSlides,
		VotesLogical:  s.Votes[engine.ChoiceLogical],
		VotesChaotic:  s.Votes[engine.ChoiceChaotic],
		TimerDeadline: s.Deadline,
	}
}

// stateFromRecord rebuilds coordinator state from the durable snapshot. The
// voter identity set is not persisted, so a round resumed after a crash
// accepts each voter id once more; the phase implies whether voting is open.
func stateFromRecord(rec store.SessionRecord) engine.State {
	return engine.State{
		Phase:        engine.Phase(rec.Phase),
		DeckID:       rec.DeckID,
		CurrentSlide: rec.CurrentSlide,
		UsedSlides:   append([]string(nil), rec.UsedSlides...),
		SlideCount:   rec.SlideCount,
		MaxSlides:    rec.MaxSlides,
		VotingOpen:   engine.Phase(rec.Phase) == engine.PhaseVoting,
		Votes: map[engine.Choice]int{
			engine.ChoiceLogical: rec.VotesLogical,
			engine.ChoiceChaotic: rec.VotesChaotic,
		},
		Voters:   map[string]bool{},
		Deadline: rec.TimerDeadline,
	}
}
