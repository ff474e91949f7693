// Package hub is the session directory: the one place that maps a room code
// to its live coordinator. At most one coordinator is ever active per code,
// which is the single-writer anchor the rest of the system leans on; the
// directory itself is an actor so map access needs no locking.
package hub

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slidedrift/backend/internal/session"
	"github.com/slidedrift/backend/internal/store"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const codeLength = 6

type HubMsg interface{ isHubMsg() }

// Create allocates a fresh room code, spawns its coordinator and initializes
// it. Reply carries the coordinator, or nil on failure.
type Create struct {
	Reply chan *session.Coordinator
}

// Resolve returns the live coordinator for a code, rehydrating one from
// durable state if the previous instance was evicted. Nil when the code has
// no live coordinator and no persisted record.
type Resolve struct {
	Code  string
	Reply chan *session.Coordinator
}

// Get returns the live coordinator only; no rehydration.
type Get struct {
	Code  string
	Reply chan *session.Coordinator
}

type Remove struct{ Code string }

type Shutdown struct{}

type sweep struct{}

func (Create) isHubMsg()   {}
func (Resolve) isHubMsg()  {}
func (Get) isHubMsg()      {}
func (Remove) isHubMsg()   {}
func (Shutdown) isHubMsg() {}
func (sweep) isHubMsg()    {}

type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*session.Coordinator
	deps     session.Deps
	idleFor  time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger
}

func NewHub(parent context.Context, deps session.Deps, idleFor time.Duration) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*session.Coordinator),
		deps:     deps,
		idleFor:  idleFor,
		ctx:      ctx,
		cancel:   cancel,
		log:      deps.Log.Named("hub"),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// ResolveCoordinator is the call-style wrapper around Resolve used by
// handlers and the timer runner.
func (h *Hub) ResolveCoordinator(code string) *session.Coordinator {
	reply := make(chan *session.Coordinator, 1)
	h.inbox <- Resolve{Code: code, Reply: reply}
	return <-reply
}

// DeliverFire implements the timer runner's sink. A fire whose session has
// no live coordinator and no durable record is a logged no-op, not an error;
// requeueing it would just spin.
func (h *Hub) DeliverFire(_ context.Context, sessionID string, deadline time.Time) error {
	coord := h.ResolveCoordinator(sessionID)
	if coord == nil {
		h.log.Warn("timer fire for unknown session dropped", zap.String("session", sessionID))
		return nil
	}
	coord.Inbox() <- session.TimerFired{Deadline: deadline}
	return nil
}

func (h *Hub) loop() {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if h.idleFor > 0 {
		ticker = time.NewTicker(h.idleFor / 2)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case <-tick:
			h.evictIdle()

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Create:
				msg.Reply <- h.create()

			case Resolve:
				if c := h.sessions[msg.Code]; c != nil {
					msg.Reply <- c
					break
				}
				msg.Reply <- h.rehydrate(msg.Code)

			case Get:
				msg.Reply <- h.sessions[msg.Code] // may be nil

			case Remove:
				if c := h.sessions[msg.Code]; c != nil {
					c.Inbox() <- session.Shutdown{}
					delete(h.sessions, msg.Code)
				}

			case sweep:
				h.evictIdle()

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) create() *session.Coordinator {
	var code string
	for {
		c, err := GenerateCode()
		if err != nil {
			h.log.Error("room code generation failed", zap.Error(err))
			return nil
		}
		if h.sessions[c] == nil {
			code = c
			break
		}
		// 36^6 keyspace, so a live collision is a curiosity worth a line
		h.log.Info("room code collision, regenerating", zap.String("code", c))
	}

	coord := h.spawn(code)
	if coord == nil {
		return nil
	}

	reply := make(chan error, 1)
	coord.Inbox() <- session.Initialize{Reply: reply}
	if err := <-reply; err != nil {
		h.log.Error("session initialize failed", zap.String("session", code), zap.Error(err))
		coord.Inbox() <- session.Shutdown{}
		delete(h.sessions, code)
		return nil
	}
	h.log.Info("session created", zap.String("session", code))
	return coord
}

// rehydrate brings an evicted session back from storage. Unknown codes stay
// unknown: nothing is created for a code that was never initialized.
func (h *Hub) rehydrate(code string) *session.Coordinator {
	_, err := h.deps.Store.LoadSession(h.ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		h.log.Error("rehydrate lookup failed", zap.String("session", code), zap.Error(err))
		return nil
	}
	h.log.Info("rehydrating session", zap.String("session", code))
	return h.spawn(code)
}

// spawn writes the identity record, then starts the coordinator; the
// coordinator's own recovery step reads both records back.
func (h *Hub) spawn(code string) *session.Coordinator {
	instanceID := uuid.NewString()
	if err := h.deps.Store.SaveIdentity(h.ctx, instanceID, code); err != nil {
		h.log.Error("identity write failed", zap.String("session", code), zap.Error(err))
		return nil
	}
	coord := session.New(h.ctx, instanceID, code, h.deps)
	h.sessions[code] = coord
	return coord
}

func (h *Hub) evictIdle() {
	cutoff := time.Now().Add(-h.idleFor)
	for code, coord := range h.sessions {
		reply := make(chan bool, 1)
		coord.Inbox() <- session.IdleCheck{Since: cutoff, Reply: reply}
		select {
		case idle := <-reply:
			if idle {
				h.log.Info("evicting idle session", zap.String("session", code))
				coord.Inbox() <- session.Shutdown{}
				delete(h.sessions, code)
			}
		case <-time.After(time.Second):
			// a wedged coordinator is a bug, not an eviction candidate
			h.log.Warn("idle check timed out", zap.String("session", code))
		}
	}
}

func (h *Hub) shutdown() {
	for code, coord := range h.sessions {
		coord.Inbox() <- session.Shutdown{}
		delete(h.sessions, code)
	}
	h.cancel()
}

// GenerateCode produces a 6-character room code over A-Z0-9.
func GenerateCode() (string, error) {
	code := make([]byte, codeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = codeAlphabet[num.Int64()]
	}
	return string(code), nil
}
