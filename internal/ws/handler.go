// Package ws carries the viewer push channel: a read-mostly websocket that
// streams state envelopes from the session coordinator. Viewers send nothing
// but pings; everything mutating goes over the HTTP API.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slidedrift/backend/internal/hub"
	"github.com/slidedrift/backend/internal/session"
	"github.com/slidedrift/backend/pkg/types"
)

const (
	writeTimeout = 3 * time.Second
	readTimeout  = 60 * time.Second
	outboxSize   = 16
)

type Server struct {
	hub  *hub.Hub
	meta *metaTable
	log  *zap.Logger
}

func NewServer(h *hub.Hub, log *zap.Logger) *Server {
	return &Server{hub: h, meta: newMetaTable(), log: log.Named("ws")}
}

// ConnectionCount reports currently attached viewers across all sessions.
func (s *Server) ConnectionCount() int { return s.meta.count() }

func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		coord := s.hub.ResolveCoordinator(code)
		if coord == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		connID := uuid.NewString()
		s.meta.add(connID, ConnMeta{
			SessionID:    code,
			VoterID:      r.URL.Query().Get("voter"),
			JoinedAt:     time.Now(),
			LastActivity: time.Now(),
		})
		defer s.meta.remove(connID)

		out := make(chan types.Envelope, outboxSize)
		coord.Inbox() <- session.Join{ConnID: connID, Outbox: out}
		defer func() { coord.Inbox() <- session.Leave{ConnID: connID} }()

		// Writer goroutine: drains the coordinator's broadcasts. A send
		// failure here only kills this connection; the coordinator has
		// already moved on.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for env := range out {
				payload, err := json.Marshal(env)
				if err != nil {
					s.log.Error("envelope marshal failed", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					s.log.Debug("viewer write failed",
						zap.String("conn", connID), zap.Error(err))
					return
				}
			}
		}()

		// Reader loop: pings only. Pong goes straight back without touching
		// the coordinator, so keepalives stay cheap at any session size.
		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}
			s.meta.touch(connID)

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil || cm.Type != types.MsgPing {
				s.writeEnvelope(r.Context(), conn, types.NewEnvelope(types.MsgError, types.ErrorMessage{
					Code:    "BadMessage",
					Message: "only ping is accepted here",
				}))
				continue
			}
			s.writeEnvelope(r.Context(), conn, types.NewEnvelope(types.MsgPong, nil))
		}
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env types.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}
