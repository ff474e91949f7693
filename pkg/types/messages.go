package types

import "time"

// Server -> Client envelope, sent over the viewer push channel.
//
// gameState:   full StatusSnapshot (sent on attach and after every transition)
// voteUpdate:  VoteCounts for the open round
// slideChange: SlideChange when the deck advances
// error:       ErrorMessage
// pong:        reply to a client ping, no data
const (
	MsgGameState   = "gameState"
	MsgVoteUpdate  = "voteUpdate"
	MsgSlideChange = "slideChange"
	MsgError       = "error"
	MsgPong        = "pong"
)

// Client -> Server. The only message viewers send is a keepalive ping.
const MsgPing = "ping"

type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewEnvelope(msgType string, data any) Envelope {
	return Envelope{Type: msgType, Data: data, Timestamp: time.Now().UnixMilli()}
}

type ClientMessage struct {
	Type string `json:"type"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SlideChange struct {
	Slide      string `json:"slide"`
	SlideCount int    `json:"slideCount"`
	Winner     string `json:"winner"`
}
