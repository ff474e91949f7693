package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/slidedrift/backend/internal/deck"
	"github.com/slidedrift/backend/internal/engine"
	"github.com/slidedrift/backend/internal/hub"
	"github.com/slidedrift/backend/internal/session"
)

const replyTimeout = 5 * time.Second

type API struct {
	hub *hub.Hub
	// PublicURL is the externally reachable base used in join QR codes.
	publicURL string
	log       *zap.Logger
}

func NewAPI(h *hub.Hub, publicURL string, log *zap.Logger) *API {
	return &API{hub: h, publicURL: publicURL, log: log.Named("http")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps the error taxonomy onto HTTP statuses. Deck-not-ready keeps
// the deck's current status in the message so the presenter isn't guessing.
func writeError(w http.ResponseWriter, err error) {
	var notReady *deck.NotReadyError

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "SessionNotFound", Message: err.Error()})
	case errors.Is(err, engine.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorBody{Error: "InvalidState", Message: err.Error()})
	case errors.Is(err, engine.ErrVotingClosed):
		writeJSON(w, http.StatusConflict, errorBody{Error: "VotingClosed", Message: err.Error()})
	case errors.Is(err, engine.ErrAlreadyVoted):
		writeJSON(w, http.StatusConflict, errorBody{Error: "AlreadyVoted", Message: err.Error()})
	case errors.Is(err, engine.ErrUnknownChoice):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: err.Error()})
	case errors.Is(err, deck.ErrDeckNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "DeckNotFound", Message: err.Error()})
	case errors.Is(err, deck.ErrSlideNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "SlideNotFound", Message: err.Error()})
	case errors.As(err, &notReady):
		writeJSON(w, http.StatusConflict, errorBody{Error: "DeckNotReady", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal", Message: "internal error"})
	}
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	reply := make(chan *session.Coordinator, 1)
	a.hub.Inbox() <- hub.Create{Reply: reply}

	select {
	case coord := <-reply:
		if coord == nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal", Message: "failed to create session"})
			return
		}
		writeJSON(w, http.StatusCreated, struct {
			SessionID string `json:"sessionId"`
		}{SessionID: coord.Code()})
	case <-time.After(replyTimeout):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Internal", Message: "directory busy"})
	}
}

func (a *API) startGame(w http.ResponseWriter, r *http.Request) {
	coord := a.resolve(w, r)
	if coord == nil {
		return
	}

	var body struct {
		DeckID    string `json:"deckId"`
		MaxSlides int    `json:"maxSlides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "bad json"})
		return
	}
	if body.DeckID == "" || body.MaxSlides < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "deckId and maxSlides >= 1 required"})
		return
	}

	reply := make(chan session.StartReply, 1)
	coord.Inbox() <- session.Start{DeckID: body.DeckID, MaxSlides: body.MaxSlides, Reply: reply}
	res := <-reply
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Snapshot)
}

func (a *API) submitVote(w http.ResponseWriter, r *http.Request) {
	coord := a.resolve(w, r)
	if coord == nil {
		return
	}

	var body struct {
		VoterID string `json:"voterId"`
		Choice  string `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "bad json"})
		return
	}
	if body.VoterID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "voterId required"})
		return
	}

	reply := make(chan session.VoteReply, 1)
	coord.Inbox() <- session.Vote{VoterID: body.VoterID, Choice: engine.Choice(body.Choice), Reply: reply}
	res := <-reply
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Votes any `json:"currentVotes"`
	}{Votes: res.Votes})
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	coord := a.resolve(w, r)
	if coord == nil {
		return
	}

	reply := make(chan session.StatusReply, 1)
	coord.Inbox() <- session.GetStatus{Reply: reply}
	res := <-reply
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Snapshot)
}

// joinQR renders the voter join URL as a PNG for the presenter to project.
func (a *API) joinQR(w http.ResponseWriter, r *http.Request) {
	coord := a.resolve(w, r)
	if coord == nil {
		return
	}

	url := a.publicURL + "/join/" + coord.Code()
	png, err := qrcode.Encode(url, qrcode.Medium, 256)
	if err != nil {
		a.log.Error("qr encode failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal", Message: "qr generation failed"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// resolve finds the coordinator for the room code in the URL, writing a 404
// when the code is unknown both live and in storage.
func (a *API) resolve(w http.ResponseWriter, r *http.Request) *session.Coordinator {
	code := chi.URLParam(r, "code")
	coord := a.hub.ResolveCoordinator(code)
	if coord == nil {
		writeError(w, session.ErrSessionNotFound)
		return nil
	}
	return coord
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
