package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/slidedrift/backend/internal/deck"
	"github.com/slidedrift/backend/internal/engine"
)

// maxSlideUpload bounds one slide image body.
const maxSlideUpload = 8 << 20

// DeckAPI is the admin surface deckctl speaks: deck CRUD, slide upload and
// graph computation. It is consumed by the batch tool, not by voters.
type DeckAPI struct {
	catalog *deck.Catalog
}

func NewDeckAPI(catalog *deck.Catalog) *DeckAPI {
	return &DeckAPI{catalog: catalog}
}

type deckBody struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	SlideCount int    `json:"slideCount"`
	Error      string `json:"error,omitempty"`
}

func toDeckBody(d deck.Deck) deckBody {
	return deckBody{
		ID:         d.ID,
		Name:       d.Name,
		Status:     string(d.Status),
		SlideCount: d.SlideCount,
		Error:      d.Error,
	}
}

func (a *DeckAPI) createDeck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "name required"})
		return
	}

	d, err := a.catalog.CreateDeck(r.Context(), body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeckBody(d))
}

func (a *DeckAPI) getDeck(w http.ResponseWriter, r *http.Request) {
	d, err := a.catalog.GetDeck(r.Context(), chi.URLParam(r, "deckID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeckBody(d))
}

func (a *DeckAPI) listDecks(w http.ResponseWriter, r *http.Request) {
	decks, err := a.catalog.ListDecks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]deckBody, 0, len(decks))
	for _, d := range decks {
		out = append(out, toDeckBody(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DeckAPI) deleteDeck(w http.ResponseWriter, r *http.Request) {
	if err := a.catalog.DeleteDeck(r.Context(), chi.URLParam(r, "deckID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// putSlide accepts the raw image body; the optional X-Embedding header
// carries the slide's embedding vector as a JSON array.
func (a *DeckAPI) putSlide(w http.ResponseWriter, r *http.Request) {
	// upload addresses slides by 1-based position; reads use the slide id
	position, err := strconv.Atoi(chi.URLParam(r, "slideRef"))
	if err != nil || position < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "slide position must be a positive integer"})
		return
	}

	image, err := io.ReadAll(io.LimitReader(r.Body, maxSlideUpload))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "unreadable body"})
		return
	}

	var embedding []float64
	if raw := r.Header.Get("X-Embedding"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &embedding); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "X-Embedding must be a JSON number array"})
			return
		}
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	slideID, err := a.catalog.PutSlide(r.Context(), chi.URLParam(r, "deckID"), position, image, contentType, embedding)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		SlideID string `json:"slideId"`
	}{SlideID: slideID})
}

func (a *DeckAPI) getSlide(w http.ResponseWriter, r *http.Request) {
	s, err := a.catalog.GetSlide(r.Context(), chi.URLParam(r, "deckID"), chi.URLParam(r, "slideRef"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", s.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.Image)
}

// putGraph ingests a precomputed similarity graph from the offline pipeline.
func (a *DeckAPI) putGraph(w http.ResponseWriter, r *http.Request) {
	var body map[string]struct {
		Logical []string `json:"logical"`
		Chaotic []string `json:"chaotic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BadRequest", Message: "bad json"})
		return
	}

	graph := engine.Graph{}
	for slideID, n := range body {
		graph[slideID] = engine.Neighbors{Logical: n.Logical, Chaotic: n.Chaotic}
	}

	if err := a.catalog.PutGraph(r.Context(), chi.URLParam(r, "deckID"), graph); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *DeckAPI) compute(w http.ResponseWriter, r *http.Request) {
	if err := a.catalog.StartCompute(r.Context(), chi.URLParam(r, "deckID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
