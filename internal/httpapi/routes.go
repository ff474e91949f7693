package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRoutes wires the public session API, the deck admin API and the
// websocket subscribe endpoint into one router. deckAPI may be nil when the
// server runs without a deck catalog (tests).
func SetupRoutes(api *API, deckAPI *DeckAPI, wsHandler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthz)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", api.createSession)
		r.Route("/{code}", func(r chi.Router) {
			r.Get("/", api.getStatus)
			r.Post("/start", api.startGame)
			r.Post("/votes", api.submitVote)
			r.Get("/qr", api.joinQR)
		})
	})

	if deckAPI != nil {
		r.Route("/decks", func(r chi.Router) {
			r.Post("/", deckAPI.createDeck)
			r.Get("/", deckAPI.listDecks)
			r.Route("/{deckID}", func(r chi.Router) {
				r.Get("/", deckAPI.getDeck)
				r.Delete("/", deckAPI.deleteDeck)
				r.Put("/slides/{slideRef}", deckAPI.putSlide)
				r.Get("/slides/{slideRef}", deckAPI.getSlide)
				r.Put("/graph", deckAPI.putGraph)
				r.Post("/compute", deckAPI.compute)
			})
		})
	}

	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}

	return r
}
