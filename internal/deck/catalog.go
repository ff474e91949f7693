// Package deck owns the deck catalog: slide blobs, deck lifecycle status and
// the precomputed similarity graph the coordinators read at game start. The
// graph either arrives precomputed from the offline pipeline or is built here
// from per-slide embedding vectors.
package deck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/slidedrift/backend/internal/engine"
)

var ErrDeckNotFound = errors.New("deck not found")
var ErrSlideNotFound = errors.New("slide not found")

// NotReadyError carries the deck's current status so callers can surface it
// instead of leaving the presenter guessing.
type NotReadyError struct {
	Status Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("deck not ready: status is %q", e.Status)
}

// NeighborDepth is how deep each ranked list goes. Selection is O(depth) per
// transition, so this stays small.
const NeighborDepth = 3

type Catalog struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewCatalog(db *gorm.DB, log *zap.Logger) *Catalog {
	return &Catalog{db: db, log: log.Named("deck")}
}

func (c *Catalog) Migrate() error {
	return c.db.AutoMigrate(&Deck{}, &Slide{}, &Edge{})
}

func (c *Catalog) CreateDeck(ctx context.Context, name string) (Deck, error) {
	d := Deck{ID: uuid.NewString(), Name: name, Status: StatusUploading}
	if err := c.db.WithContext(ctx).Create(&d).Error; err != nil {
		return Deck{}, fmt.Errorf("create deck: %w", err)
	}
	return d, nil
}

func (c *Catalog) GetDeck(ctx context.Context, deckID string) (Deck, error) {
	var d Deck
	err := c.db.WithContext(ctx).First(&d, "id = ?", deckID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Deck{}, ErrDeckNotFound
	}
	if err != nil {
		return Deck{}, fmt.Errorf("get deck %s: %w", deckID, err)
	}
	return d, nil
}

func (c *Catalog) ListDecks(ctx context.Context) ([]Deck, error) {
	var decks []Deck
	if err := c.db.WithContext(ctx).Order("created_at desc").Find(&decks).Error; err != nil {
		return nil, fmt.Errorf("list decks: %w", err)
	}
	return decks, nil
}

func (c *Catalog) DeleteDeck(ctx context.Context, deckID string) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Edge{}, "deck_id = ?", deckID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Slide{}, "deck_id = ?", deckID).Error; err != nil {
			return err
		}
		res := tx.Delete(&Deck{}, "id = ?", deckID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDeckNotFound
		}
		return nil
	})
}

// SlideID is the stable identifier for a slide at the given 1-based position.
func SlideID(position int) string {
	return "s" + strconv.Itoa(position)
}

// PutSlide stores or replaces one slide image. Any write moves the deck back
// to uploading: a changed deck needs its graph recomputed.
func (c *Catalog) PutSlide(ctx context.Context, deckID string, position int, image []byte, contentType string, embedding []float64) (string, error) {
	if position < 1 {
		return "", fmt.Errorf("slide position must be >= 1, got %d", position)
	}
	if _, err := c.GetDeck(ctx, deckID); err != nil {
		return "", err
	}

	slide := Slide{
		DeckID:      deckID,
		SlideID:     SlideID(position),
		Position:    position,
		Image:       image,
		ContentType: contentType,
		Embedding:   embedding,
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&slide).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&Slide{}).Where("deck_id = ?", deckID).Count(&count).Error; err != nil {
			return err
		}
		return tx.Model(&Deck{}).Where("id = ?", deckID).
			Updates(map[string]any{"status": StatusUploading, "slide_count": count, "error": ""}).Error
	})
	if err != nil {
		return "", fmt.Errorf("put slide %s/%d: %w", deckID, position, err)
	}
	return slide.SlideID, nil
}

func (c *Catalog) GetSlide(ctx context.Context, deckID, slideID string) (Slide, error) {
	var s Slide
	err := c.db.WithContext(ctx).
		First(&s, "deck_id = ? AND slide_id = ?", deckID, slideID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Slide{}, ErrSlideNotFound
	}
	if err != nil {
		return Slide{}, fmt.Errorf("get slide %s/%s: %w", deckID, slideID, err)
	}
	return s, nil
}

// PutGraph replaces the deck's edges with a precomputed graph and marks the
// deck ready. This is the offline pipeline's delivery interface.
func (c *Catalog) PutGraph(ctx context.Context, deckID string, graph engine.Graph) error {
	if _, err := c.GetDeck(ctx, deckID); err != nil {
		return err
	}

	edges := make([]Edge, 0, len(graph)*2*NeighborDepth)
	for slideID, n := range graph {
		for rank, neighbor := range n.Logical {
			edges = append(edges, Edge{DeckID: deckID, SlideID: slideID, Choice: string(engine.ChoiceLogical), Rank: rank, Neighbor: neighbor})
		}
		for rank, neighbor := range n.Chaotic {
			edges = append(edges, Edge{DeckID: deckID, SlideID: slideID, Choice: string(engine.ChoiceChaotic), Rank: rank, Neighbor: neighbor})
		}
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Edge{}, "deck_id = ?", deckID).Error; err != nil {
			return err
		}
		if len(edges) > 0 {
			if err := tx.Create(&edges).Error; err != nil {
				return err
			}
		}
		return tx.Model(&Deck{}).Where("id = ?", deckID).
			Updates(map[string]any{"status": StatusReady, "error": ""}).Error
	})
	if err != nil {
		return fmt.Errorf("put graph %s: %w", deckID, err)
	}
	return nil
}

// StartCompute kicks off the in-process graph computation. The deck moves to
// processing immediately; the caller polls deck status for ready/failed.
func (c *Catalog) StartCompute(ctx context.Context, deckID string) error {
	res := c.db.WithContext(ctx).Model(&Deck{}).Where("id = ?", deckID).
		Updates(map[string]any{"status": StatusProcessing, "error": ""})
	if res.Error != nil {
		return fmt.Errorf("start compute %s: %w", deckID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDeckNotFound
	}

	go func() {
		// detached from the request; the job outlives the HTTP call
		if err := c.compute(context.Background(), deckID); err != nil {
			c.log.Error("graph computation failed",
				zap.String("deck", deckID), zap.Error(err))
			c.db.Model(&Deck{}).Where("id = ?", deckID).
				Updates(map[string]any{"status": StatusFailed, "error": err.Error()})
		}
	}()
	return nil
}

func (c *Catalog) compute(ctx context.Context, deckID string) error {
	var slides []Slide
	if err := c.db.WithContext(ctx).Order("position").Find(&slides, "deck_id = ?", deckID).Error; err != nil {
		return err
	}
	if len(slides) < 2 {
		return fmt.Errorf("deck has %d slides, need at least 2", len(slides))
	}

	ids := make([]string, len(slides))
	vectors := make([][]float64, len(slides))
	for i, s := range slides {
		if len(s.Embedding) == 0 {
			return fmt.Errorf("slide %s has no embedding", s.SlideID)
		}
		ids[i] = s.SlideID
		vectors[i] = s.Embedding
	}

	graph, err := computeNeighbors(ids, vectors, NeighborDepth)
	if err != nil {
		return err
	}

	c.log.Info("graph computed", zap.String("deck", deckID), zap.Int("slides", len(slides)))
	return c.PutGraph(ctx, deckID, graph)
}

// LoadGraph returns the ready graph and the deck's first slide id. Decks in
// any other status come back as NotReadyError with that status.
func (c *Catalog) LoadGraph(ctx context.Context, deckID string) (engine.Graph, string, error) {
	d, err := c.GetDeck(ctx, deckID)
	if err != nil {
		return nil, "", err
	}
	if d.Status != StatusReady {
		return nil, "", &NotReadyError{Status: d.Status}
	}

	var edges []Edge
	if err := c.db.WithContext(ctx).Order("slide_id, choice, rank").
		Find(&edges, "deck_id = ?", deckID).Error; err != nil {
		return nil, "", fmt.Errorf("load graph %s: %w", deckID, err)
	}

	graph := engine.Graph{}
	for _, e := range edges {
		n := graph[e.SlideID]
		switch engine.Choice(e.Choice) {
		case engine.ChoiceLogical:
			n.Logical = append(n.Logical, e.Neighbor)
		case engine.ChoiceChaotic:
			n.Chaotic = append(n.Chaotic, e.Neighbor)
		}
		graph[e.SlideID] = n
	}

	var first Slide
	err = c.db.WithContext(ctx).Order("position").
		First(&first, "deck_id = ?", deckID).Error
	if err != nil {
		return nil, "", fmt.Errorf("first slide of %s: %w", deckID, err)
	}
	return graph, first.SlideID, nil
}

// computeNeighbors ranks every slide's neighbors by cosine similarity:
// top-depth most similar become the logical list, bottom-depth least similar
// become the chaotic list (least similar first).
func computeNeighbors(ids []string, vectors [][]float64, depth int) (engine.Graph, error) {
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("slide %s embedding has %d dims, want %d", ids[i], len(v), dim)
		}
	}

	graph := engine.Graph{}
	for i := range ids {
		type scored struct {
			id  string
			sim float64
		}
		others := make([]scored, 0, len(ids)-1)
		for j := range ids {
			if i == j {
				continue
			}
			others = append(others, scored{id: ids[j], sim: cosine(vectors[i], vectors[j])})
		}
		sort.Slice(others, func(a, b int) bool {
			if others[a].sim != others[b].sim {
				return others[a].sim > others[b].sim
			}
			return others[a].id < others[b].id // deterministic on score ties
		})

		k := depth
		if k > len(others) {
			k = len(others)
		}
		n := engine.Neighbors{}
		for _, s := range others[:k] {
			n.Logical = append(n.Logical, s.id)
		}
		for idx := 0; idx < k; idx++ {
			n.Chaotic = append(n.Chaotic, others[len(others)-1-idx].id)
		}
		graph[ids[i]] = n
	}
	return graph, nil
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
