package deck

import "time"

type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

type Deck struct {
	ID         string `gorm:"primaryKey"`
	Name       string
	Status     Status
	SlideCount int
	// Error holds the failure reason when Status is failed.
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Slide struct {
	DeckID      string `gorm:"primaryKey"`
	SlideID     string `gorm:"primaryKey"`
	Position    int    `gorm:"index"`
	Image       []byte
	ContentType string
	// Embedding comes from the offline pipeline; used only by ComputeGraph.
	Embedding []float64 `gorm:"serializer:json"`
}

// Edge is one entry of a slide's ranked neighbor list. Rank is 0-based within
// (deck, slide, choice). Choice is "logical" or "chaotic".
type Edge struct {
	DeckID   string `gorm:"primaryKey"`
	SlideID  string `gorm:"primaryKey"`
	Choice   string `gorm:"primaryKey"`
	Rank     int    `gorm:"primaryKey"`
	Neighbor string
}
