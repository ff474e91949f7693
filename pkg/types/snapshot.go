package types

type VoteCounts struct {
	Logical int `json:"logical"`
	Chaotic int `json:"chaotic"`
}

// StatusSnapshot is the full observable state of one session. Sent to viewers
// on attach and after every phase transition, and returned by the status
// endpoint. TimeRemainingMS is derived from the timer deadline at send time so
// reconnecting clients can restart their local countdown.
type StatusSnapshot struct {
	SessionID       string     `json:"sessionId"`
	Phase           string     `json:"phase"`
	CurrentSlide    string     `json:"currentSlide"`
	SlideCount      int        `json:"slideCount"`
	MaxSlides       int        `json:"maxSlides"`
	VotingOpen      bool       `json:"votingOpen"`
	Votes           VoteCounts `json:"votes"`
	TimeRemainingMS int64      `json:"timeRemainingMs"`
}
