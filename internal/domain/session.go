package domain

import "time"

// SessionPhase is the exchange session classification of an instant.
type SessionPhase string

const (
	PhasePreOpen   SessionPhase = "PRE_OPEN"
	PhaseOpen      SessionPhase = "OPEN"
	PhaseEODWindow SessionPhase = "EOD_WINDOW"
	PhaseClosed    SessionPhase = "CLOSED"
)

// SessionState is recomputed on demand and never stored.
type SessionState struct {
	Phase SessionPhase `json:"state"`
	At    time.Time    `json:"at"`
}

// RequiresFeed reports whether live quotes should be collected in this phase.
func (p SessionPhase) RequiresFeed() bool {
	return p == PhasePreOpen || p == PhaseOpen
}

func (p SessionPhase) String() string {
	return string(p)
}
