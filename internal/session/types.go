package session

import "time"

// Session is a snapshot of the tracking entry kept for one conversation.
type Session struct {
	ID             string    `json:"session_id"`
	Exchanges      int       `json:"exchanges"`
	Holders        int       `json:"holders"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
