package domain

import "time"

// ReceiverSession describes one inbound cast accepted from a third-party
// sender. At most one exists; a new cast replaces it.
type ReceiverSession struct {
	SessionID string     `json:"session_id"`
	MediaURL  string     `json:"media_url"`
	Title     string     `json:"title"`
	MediaType MediaClass `json:"media_type"`
	StartedAt time.Time  `json:"started_at"`
}

// Event is one hub notification. Payload is whatever the publisher wants
// listeners to see; the hub never inspects it.
type Event struct {
	Type    string `json:"event"`
	Payload any    `json:"data"`
}
