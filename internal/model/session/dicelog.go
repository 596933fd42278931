package session

import "time"

// DieResult is the outcome of a single die within a roll.
type DieResult struct {
	Die   string `json:"die"`
	Value int    `json:"value"`
}

// DiceLog records one dice roll. Entries are immutable once created and
// kept newest-first with the oldest evicted past the session's cap.
type DiceLog struct {
	ID        string      `json:"id"`
	Player    string      `json:"player"`
	Dice      string      `json:"dice"`
	Results   []DieResult `json:"results,omitempty"`
	Total     int         `json:"total"`
	Timestamp time.Time   `json:"timestamp"`
}
