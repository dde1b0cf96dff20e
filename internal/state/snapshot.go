// Package state persists crawl progress so an interrupted crawl can resume.
package state

import (
	"encoding/json"
	"time"
)

// QueuedURL is a frontier entry as it appears in a saved snapshot.
type QueuedURL struct {
	URL    string `json:"url"`
	Depth  int    `json:"depth"`
	Parent string `json:"parent,omitempty"`
}

// Snapshot captures everything needed to resume a crawl: the URLs already
// visited, the pending frontier in discovery order, and how much of the
// page budget was consumed.
type Snapshot struct {
	Seeds     []string        `json:"seeds"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Fetched   int64           `json:"fetched"`
	Config    json.RawMessage `json:"config,omitempty"`
	Pending   []QueuedURL     `json:"pending"`
	Visited   []string        `json:"visited"`
}
