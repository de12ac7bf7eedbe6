// Package events announces pipeline progress to outside listeners.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types.
const (
	ActivityCaptured = "activity.captured"
	ActivityIndexed  = "activity.indexed"
)

// Event is one pipeline notification. Timestamp is the activity key.
type Event struct {
	Type          string    `json:"type"`
	Timestamp     string    `json:"timestamp"`
	ScreenshotRef string    `json:"screenshot_ref,omitempty"`
	Title         string    `json:"title,omitempty"`
	At            time.Time `json:"at"`
}

// ToJSON encodes the event payload.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Callers log Publish errors and carry on; no
// pipeline step depends on delivery.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
