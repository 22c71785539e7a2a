package models

import "time"

// Event is the structured input that may fire triggers.
type Event struct {
	EventType string         `json:"eventType"      validate:"required"`
	EventID   string         `json:"eventId"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`

	// Path is the inbound listener path for webhook events.
	Path string `json:"path,omitempty"`
}

// Context returns the evaluation context of the event: data fields at the top level
// plus the full envelope under "event".
func (e Event) Context() map[string]any {
	ctx := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		ctx[k] = v
	}

	ctx["event"] = e.Envelope()

	return ctx
}

// Envelope returns the event as a plain map.
func (e Event) Envelope() map[string]any {
	envelope := map[string]any{
		"eventType": e.EventType,
		"eventId":   e.EventID,
		"data":      e.Data,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
	}

	if e.Path != "" {
		envelope["path"] = e.Path
	}

	return envelope
}
