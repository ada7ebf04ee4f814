package eventbus

import "time"

type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	StoryID   string         `json:"story_id"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventInput struct {
	Stream  string
	StoryID string
	Subject string
	Body    string
	Payload map[string]any
}

type ListOptions struct {
	StoryID string
	Limit   int
	Order   string
	// AfterID returns only events created after the given event.
	AfterID string
}

type SubscribeOptions struct {
	Streams []string
	// StoryID limits delivery to one story. Empty receives every story.
	StoryID string
}
