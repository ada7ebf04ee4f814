package eventbus

import (
	"strings"

	"github.com/flitsinc/storyforge/internal/schema"
)

const (
	OrderFIFO = "fifo"
	OrderLIFO = "lifo"
)

// DefaultOrder is newest first for the notification streams and oldest
// first for anything else.
func DefaultOrder(stream string) string {
	switch strings.TrimSpace(stream) {
	case schema.StreamUsage, schema.StreamRuns:
		return OrderLIFO
	default:
		return OrderFIFO
	}
}

// IsLive reports whether events on stream are forwarded to websocket
// subscribers.
func IsLive(stream string) bool {
	for _, s := range schema.LiveStreams {
		if s == stream {
			return true
		}
	}
	return false
}
