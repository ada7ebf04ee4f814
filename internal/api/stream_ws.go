package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/storyforge/internal/eventbus"
	"github.com/flitsinc/storyforge/internal/schema"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// subscribeOptions reads ?streams= and ?story= and defaults to the live
// usage and run streams.
func subscribeOptions(r *http.Request) eventbus.SubscribeOptions {
	streams := splitComma(r.URL.Query().Get("streams"))
	if len(streams) == 0 {
		streams = schema.LiveStreams
	}
	return eventbus.SubscribeOptions{Streams: streams, StoryID: r.URL.Query().Get("story")}
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream bus"))
		return
	}
	opts := subscribeOptions(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, s.Bus, opts, conn); err != nil {
		s.logger().Debug("websocket feed ended", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamEvents(ctx context.Context, bus *eventbus.Bus, opts eventbus.SubscribeOptions, writer wsWriter) error {
	sub := bus.Subscribe(ctx, opts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
