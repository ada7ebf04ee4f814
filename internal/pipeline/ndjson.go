package pipeline

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/flitsinc/storyforge/internal/ai"
)

// WriteNDJSON writes each event of res as one JSON line, flushing after every
// line when w supports it. Events are drained even after a write fails. The
// stream's error, if any, takes precedence over write errors.
func WriteNDJSON(w io.Writer, res *Result) (ai.Outcome, error) {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	var writeErr error
	for ev := range res.Events() {
		if writeErr != nil {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			writeErr = err
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	outcome, err := res.Wait()
	if err != nil {
		return outcome, err
	}
	return outcome, writeErr
}
