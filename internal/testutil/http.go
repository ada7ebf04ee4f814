package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flitsinc/storyforge/internal/ai"
)

// inProcess serves requests straight from a handler without a listener.
type inProcess struct {
	handler http.Handler
}

func (rt inProcess) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

// NewInProcessClient returns a client whose requests are answered by handler.
// Responses are buffered, so it is unsuitable for endless streams.
func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: inProcess{handler: handler}}
}

// StreamRecorder is a ResponseWriter whose body can be read while the handler
// is still writing, for SSE handlers that never return on their own.
type StreamRecorder struct {
	Body io.ReadCloser

	header http.Header
	w      *io.PipeWriter
}

func NewStreamRecorder() *StreamRecorder {
	r, w := io.Pipe()
	return &StreamRecorder{Body: r, header: make(http.Header), w: w}
}

func (sr *StreamRecorder) Header() http.Header         { return sr.header }
func (sr *StreamRecorder) WriteHeader(int)             {}
func (sr *StreamRecorder) Write(p []byte) (int, error) { return sr.w.Write(p) }
func (sr *StreamRecorder) Flush()                      {}

// Close ends the body; readers see io.EOF.
func (sr *StreamRecorder) Close() error { return sr.w.Close() }

// ReadNDJSON decodes every line of an agent event stream.
func ReadNDJSON(t *testing.T, r io.Reader) []ai.Event {
	t.Helper()
	var events []ai.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var ev ai.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("decode event line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read event stream: %v", err)
	}
	return events
}

// NextSSEData blocks until the next "data:" line of an SSE stream and
// returns its payload. It returns nil once the stream ends.
func NextSSEData(r *bufio.Reader) []byte {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil
		}
		if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			return bytes.TrimSpace(data)
		}
	}
}
