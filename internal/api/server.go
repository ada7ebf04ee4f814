package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/storyforge/internal/agents"
	"github.com/flitsinc/storyforge/internal/ai"
	"github.com/flitsinc/storyforge/internal/engine"
	"github.com/flitsinc/storyforge/internal/eventbus"
	"github.com/flitsinc/storyforge/internal/pipeline"
	"github.com/flitsinc/storyforge/internal/state"
	"github.com/flitsinc/storyforge/internal/telemetry"
)

type Server struct {
	Store     *state.Store
	Bus       *eventbus.Bus
	Suite     *agents.Suite
	Runner    *engine.Runner
	Roles     *ai.Roles
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
	StartedAt time.Time
	Info      DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/{agent}/invoke", s.handleInvoke)

	mux.HandleFunc("/api/stories", s.handleStories)
	mux.HandleFunc("/api/stories/{story}", s.handleStory)
	mux.HandleFunc("/api/stories/{story}/fragments", s.handleFragments)
	mux.HandleFunc("/api/stories/{story}/fragments/{fragment}", s.handleFragment)
	mux.HandleFunc("/api/stories/{story}/runs", s.handleRuns)
	mux.HandleFunc("/api/stories/{story}/agents/{agent}/stream", s.handleStream)
	mux.HandleFunc("/api/stories/{story}/agents/{agent}/preview", s.handlePreview)
	mux.HandleFunc("/api/stories/{story}/agents/{agent}/catalogue", s.handleCatalogue)
	mux.HandleFunc("/api/stories/{story}/agents/{agent}/blocks", s.handleBlockConfig)
	mux.HandleFunc("/api/stories/{story}/agents/{agent}/blocks/custom", s.handleCustomBlocks)
	mux.HandleFunc("/api/stories/{story}/agents/{agent}/blocks/custom/{block}", s.handleCustomBlock)

	mux.HandleFunc("/api/runs/{run}", s.handleRun)
	mux.HandleFunc("/api/roles", s.handleRoles)
	mux.HandleFunc("/api/roles/{role}/resolve", s.handleRoleResolve)
	mux.HandleFunc("/api/roles/{role}/override", s.handleRoleOverride)

	mux.HandleFunc("/api/streams/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)
	mux.HandleFunc("/api/streams/{stream}", s.handleStreamEvents)

	mux.Handle("/metrics", s.Metrics.Handler())

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Bus == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream bus"))
		return
	}
	q := r.URL.Query()
	items, err := s.Bus.List(r.Context(), r.PathValue("stream"), eventbus.ListOptions{
		StoryID: q.Get("story"),
		Limit:   parseInt(q.Get("limit"), 50),
		Order:   q.Get("order"),
		AfterID: q.Get("after"),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Bus == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("stream bus"))
		return
	}
	opts := subscribeOptions(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	sub := s.Bus.Subscribe(ctx, opts)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			payload, _ := json.Marshal(evt)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var stageErr *pipeline.StageError
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, engine.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &stageErr) && stageErr.Stage == pipeline.StageValidateInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
