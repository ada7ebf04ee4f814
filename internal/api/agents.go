package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/flitsinc/storyforge/internal/engine"
	"github.com/flitsinc/storyforge/internal/pipeline"
	"github.com/flitsinc/storyforge/internal/state"
)

type agentInfo struct {
	Name         string   `json:"name"`
	Streaming    bool     `json:"streaming"`
	Role         string   `json:"role,omitempty"`
	AllowedCalls []string `json:"allowedCalls"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Suite == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("agents"))
		return
	}
	out := []agentInfo{}
	for _, name := range s.Suite.Registry.Names() {
		def, _ := s.Suite.Registry.Get(name)
		info := agentInfo{Name: name, AllowedCalls: def.AllowedCalls}
		if stream, ok := s.Suite.Stream(name); ok {
			info.Streaming = true
			info.Role = stream.Config().Role
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

type invokeRequest struct {
	StoryID string `json:"storyId"`
	Input   any    `json:"input"`
	Options struct {
		MaxDepth int    `json:"maxDepth"`
		MaxCalls int    `json:"maxCalls"`
		Timeout  string `json:"timeout"`
	} `json:"options"`
}

type invokeResponse struct {
	RunID     string             `json:"runId"`
	RootRunID string             `json:"rootRunId"`
	Output    any                `json:"output,omitempty"`
	Error     string             `json:"error,omitempty"`
	Trace     []state.TraceEntry `json:"trace"`
}

// handleInvoke runs an agent through the runner. Streaming outputs are
// drained and reported as their final outcome.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Runner == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("runner"))
		return
	}
	var payload invokeRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := engine.Options{MaxDepth: payload.Options.MaxDepth, MaxCalls: payload.Options.MaxCalls}
	if payload.Options.Timeout != "" {
		d, err := time.ParseDuration(payload.Options.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout: %w", err))
			return
		}
		opts.Timeout = d
	}

	res, err := s.Runner.Invoke(r.Context(), engine.InvokeArgs{
		StoryID:   payload.StoryID,
		AgentName: r.PathValue("agent"),
		Input:     payload.Input,
		Options:   opts,
	})
	resp := invokeResponse{RunID: res.RunID, RootRunID: res.RootRunID, Trace: res.Trace}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	output, err := settleOutput(res.Output)
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	resp.Output = output
	writeJSON(w, http.StatusOK, resp)
}

func settleOutput(output any) (any, error) {
	stream, ok := output.(*pipeline.Result)
	if !ok {
		return output, nil
	}
	for range stream.Events() {
	}
	return stream.Wait()
}

// handleStream runs a streaming agent and writes its events as NDJSON. A
// failed stream ends without a finish line.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	runner, ok := s.streamRunner(w, r)
	if !ok {
		return
	}
	var payload struct {
		Input    any `json:"input"`
		MaxSteps int `json:"maxSteps"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := runner.Run(r.Context(), r.PathValue("story"), payload.Input, pipeline.Options{MaxSteps: payload.MaxSteps})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Run-Id", res.RunID)
	w.WriteHeader(http.StatusOK)
	if _, err := pipeline.WriteNDJSON(w, res); err != nil {
		s.logger().Warn("stream ended with error", "agent", runner.Config().Agent, "run_id", res.RunID, "err", err)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	runner, ok := s.streamRunner(w, r)
	if !ok {
		return
	}
	var payload struct {
		Input any `json:"input"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	preview, err := runner.Preview(r.Context(), r.PathValue("story"), payload.Input)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// handleCatalogue lists customizable blocks. Agents whose blocks depend on
// their input take it in a POST body.
func (s *Server) handleCatalogue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	runner, ok := s.streamRunner(w, r)
	if !ok {
		return
	}
	var payload struct {
		Input any `json:"input"`
	}
	if r.Method == http.MethodPost {
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	entries, err := runner.Catalogue(r.Context(), r.PathValue("story"), payload.Input)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) streamRunner(w http.ResponseWriter, r *http.Request) (*pipeline.Runner, bool) {
	if s.Suite == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("agents"))
		return nil, false
	}
	runner, ok := s.Suite.Stream(r.PathValue("agent"))
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound("streaming agent "+r.PathValue("agent")))
		return nil, false
	}
	return runner, true
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	items, err := s.Store.ListRunRecords(r.Context(), r.PathValue("story"), parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	// Runs are addressed by their root run id.
	rec, err := s.Store.GetRunRecord(r.Context(), r.PathValue("run"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
