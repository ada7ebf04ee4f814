package api

import (
	"net/http"

	"github.com/flitsinc/storyforge/internal/state"
)

// handleBlockConfig reads or replaces the whole block config of one story and
// agent. Writes are last-writer-wins.
func (s *Server) handleBlockConfig(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	storyID, agent := r.PathValue("story"), r.PathValue("agent")
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.Store.LoadBlockConfig(r.Context(), storyID, agent)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut:
		var cfg state.BlockConfig
		if err := decodeJSON(r.Body, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.Store.SaveBlockConfig(r.Context(), storyID, agent, cfg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleCustomBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var block state.CustomBlock
	if err := decodeJSON(r.Body, &block); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.upsertCustomBlock(w, r, block, http.StatusCreated)
}

func (s *Server) handleCustomBlock(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		var block state.CustomBlock
		if err := decodeJSON(r.Body, &block); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		block.ID = r.PathValue("block")
		s.upsertCustomBlock(w, r, block, http.StatusOK)
	case http.MethodDelete:
		if s.Store == nil {
			writeError(w, http.StatusInternalServerError, errNotFound("store"))
			return
		}
		storyID, agent := r.PathValue("story"), r.PathValue("agent")
		cfg, err := s.Store.LoadBlockConfig(r.Context(), storyID, agent)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !cfg.RemoveCustomBlock(r.PathValue("block")) {
			writeError(w, http.StatusNotFound, errNotFound("custom block"))
			return
		}
		if err := s.Store.SaveBlockConfig(r.Context(), storyID, agent, cfg); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) upsertCustomBlock(w http.ResponseWriter, r *http.Request, block state.CustomBlock, status int) {
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	storyID, agent := r.PathValue("story"), r.PathValue("agent")
	cfg, err := s.Store.LoadBlockConfig(r.Context(), storyID, agent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stored, err := cfg.UpsertCustomBlock(block)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Store.SaveBlockConfig(r.Context(), storyID, agent, cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, status, stored)
}
