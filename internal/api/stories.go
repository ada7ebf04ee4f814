package api

import (
	"net/http"

	"github.com/flitsinc/storyforge/internal/state"
)

func (s *Server) handleStories(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.Store.ListStories(r.Context(), parseInt(r.URL.Query().Get("limit"), 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if items == nil {
			items = []state.Story{}
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var payload state.Story
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		payload.ID = ""
		story, err := s.Store.PutStory(r.Context(), payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, story)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	existing, err := s.Store.GetStory(r.Context(), r.PathValue("story"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, existing)
	case http.MethodPut:
		var payload state.Story
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		payload.ID = existing.ID
		payload.CreatedAt = existing.CreatedAt
		story, err := s.Store.PutStory(r.Context(), payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, story)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleFragments(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	storyID := r.PathValue("story")
	if _, err := s.Store.GetStory(r.Context(), storyID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		var (
			items []state.Fragment
			err   error
		)
		if query := q.Get("q"); query != "" {
			items, err = s.Store.SearchFragments(r.Context(), storyID, query, parseInt(q.Get("limit"), 20))
		} else {
			items, err = s.Store.ListFragments(r.Context(), storyID, q.Get("type"))
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if items == nil {
			items = []state.Fragment{}
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var payload state.Fragment
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		payload.ID = ""
		payload.StoryID = storyID
		frag, err := s.Store.PutFragment(r.Context(), payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, frag)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleFragment(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("store"))
		return
	}
	storyID := r.PathValue("story")
	existing, err := s.Store.GetFragment(r.Context(), storyID, r.PathValue("fragment"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, existing)
	case http.MethodPut:
		var payload state.Fragment
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		payload.ID = existing.ID
		payload.StoryID = storyID
		payload.CreatedAt = existing.CreatedAt
		frag, err := s.Store.PutFragment(r.Context(), payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, frag)
	case http.MethodDelete:
		if err := s.Store.DeleteFragment(r.Context(), storyID, existing.ID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}
